package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"notifydispatch/internal/entity"
	storage "notifydispatch/pkg/storage/postgres"
)

// Directory reads platform contacts and organization membership. Both tables
// are owned by the user service and only read here.
type Directory struct {
	db *storage.Postgres
}

func (d *Directory) Lookup(ctx context.Context, userID uuid.UUID) (*entity.Recipient, error) {
	const op = "repository.postgres.Directory.Lookup"

	sql, args, err := d.db.Select("user_id", "name", "email", "phone", "telegram_chat_id", "webhook_endpoint").
		From("user_contacts").
		Where(squirrel.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: select query: %w", op, err)
	}

	var (
		rc entity.Recipient
		id uuid.UUID
	)
	err = d.db.QueryRow(ctx, sql, args...).Scan(
		&id,
		&rc.Name,
		&rc.Email,
		&rc.Phone,
		&rc.TelegramChatID,
		&rc.WebhookEndpoint,
	)
	if err != nil {
		return nil, wrap(op, err)
	}
	rc.UserID = &id

	return &rc, nil
}

func (d *Directory) Estimate(ctx context.Context, orgID uuid.UUID, a entity.Audience) (int, error) {
	const op = "repository.postgres.Directory.Estimate"

	where, err := audienceWhere(orgID, a)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	sql, args, err := d.db.Select("COUNT(*)").From("organization_members om").Where(where).ToSql()
	if err != nil {
		return 0, fmt.Errorf("%s: count query: %w", op, err)
	}

	var n int
	if err = d.db.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, wrap(op, err)
	}

	return n, nil
}

func (d *Directory) Resolve(ctx context.Context, orgID uuid.UUID, a entity.Audience) ([]entity.Recipient, error) {
	const op = "repository.postgres.Directory.Resolve"

	where, err := audienceWhere(orgID, a)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	sql, args, err := d.db.Select("om.user_id", "COALESCE(c.name, '')").
		From("organization_members om").
		LeftJoin("user_contacts c ON c.user_id = om.user_id").
		Where(where).
		OrderBy("om.user_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: select query: %w", op, err)
	}

	rows, err := d.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var out []entity.Recipient
	for rows.Next() {
		var (
			id   uuid.UUID
			name string
		)
		if err = rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, entity.Recipient{UserID: &id, Name: name})
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows error: %w", op, err)
	}

	return out, nil
}

func audienceWhere(orgID uuid.UUID, a entity.Audience) (squirrel.And, error) {
	where := squirrel.And{squirrel.Eq{"om.organization_id": orgID}}

	switch a.Type {
	case entity.AudienceAll:
	case entity.AudienceRoles:
		where = append(where, squirrel.Expr("om.roles && ?", nonNil(a.Roles)))
	case entity.AudienceUsers:
		where = append(where, squirrel.Eq{"om.user_id": a.UserIDs})
	case entity.AudienceFilter:
		attrs := make(map[string]string, len(a.Filter))
		for k, v := range a.Filter {
			attrs[k] = fmt.Sprint(v)
		}
		raw, err := json.Marshal(attrs)
		if err != nil {
			return nil, fmt.Errorf("encode filter: %w", err)
		}
		where = append(where, squirrel.Expr("om.attributes @> ?::jsonb", string(raw)))
	default:
		return nil, fmt.Errorf("audience %q: %w", a.Type, entity.ErrValidation)
	}

	return where, nil
}
