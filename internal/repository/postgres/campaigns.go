package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"notifydispatch/internal/entity"
	storage "notifydispatch/pkg/storage/postgres"
)

const (
	_campaignsTable = "campaigns"
	_campaignCols   = "id, organization_id, name, description, type, priority, content, channels, audience, status, " +
		"scheduled_at, estimated_recipients, total_recipients, total_sent, total_delivered, total_read, total_failed, " +
		"started_at, completed_at, created_by, created_at, updated_at"
)

type CampaignRepository struct {
	db *storage.Postgres
}

func (r *CampaignRepository) Create(ctx context.Context, c *entity.Campaign) error {
	const op = "repository.postgres.Campaigns.Create"

	sql, args, err := r.db.Insert(_campaignsTable).
		Columns(
			"id", "organization_id", "name", "description", "type", "priority", "content", "channels", "audience",
			"status", "scheduled_at", "estimated_recipients", "created_by", "created_at", "updated_at",
		).
		Values(
			c.ID, c.OrganizationID, c.Name, c.Description, c.Type, c.Priority, c.Content, toStrings(c.Channels),
			c.Audience, c.Status, c.ScheduledAt, c.EstimatedRecipients, c.CreatedBy, c.CreatedAt, c.UpdatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("%s: insert query: %w", op, err)
	}

	if _, err = r.db.Exec(ctx, sql, args...); err != nil {
		return wrap(op, err)
	}

	return nil
}

func (r *CampaignRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Campaign, error) {
	const op = "repository.postgres.Campaigns.GetByID"

	sql, args, err := r.db.Select(_campaignCols).From(_campaignsTable).Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: select query: %w", op, err)
	}

	c, err := scanCampaign(r.db.QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, wrap(op, err)
	}

	return c, nil
}

func (r *CampaignRepository) List(ctx context.Context, f entity.CampaignFilter) ([]entity.Campaign, int, error) {
	const op = "repository.postgres.Campaigns.List"

	where := squirrel.And{}
	if f.OrganizationID != nil {
		where = append(where, squirrel.Eq{"organization_id": *f.OrganizationID})
	}
	if len(f.Statuses) > 0 {
		where = append(where, squirrel.Eq{"status": toStrings(f.Statuses)})
	}

	countSQL, countArgs, err := r.db.Select("COUNT(*)").From(_campaignsTable).Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("%s: count query: %w", op, err)
	}
	var total int
	if err = r.db.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, wrap(op, err)
	}

	q := r.db.Select(_campaignCols).
		From(_campaignsTable).
		Where(where).
		OrderBy("created_at DESC").
		Offset(uint64(max(f.Offset, 0)))
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("%s: select query: %w", op, err)
	}

	out, err := r.query(ctx, sql, args)
	if err != nil {
		return nil, 0, wrap(op, err)
	}

	return out, total, nil
}

// Transition is a compare-and-set on status. When no row matches, a second
// read tells a missing campaign apart from a rejected transition.
func (r *CampaignRepository) Transition(
	ctx context.Context,
	id uuid.UUID,
	from []entity.CampaignStatus,
	to entity.CampaignStatus,
	at time.Time,
) (*entity.Campaign, error) {
	const op = "repository.postgres.Campaigns.Transition"

	update := r.db.Update(_campaignsTable).
		Set("status", to).
		Set("updated_at", at).
		Where(squirrel.Eq{"id": id, "status": toStrings(from)}).
		Suffix("RETURNING " + _campaignCols)

	switch to {
	case entity.CampaignInProgress:
		update = update.Set("started_at", at)
	case entity.CampaignCompleted:
		update = update.Set("completed_at", at)
	}

	sql, args, err := update.ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: update query: %w", op, err)
	}

	c, err := scanCampaign(r.db.QueryRow(ctx, sql, args...))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, wrap(op, err)
	}

	current, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return nil, fmt.Errorf("%s: %w", op, getErr)
	}

	return nil, fmt.Errorf("%s: %s -> %s: %w", op, current.Status, to, entity.ErrInvalidState)
}

func (r *CampaignRepository) SetTotalRecipients(ctx context.Context, id uuid.UUID, total int) error {
	const op = "repository.postgres.Campaigns.SetTotalRecipients"

	return r.update(ctx, op, id, map[string]any{"total_recipients": total})
}

// IncrementCounters adds the delta in SQL so concurrent workers never lose updates.
func (r *CampaignRepository) IncrementCounters(ctx context.Context, id uuid.UUID, delta entity.CampaignCounters) error {
	const op = "repository.postgres.Campaigns.IncrementCounters"

	if delta.IsZero() {
		return nil
	}

	return r.update(ctx, op, id, map[string]any{
		"total_sent":      squirrel.Expr("total_sent + ?", delta.Sent),
		"total_delivered": squirrel.Expr("total_delivered + ?", delta.Delivered),
		"total_read":      squirrel.Expr("total_read + ?", delta.Read),
		"total_failed":    squirrel.Expr("total_failed + ?", delta.Failed),
	})
}

func (r *CampaignRepository) update(ctx context.Context, op string, id uuid.UUID, values map[string]any) error {
	sql, args, err := r.db.Update(_campaignsTable).SetMap(values).Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("%s: update query: %w", op, err)
	}

	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return wrap(op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}

	return nil
}

func (r *CampaignRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]entity.Campaign, error) {
	const op = "repository.postgres.Campaigns.ListDue"

	q := r.db.Select(_campaignCols).
		From(_campaignsTable).
		Where(squirrel.Eq{"status": entity.CampaignScheduled}).
		Where(squirrel.LtOrEq{"scheduled_at": now}).
		OrderBy("scheduled_at")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: select query: %w", op, err)
	}

	out, err := r.query(ctx, sql, args)
	if err != nil {
		return nil, wrap(op, err)
	}

	return out, nil
}

func (r *CampaignRepository) query(ctx context.Context, sql string, args []any) ([]entity.Campaign, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]entity.Campaign, 0)
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}

	return out, rows.Err()
}

func scanCampaign(s rowScanner) (*entity.Campaign, error) {
	var (
		c        entity.Campaign
		channels []string
	)

	err := s.Scan(
		&c.ID,
		&c.OrganizationID,
		&c.Name,
		&c.Description,
		&c.Type,
		&c.Priority,
		&c.Content,
		&channels,
		&c.Audience,
		&c.Status,
		&c.ScheduledAt,
		&c.EstimatedRecipients,
		&c.TotalRecipients,
		&c.TotalSent,
		&c.TotalDelivered,
		&c.TotalRead,
		&c.TotalFailed,
		&c.StartedAt,
		&c.CompletedAt,
		&c.CreatedBy,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Channels = fromStrings[entity.Channel](channels)

	return &c, nil
}
