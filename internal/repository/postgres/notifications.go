package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"notifydispatch/internal/entity"
	storage "notifydispatch/pkg/storage/postgres"
)

const (
	_notificationsTable = "notifications"
	_notificationCols   = "id, external_id, organization_id, type, priority, status, content, recipient, channels, " +
		"locale, related_entity, campaign_id, rule_id, is_read, scheduled_at, expires_at, sent_at, delivered_at, " +
		"read_at, failed_at, created_at, updated_at"
)

type NotificationRepository struct {
	db *storage.Postgres
}

// Create inserts the notification and its delivery items in one transaction.
func (r *NotificationRepository) Create(ctx context.Context, n *entity.Notification, items []entity.DeliveryItem) error {
	const op = "repository.postgres.Notifications.Create"

	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		sql, args, err := r.db.Insert(_notificationsTable).
			Columns(
				"id", "external_id", "organization_id", "type", "priority", "status", "content", "recipient",
				"recipient_user_id", "channels", "locale", "related_entity", "campaign_id", "rule_id", "is_read",
				"scheduled_at", "expires_at", "created_at", "updated_at",
			).
			Values(
				n.ID, n.ExternalID, n.OrganizationID, n.Type, n.Priority, n.Status, n.Content, n.Recipient,
				n.Recipient.UserID, toStrings(n.Channels), n.Locale, n.RelatedEntity, n.CampaignID, n.RuleID, n.IsRead,
				n.ScheduledAt, n.ExpiresAt, n.CreatedAt, n.UpdatedAt,
			).
			ToSql()
		if err != nil {
			return fmt.Errorf("%s: insert query: %w", op, err)
		}
		if _, err = tx.Exec(ctx, sql, args...); err != nil {
			return wrap(op, err)
		}

		if len(items) == 0 {
			return nil
		}

		return insertItems(ctx, r.db, tx, items)
	})
}

func insertItems(ctx context.Context, db *storage.Postgres, qe storage.QueryExecuter, items []entity.DeliveryItem) error {
	const op = "repository.postgres.insertItems"

	insert := db.Insert(_itemsTable).Columns(
		"id", "notification_id", "channel", "status", "scheduled_at", "retry_count", "max_retries",
		"next_retry_at", "created_at", "updated_at",
	)
	for _, it := range items {
		insert = insert.Values(
			it.ID, it.NotificationID, it.Channel, it.Status, it.ScheduledAt, it.RetryCount, it.MaxRetries,
			it.NextRetryAt, it.CreatedAt, it.UpdatedAt,
		)
	}

	sql, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("%s: insert query: %w", op, err)
	}
	if _, err = qe.Exec(ctx, sql, args...); err != nil {
		return wrap(op, err)
	}

	return nil
}

func (r *NotificationRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Notification, error) {
	const op = "repository.postgres.Notifications.GetByID"

	sql, args, err := r.db.Select(_notificationCols).
		From(_notificationsTable).
		Where(squirrel.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: select query: %w", op, err)
	}

	n, err := scanNotification(r.db.QueryRow(ctx, sql, args...))
	if err != nil {
		return nil, wrap(op, err)
	}

	return n, nil
}

func (r *NotificationRepository) List(ctx context.Context, f entity.NotificationFilter) ([]entity.Notification, int, error) {
	const op = "repository.postgres.Notifications.List"

	where := notificationWhere(f)

	countSQL, countArgs, err := r.db.Select("COUNT(*)").From(_notificationsTable).Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("%s: count query: %w", op, err)
	}
	var total int
	if err = r.db.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, wrap(op, err)
	}

	q := r.db.Select(_notificationCols).
		From(_notificationsTable).
		Where(where).
		OrderBy("created_at DESC", "id DESC").
		Offset(uint64(max(f.Offset, 0)))
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("%s: select query: %w", op, err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, wrap(op, err)
	}
	defer rows.Close()

	out := make([]entity.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, *n)
	}
	if err = rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("%s: rows error: %w", op, err)
	}

	return out, total, nil
}

func notificationWhere(f entity.NotificationFilter) squirrel.And {
	where := squirrel.And{}
	if f.UserID != nil {
		where = append(where, squirrel.Eq{"recipient_user_id": *f.UserID})
	}
	if f.OrganizationID != nil {
		where = append(where, squirrel.Eq{"organization_id": *f.OrganizationID})
	}
	if len(f.Types) > 0 {
		where = append(where, squirrel.Eq{"type": toStrings(f.Types)})
	}
	if len(f.Statuses) > 0 {
		where = append(where, squirrel.Eq{"status": toStrings(f.Statuses)})
	}
	if f.IsRead != nil {
		where = append(where, squirrel.Eq{"is_read": *f.IsRead})
	}
	if f.CampaignID != nil {
		where = append(where, squirrel.Eq{"campaign_id": *f.CampaignID})
	}
	if f.From != nil {
		where = append(where, squirrel.GtOrEq{"created_at": *f.From})
	}
	if f.To != nil {
		where = append(where, squirrel.LtOrEq{"created_at": *f.To})
	}
	if !f.IncludeExpired {
		where = append(where, squirrel.Or{squirrel.Eq{"expires_at": nil}, squirrel.Gt{"expires_at": f.Now}})
	}
	return where
}

func (r *NotificationRepository) MarkRead(ctx context.Context, ids []uuid.UUID, at time.Time) ([]entity.ReadMark, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.markRead(ctx, "repository.postgres.Notifications.MarkRead", squirrel.Eq{"id": ids}, at)
}

func (r *NotificationRepository) MarkAllRead(ctx context.Context, userID uuid.UUID, at time.Time) ([]entity.ReadMark, error) {
	return r.markRead(ctx, "repository.postgres.Notifications.MarkAllRead", squirrel.Eq{"recipient_user_id": userID}, at)
}

// markRead flips is_read once; rows that were already read are not returned.
func (r *NotificationRepository) markRead(ctx context.Context, op string, where squirrel.Sqlizer, at time.Time) ([]entity.ReadMark, error) {
	sql, args, err := r.db.Update(_notificationsTable).
		Set("is_read", true).
		Set("read_at", at).
		Set("updated_at", at).
		Set("status", squirrel.Expr(
			"CASE WHEN status IN (?, ?) THEN ? ELSE status END",
			entity.StatusSent, entity.StatusDelivered, entity.StatusRead,
		)).
		Where(where).
		Where(squirrel.Eq{"is_read": false}).
		Suffix("RETURNING id, campaign_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: update query: %w", op, err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var marks []entity.ReadMark
	for rows.Next() {
		var m entity.ReadMark
		if err = rows.Scan(&m.ID, &m.CampaignID); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		marks = append(marks, m)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows error: %w", op, err)
	}

	return marks, nil
}

func (r *NotificationRepository) Cancel(ctx context.Context, id uuid.UUID, at time.Time) (int, error) {
	const op = "repository.postgres.Notifications.Cancel"

	var removed int
	err := r.db.WithTx(ctx, func(tx pgx.Tx) error {
		sql, args, err := r.db.Select("status").
			From(_notificationsTable).
			Where(squirrel.Eq{"id": id}).
			Suffix("FOR UPDATE").
			ToSql()
		if err != nil {
			return fmt.Errorf("%s: select query: %w", op, err)
		}

		var status entity.Status
		if err = tx.QueryRow(ctx, sql, args...).Scan(&status); err != nil {
			return wrap(op, err)
		}
		if !status.Cancellable() {
			return fmt.Errorf("%s: status %s: %w", op, status, entity.ErrInvalidState)
		}

		sql, args, err = r.db.Update(_notificationsTable).
			Set("status", entity.StatusCancelled).
			Set("updated_at", at).
			Where(squirrel.Eq{"id": id}).
			ToSql()
		if err != nil {
			return fmt.Errorf("%s: update query: %w", op, err)
		}
		if _, err = tx.Exec(ctx, sql, args...); err != nil {
			return wrap(op, err)
		}

		sql, args, err = r.db.Delete(_itemsTable).
			Where(squirrel.Eq{"notification_id": id, "status": entity.DeliveryQueued}).
			ToSql()
		if err != nil {
			return fmt.Errorf("%s: delete query: %w", op, err)
		}
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return wrap(op, err)
		}
		removed = int(tag.RowsAffected())

		return nil
	})
	if err != nil {
		return 0, err
	}

	return removed, nil
}

func (r *NotificationRepository) TransitionStatus(
	ctx context.Context,
	id uuid.UUID,
	from []entity.Status,
	to entity.Status,
	at time.Time,
) (bool, error) {
	const op = "repository.postgres.Notifications.TransitionStatus"

	update := r.db.Update(_notificationsTable).
		Set("status", to).
		Set("updated_at", at).
		Where(squirrel.Eq{"id": id, "status": toStrings(from)})

	switch to {
	case entity.StatusSent:
		update = update.Set("sent_at", at)
	case entity.StatusDelivered:
		update = update.
			Set("sent_at", squirrel.Expr("COALESCE(sent_at, ?)", at)).
			Set("delivered_at", at)
	case entity.StatusFailed:
		update = update.Set("failed_at", at)
	}

	sql, args, err := update.ToSql()
	if err != nil {
		return false, fmt.Errorf("%s: update query: %w", op, err)
	}

	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return false, wrap(op, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	if err = r.exists(ctx, id); err != nil {
		return false, wrap(op, err)
	}

	return false, nil
}

func (r *NotificationRepository) exists(ctx context.Context, id uuid.UUID) error {
	sql, args, err := r.db.Select("1").From(_notificationsTable).Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return err
	}

	var one int
	return r.db.QueryRow(ctx, sql, args...).Scan(&one)
}

func (r *NotificationRepository) Delete(ctx context.Context, ids []uuid.UUID) (int, error) {
	const op = "repository.postgres.Notifications.Delete"

	if len(ids) == 0 {
		return 0, nil
	}

	sql, args, err := r.db.Delete(_notificationsTable).Where(squirrel.Eq{"id": ids}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("%s: delete query: %w", op, err)
	}

	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, wrap(op, err)
	}

	return int(tag.RowsAffected()), nil
}

// DeleteOlderThan keeps pending and queued notifications that still have
// channels to deliver.
func (r *NotificationRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int, error) {
	const op = "repository.postgres.Notifications.DeleteOlderThan"

	sql, args, err := r.db.Delete(_notificationsTable).
		Where(squirrel.Lt{"created_at": before}).
		Where(squirrel.Expr(
			"NOT (status IN (?, ?) AND cardinality(channels) > 0)",
			entity.StatusPending, entity.StatusQueued,
		)).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("%s: delete query: %w", op, err)
	}

	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, wrap(op, err)
	}

	return int(tag.RowsAffected()), nil
}

func (r *NotificationRepository) CountByTypeSince(
	ctx context.Context,
	orgID uuid.UUID,
	typ entity.NotificationType,
	since time.Time,
) (int, error) {
	const op = "repository.postgres.Notifications.CountByTypeSince"

	sql, args, err := r.db.Select("COUNT(*)").
		From(_notificationsTable).
		Where(squirrel.Eq{"organization_id": orgID, "type": typ}).
		Where(squirrel.GtOrEq{"created_at": since}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("%s: count query: %w", op, err)
	}

	var count int
	if err = r.db.QueryRow(ctx, sql, args...).Scan(&count); err != nil {
		return 0, wrap(op, err)
	}

	return count, nil
}

func scanNotification(s rowScanner) (*entity.Notification, error) {
	var (
		n        entity.Notification
		channels []string
	)

	err := s.Scan(
		&n.ID,
		&n.ExternalID,
		&n.OrganizationID,
		&n.Type,
		&n.Priority,
		&n.Status,
		&n.Content,
		&n.Recipient,
		&channels,
		&n.Locale,
		&n.RelatedEntity,
		&n.CampaignID,
		&n.RuleID,
		&n.IsRead,
		&n.ScheduledAt,
		&n.ExpiresAt,
		&n.SentAt,
		&n.DeliveredAt,
		&n.ReadAt,
		&n.FailedAt,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	n.Channels = fromStrings[entity.Channel](channels)
	if n.Channels == nil {
		n.Channels = []entity.Channel{}
	}

	return &n, nil
}
