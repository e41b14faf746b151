package postgres

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"notifydispatch/internal/entity"
	storage "notifydispatch/pkg/storage/postgres"
)

const (
	_itemsTable = "delivery_items"
	_logsTable  = "delivery_logs"
	_itemCols   = "id, notification_id, channel, status, scheduled_at, processed_at, retry_count, max_retries, " +
		"next_retry_at, last_error, created_at, updated_at, seq"
	_logCols = "id, notification_id, delivery_item_id, channel, attempt, success, external_id, response, error, " +
		"duration_ms, created_at"
)

// _claimDueSQL locks due rows without waiting on rows another replica holds.
const _claimDueSQL = `
UPDATE delivery_items SET status = $1, updated_at = $2
WHERE id IN (
	SELECT id FROM delivery_items
	WHERE status = $3
	  AND scheduled_at <= $2
	  AND (next_retry_at IS NULL OR next_retry_at <= $2)
	ORDER BY created_at, seq
	LIMIT $4
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + _itemCols

type QueueRepository struct {
	db *storage.Postgres
}

type claimedItem struct {
	entity.DeliveryItem
	seq int64
}

func (r *QueueRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]entity.DeliveryItem, error) {
	const op = "repository.postgres.Queue.ClaimDue"

	if limit <= 0 {
		return nil, fmt.Errorf("%s: limit must be > 0", op)
	}

	rows, err := r.db.Query(ctx, _claimDueSQL, entity.DeliverySending, now, entity.DeliveryQueued, limit)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var claimed []claimedItem
	for rows.Next() {
		var c claimedItem
		if err = scanItem(rows, &c.DeliveryItem, &c.seq); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		claimed = append(claimed, c)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows error: %w", op, err)
	}

	// RETURNING does not preserve the subquery order.
	slices.SortFunc(claimed, func(a, b claimedItem) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	out := make([]entity.DeliveryItem, len(claimed))
	for i, c := range claimed {
		out[i] = c.DeliveryItem
	}

	return out, nil
}

func (r *QueueRepository) Settle(ctx context.Context, item *entity.DeliveryItem) error {
	const op = "repository.postgres.Queue.Settle"

	var lastError *string
	if item.LastError != "" {
		lastError = &item.LastError
	}

	sql, args, err := r.db.Update(_itemsTable).
		Set("status", item.Status).
		Set("retry_count", item.RetryCount).
		Set("next_retry_at", item.NextRetryAt).
		Set("processed_at", item.ProcessedAt).
		Set("last_error", lastError).
		Set("updated_at", item.UpdatedAt).
		Where(squirrel.Eq{"id": item.ID, "status": entity.DeliverySending}).
		ToSql()
	if err != nil {
		return fmt.Errorf("%s: update query: %w", op, err)
	}

	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return wrap(op, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	sql, args, err = r.db.Select("status").From(_itemsTable).Where(squirrel.Eq{"id": item.ID}).ToSql()
	if err != nil {
		return fmt.Errorf("%s: select query: %w", op, err)
	}
	var status entity.DeliveryStatus
	if err = r.db.QueryRow(ctx, sql, args...).Scan(&status); err != nil {
		return wrap(op, err)
	}

	return fmt.Errorf("%s: item is %s: %w", op, status, entity.ErrInvalidState)
}

func (r *QueueRepository) RequeueStale(ctx context.Context, olderThan time.Time) (int, error) {
	const op = "repository.postgres.Queue.RequeueStale"

	sql, args, err := r.db.Update(_itemsTable).
		Set("status", entity.DeliveryQueued).
		Where(squirrel.Eq{"status": entity.DeliverySending}).
		Where(squirrel.Lt{"updated_at": olderThan}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("%s: update query: %w", op, err)
	}

	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, wrap(op, err)
	}

	return int(tag.RowsAffected()), nil
}

func (r *QueueRepository) ListByNotification(ctx context.Context, notificationID uuid.UUID) ([]entity.DeliveryItem, error) {
	const op = "repository.postgres.Queue.ListByNotification"

	sql, args, err := r.db.Select(_itemCols).
		From(_itemsTable).
		Where(squirrel.Eq{"notification_id": notificationID}).
		OrderBy("seq").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: select query: %w", op, err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var out []entity.DeliveryItem
	for rows.Next() {
		var (
			it  entity.DeliveryItem
			seq int64
		)
		if err = scanItem(rows, &it, &seq); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, it)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows error: %w", op, err)
	}

	return out, nil
}

func (r *QueueRepository) AppendLog(ctx context.Context, l *entity.DeliveryLog) error {
	const op = "repository.postgres.Queue.AppendLog"

	sql, args, err := r.db.Insert(_logsTable).
		Columns(
			"id", "notification_id", "delivery_item_id", "channel", "attempt", "success",
			"external_id", "response", "error", "duration_ms", "created_at",
		).
		Values(
			l.ID, l.NotificationID, l.DeliveryItemID, l.Channel, l.Attempt, l.Success,
			l.ExternalID, l.Response, l.Error, l.Duration.Milliseconds(), l.CreatedAt,
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

func (r *QueueRepository) ListLogs(ctx context.Context, notificationID uuid.UUID) ([]entity.DeliveryLog, error) {
	const op = "repository.postgres.Queue.ListLogs"

	sql, args, err := r.db.Select(_logCols).
		From(_logsTable).
		Where(squirrel.Eq{"notification_id": notificationID}).
		OrderBy("seq").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("%s: select query: %w", op, err)
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	var out []entity.DeliveryLog
	for rows.Next() {
		var (
			l                            entity.DeliveryLog
			externalID, response, errMsg pgtype.Text
			durationMS                   int64
		)
		if err = rows.Scan(
			&l.ID,
			&l.NotificationID,
			&l.DeliveryItemID,
			&l.Channel,
			&l.Attempt,
			&l.Success,
			&externalID,
			&response,
			&errMsg,
			&durationMS,
			&l.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		l.ExternalID = externalID.String
		l.Response = response.String
		l.Error = errMsg.String
		l.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, l)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows error: %w", op, err)
	}

	return out, nil
}

func scanItem(s rowScanner, it *entity.DeliveryItem, seq *int64) error {
	var lastError pgtype.Text

	err := s.Scan(
		&it.ID,
		&it.NotificationID,
		&it.Channel,
		&it.Status,
		&it.ScheduledAt,
		&it.ProcessedAt,
		&it.RetryCount,
		&it.MaxRetries,
		&it.NextRetryAt,
		&lastError,
		&it.CreatedAt,
		&it.UpdatedAt,
		seq,
	)
	if err != nil {
		return err
	}
	if lastError.Valid {
		it.LastError = lastError.String
	}

	return nil
}
