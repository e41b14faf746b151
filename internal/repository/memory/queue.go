package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"notifydispatch/internal/entity"
)

type QueueRepository struct {
	s *Store
}

// ClaimDue moves up to limit due items to sending in creation order. The whole
// claim happens under the store lock, so concurrent callers never share an item.
func (r *QueueRepository) ClaimDue(_ context.Context, now time.Time, limit int) ([]entity.DeliveryItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var due []*entity.DeliveryItem
	for _, it := range r.s.items {
		if it.Due(now) {
			due = append(due, it)
		}
	}

	slices.SortFunc(due, func(a, b *entity.DeliveryItem) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(r.s.itemSeq[a.ID], r.s.itemSeq[b.ID])
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]entity.DeliveryItem, 0, len(due))
	for _, it := range due {
		it.Status = entity.DeliverySending
		it.UpdatedAt = now
		claimed = append(claimed, *it)
	}

	return claimed, nil
}

func (r *QueueRepository) Settle(_ context.Context, item *entity.DeliveryItem) error {
	const op = "repository.memory.Queue.Settle"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cur, ok := r.s.items[item.ID]
	if !ok {
		return fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}
	if cur.Status != entity.DeliverySending {
		return fmt.Errorf("%s: item is %s: %w", op, cur.Status, entity.ErrInvalidState)
	}

	cur.Status = item.Status
	cur.RetryCount = item.RetryCount
	cur.NextRetryAt = item.NextRetryAt
	cur.ProcessedAt = item.ProcessedAt
	cur.LastError = item.LastError
	cur.UpdatedAt = item.UpdatedAt

	return nil
}

func (r *QueueRepository) RequeueStale(_ context.Context, olderThan time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n := 0
	for _, it := range r.s.items {
		if it.Status == entity.DeliverySending && it.UpdatedAt.Before(olderThan) {
			it.Status = entity.DeliveryQueued
			n++
		}
	}

	return n, nil
}

func (r *QueueRepository) ListByNotification(_ context.Context, notificationID uuid.UUID) ([]entity.DeliveryItem, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []entity.DeliveryItem
	for _, it := range r.s.items {
		if it.NotificationID == notificationID {
			out = append(out, *it)
		}
	}
	slices.SortFunc(out, func(a, b entity.DeliveryItem) int {
		return cmp.Compare(r.s.itemSeq[a.ID], r.s.itemSeq[b.ID])
	})

	return out, nil
}

func (r *QueueRepository) AppendLog(_ context.Context, log *entity.DeliveryLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.logs = append(r.s.logs, *log)

	return nil
}

func (r *QueueRepository) ListLogs(_ context.Context, notificationID uuid.UUID) ([]entity.DeliveryLog, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []entity.DeliveryLog
	for _, l := range r.s.logs {
		if l.NotificationID == notificationID {
			out = append(out, l)
		}
	}

	return out, nil
}
