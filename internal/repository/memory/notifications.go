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

type NotificationRepository struct {
	s *Store
}

func (r *NotificationRepository) Create(_ context.Context, n *entity.Notification, items []entity.DeliveryItem) error {
	const op = "repository.memory.Notifications.Create"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.notifications[n.ID]; ok {
		return fmt.Errorf("%s: %w", op, entity.ErrConflict)
	}
	for _, it := range items {
		if _, ok := r.s.items[it.ID]; ok {
			return fmt.Errorf("%s: %w", op, entity.ErrConflict)
		}
	}

	r.s.notifications[n.ID] = cloneNotification(n)
	for _, it := range items {
		r.s.items[it.ID] = &it
		r.s.itemSeq[it.ID] = r.s.next()
	}

	return nil
}

func (r *NotificationRepository) GetByID(_ context.Context, id uuid.UUID) (*entity.Notification, error) {
	const op = "repository.memory.Notifications.GetByID"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n, ok := r.s.notifications[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}

	return cloneNotification(n), nil
}

func (r *NotificationRepository) List(_ context.Context, f entity.NotificationFilter) ([]entity.Notification, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var matched []entity.Notification
	for _, n := range r.s.notifications {
		if matchesFilter(n, f) {
			matched = append(matched, *cloneNotification(n))
		}
	}

	slices.SortFunc(matched, func(a, b entity.Notification) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID.String(), a.ID.String())
	})

	total := len(matched)
	if f.Offset >= total {
		return []entity.Notification{}, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < total {
		end = f.Offset + f.Limit
	}

	return matched[f.Offset:end], total, nil
}

func (r *NotificationRepository) MarkRead(_ context.Context, ids []uuid.UUID, at time.Time) ([]entity.ReadMark, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var marks []entity.ReadMark
	for _, id := range ids {
		if n, ok := r.s.notifications[id]; ok && !n.IsRead {
			markRead(n, at)
			marks = append(marks, entity.ReadMark{ID: n.ID, CampaignID: n.CampaignID})
		}
	}

	return marks, nil
}

func (r *NotificationRepository) MarkAllRead(_ context.Context, userID uuid.UUID, at time.Time) ([]entity.ReadMark, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var marks []entity.ReadMark
	for _, n := range r.s.notifications {
		if n.Recipient.UserID != nil && *n.Recipient.UserID == userID && !n.IsRead {
			markRead(n, at)
			marks = append(marks, entity.ReadMark{ID: n.ID, CampaignID: n.CampaignID})
		}
	}

	return marks, nil
}

func (r *NotificationRepository) Cancel(_ context.Context, id uuid.UUID, at time.Time) (int, error) {
	const op = "repository.memory.Notifications.Cancel"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n, ok := r.s.notifications[id]
	if !ok {
		return 0, fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}
	if !n.Status.Cancellable() {
		return 0, fmt.Errorf("%s: status %s: %w", op, n.Status, entity.ErrInvalidState)
	}

	n.Status = entity.StatusCancelled
	n.UpdatedAt = at

	removed := 0
	for itemID, it := range r.s.items {
		if it.NotificationID == id && it.Status == entity.DeliveryQueued {
			delete(r.s.items, itemID)
			delete(r.s.itemSeq, itemID)
			removed++
		}
	}

	return removed, nil
}

func (r *NotificationRepository) TransitionStatus(
	_ context.Context,
	id uuid.UUID,
	from []entity.Status,
	to entity.Status,
	at time.Time,
) (bool, error) {
	const op = "repository.memory.Notifications.TransitionStatus"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n, ok := r.s.notifications[id]
	if !ok {
		return false, fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}
	if !slices.Contains(from, n.Status) {
		return false, nil
	}

	n.Status = to
	n.UpdatedAt = at
	switch to {
	case entity.StatusSent:
		n.SentAt = &at
	case entity.StatusDelivered:
		if n.SentAt == nil {
			n.SentAt = &at
		}
		n.DeliveredAt = &at
	case entity.StatusFailed:
		n.FailedAt = &at
	}

	return true, nil
}

func (r *NotificationRepository) Delete(_ context.Context, ids []uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	deleted := 0
	for _, id := range ids {
		if _, ok := r.s.notifications[id]; ok {
			r.s.deleteNotification(id)
			deleted++
		}
	}

	return deleted, nil
}

func (r *NotificationRepository) DeleteOlderThan(_ context.Context, before time.Time) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	deleted := 0
	for id, n := range r.s.notifications {
		if !n.CreatedAt.Before(before) {
			continue
		}
		if n.Status.Cancellable() && len(n.Channels) > 0 {
			continue
		}
		r.s.deleteNotification(id)
		deleted++
	}

	return deleted, nil
}

func (r *NotificationRepository) CountByTypeSince(
	_ context.Context,
	orgID uuid.UUID,
	typ entity.NotificationType,
	since time.Time,
) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	count := 0
	for _, n := range r.s.notifications {
		if n.OrganizationID == orgID && n.Type == typ && !n.CreatedAt.Before(since) {
			count++
		}
	}

	return count, nil
}

// deleteNotification removes the notification with its items and logs. Caller holds mu.
func (s *Store) deleteNotification(id uuid.UUID) {
	delete(s.notifications, id)
	for itemID, it := range s.items {
		if it.NotificationID == id {
			delete(s.items, itemID)
			delete(s.itemSeq, itemID)
		}
	}
	s.logs = slices.DeleteFunc(s.logs, func(l entity.DeliveryLog) bool { return l.NotificationID == id })
}

func markRead(n *entity.Notification, at time.Time) {
	n.IsRead = true
	n.ReadAt = &at
	n.UpdatedAt = at
	if n.Status == entity.StatusSent || n.Status == entity.StatusDelivered {
		n.Status = entity.StatusRead
	}
}

func matchesFilter(n *entity.Notification, f entity.NotificationFilter) bool {
	if f.UserID != nil && (n.Recipient.UserID == nil || *n.Recipient.UserID != *f.UserID) {
		return false
	}
	if f.OrganizationID != nil && n.OrganizationID != *f.OrganizationID {
		return false
	}
	if len(f.Types) > 0 && !slices.Contains(f.Types, n.Type) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, n.Status) {
		return false
	}
	if f.IsRead != nil && n.IsRead != *f.IsRead {
		return false
	}
	if f.CampaignID != nil && (n.CampaignID == nil || *n.CampaignID != *f.CampaignID) {
		return false
	}
	if f.From != nil && n.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && n.CreatedAt.After(*f.To) {
		return false
	}
	if !f.IncludeExpired && n.IsExpired(f.Now) {
		return false
	}
	return true
}

func cloneNotification(n *entity.Notification) *entity.Notification {
	c := *n
	c.Channels = slices.Clone(n.Channels)
	c.Recipient.DeviceTokens = slices.Clone(n.Recipient.DeviceTokens)
	return &c
}
