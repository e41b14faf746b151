package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"notifydispatch/internal/entity"
)

type CampaignRepository struct {
	s *Store
}

func (r *CampaignRepository) Create(_ context.Context, c *entity.Campaign) error {
	const op = "repository.memory.Campaigns.Create"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.campaigns[c.ID]; ok {
		return fmt.Errorf("%s: %w", op, entity.ErrConflict)
	}

	cp := *c
	r.s.campaigns[c.ID] = &cp

	return nil
}

func (r *CampaignRepository) GetByID(_ context.Context, id uuid.UUID) (*entity.Campaign, error) {
	const op = "repository.memory.Campaigns.GetByID"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}

	cp := *c
	return &cp, nil
}

func (r *CampaignRepository) List(_ context.Context, f entity.CampaignFilter) ([]entity.Campaign, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []entity.Campaign
	for _, c := range r.s.campaigns {
		if f.OrganizationID != nil && c.OrganizationID != *f.OrganizationID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, c.Status) {
			continue
		}
		out = append(out, *c)
	}
	slices.SortFunc(out, func(a, b entity.Campaign) int { return b.CreatedAt.Compare(a.CreatedAt) })

	total := len(out)
	if f.Offset >= total {
		return []entity.Campaign{}, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < total {
		end = f.Offset + f.Limit
	}

	return out[f.Offset:end], total, nil
}

func (r *CampaignRepository) Transition(
	_ context.Context,
	id uuid.UUID,
	from []entity.CampaignStatus,
	to entity.CampaignStatus,
	at time.Time,
) (*entity.Campaign, error) {
	const op = "repository.memory.Campaigns.Transition"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}
	if !slices.Contains(from, c.Status) {
		return nil, fmt.Errorf("%s: %s -> %s: %w", op, c.Status, to, entity.ErrInvalidState)
	}

	c.Status = to
	c.UpdatedAt = at
	switch to {
	case entity.CampaignInProgress:
		c.StartedAt = &at
	case entity.CampaignCompleted:
		c.CompletedAt = &at
	}

	cp := *c
	return &cp, nil
}

func (r *CampaignRepository) SetTotalRecipients(_ context.Context, id uuid.UUID, total int) error {
	const op = "repository.memory.Campaigns.SetTotalRecipients"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.campaigns[id]
	if !ok {
		return fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}
	c.TotalRecipients = total

	return nil
}

func (r *CampaignRepository) IncrementCounters(_ context.Context, id uuid.UUID, delta entity.CampaignCounters) error {
	const op = "repository.memory.Campaigns.IncrementCounters"

	if delta.IsZero() {
		return nil
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.campaigns[id]
	if !ok {
		return fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}
	c.TotalSent += delta.Sent
	c.TotalDelivered += delta.Delivered
	c.TotalRead += delta.Read
	c.TotalFailed += delta.Failed

	return nil
}

func (r *CampaignRepository) ListDue(_ context.Context, now time.Time, limit int) ([]entity.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []entity.Campaign
	for _, c := range r.s.campaigns {
		if c.Status == entity.CampaignScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			out = append(out, *c)
		}
	}
	slices.SortFunc(out, func(a, b entity.Campaign) int { return a.ScheduledAt.Compare(*b.ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}
