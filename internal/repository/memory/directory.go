package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"notifydispatch/internal/entity"
)

// Member is a platform user known to the in-memory directory.
type Member struct {
	UserID         uuid.UUID
	OrganizationID uuid.UUID
	Roles          []string
	Attributes     map[string]string
	Contact        entity.Recipient
}

// Directory serves contact lookups and campaign audiences from seeded members.
type Directory struct {
	s *Store
}

func (d *Directory) AddMember(m Member) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	m.Contact.UserID = &m.UserID
	d.s.members[m.UserID] = &m
}

func (d *Directory) Lookup(_ context.Context, userID uuid.UUID) (*entity.Recipient, error) {
	const op = "repository.memory.Directory.Lookup"

	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	m, ok := d.s.members[userID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}

	c := m.Contact
	return &c, nil
}

func (d *Directory) Estimate(ctx context.Context, orgID uuid.UUID, a entity.Audience) (int, error) {
	recipients, err := d.Resolve(ctx, orgID, a)
	if err != nil {
		return 0, err
	}
	return len(recipients), nil
}

func (d *Directory) Resolve(_ context.Context, orgID uuid.UUID, a entity.Audience) ([]entity.Recipient, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()

	var out []entity.Recipient
	for _, m := range d.s.members {
		if m.OrganizationID != orgID || !memberMatches(m, a) {
			continue
		}
		id := m.UserID
		out = append(out, entity.Recipient{UserID: &id, Name: m.Contact.Name})
	}
	slices.SortFunc(out, func(x, y entity.Recipient) int {
		return slices.Compare(x.UserID[:], y.UserID[:])
	})

	return out, nil
}

func memberMatches(m *Member, a entity.Audience) bool {
	switch a.Type {
	case entity.AudienceAll:
		return true
	case entity.AudienceRoles:
		for _, role := range a.Roles {
			if slices.Contains(m.Roles, role) {
				return true
			}
		}
		return false
	case entity.AudienceUsers:
		return slices.Contains(a.UserIDs, m.UserID)
	case entity.AudienceFilter:
		for k, v := range a.Filter {
			if m.Attributes[k] != fmt.Sprint(v) {
				return false
			}
		}
		return true
	}
	return false
}

// Locker is an in-process SET NX with expiry.
type Locker struct {
	mu    sync.Mutex
	keys  map[string]time.Time
	clock func() time.Time
}

func NewLocker(clock func() time.Time) *Locker {
	if clock == nil {
		clock = time.Now
	}
	return &Locker{keys: make(map[string]time.Time), clock: clock}
}

func (l *Locker) TryLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if exp, ok := l.keys[key]; ok && now.Before(exp) {
		return false, nil
	}
	l.keys[key] = now.Add(ttl)

	return true, nil
}

func (l *Locker) Unlock(_ context.Context, keys ...string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, k := range keys {
		delete(l.keys, k)
	}

	return nil
}
