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

type TemplateRepository struct {
	s *Store
}

func (r *TemplateRepository) Create(_ context.Context, t *entity.Template) error {
	const op = "repository.memory.Templates.Create"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, cur := range r.s.templates {
		if cur.Code == t.Code && sameOrg(cur.OrganizationID, t.OrganizationID) {
			return fmt.Errorf("%s: code %q: %w", op, t.Code, entity.ErrConflict)
		}
	}

	c := *t
	r.s.templates[t.ID] = &c

	return nil
}

func (r *TemplateRepository) Update(_ context.Context, t *entity.Template) error {
	const op = "repository.memory.Templates.Update"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.templates[t.ID]; !ok {
		return fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}

	c := *t
	r.s.templates[t.ID] = &c

	return nil
}

func (r *TemplateRepository) GetByID(_ context.Context, id uuid.UUID) (*entity.Template, error) {
	const op = "repository.memory.Templates.GetByID"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.templates[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}

	c := *t
	return &c, nil
}

func (r *TemplateRepository) GetActiveByCode(_ context.Context, orgID uuid.UUID, code string) (*entity.Template, error) {
	const op = "repository.memory.Templates.GetActiveByCode"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var system *entity.Template
	for _, t := range r.s.templates {
		if t.Code != code || !t.IsActive {
			continue
		}
		if t.OrganizationID != nil && *t.OrganizationID == orgID {
			c := *t
			return &c, nil
		}
		if t.OrganizationID == nil {
			system = t
		}
	}
	if system == nil {
		return nil, fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}

	c := *system
	return &c, nil
}

func (r *TemplateRepository) List(_ context.Context, f entity.TemplateFilter) ([]entity.Template, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []entity.Template
	for _, t := range r.s.templates {
		if f.OrganizationID != nil && t.OrganizationID != nil && *t.OrganizationID != *f.OrganizationID {
			continue
		}
		if f.Type != "" && t.Type != f.Type {
			continue
		}
		if f.ActiveOnly && !t.IsActive {
			continue
		}
		out = append(out, *t)
	}
	slices.SortFunc(out, func(a, b entity.Template) int { return cmp.Compare(a.Code, b.Code) })

	return out, nil
}

func sameOrg(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

type RuleRepository struct {
	s *Store
}

func (r *RuleRepository) Create(_ context.Context, rule *entity.Rule) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c := *rule
	r.s.rules[rule.ID] = &c

	return nil
}

func (r *RuleRepository) Update(_ context.Context, rule *entity.Rule) error {
	const op = "repository.memory.Rules.Update"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.rules[rule.ID]; !ok {
		return fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}

	c := *rule
	r.s.rules[rule.ID] = &c

	return nil
}

func (r *RuleRepository) GetByID(_ context.Context, id uuid.UUID) (*entity.Rule, error) {
	const op = "repository.memory.Rules.GetByID"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rule, ok := r.s.rules[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}

	c := *rule
	return &c, nil
}

func (r *RuleRepository) List(_ context.Context, orgID uuid.UUID) ([]entity.Rule, error) {
	return r.filter(func(rule *entity.Rule) bool { return rule.OrganizationID == orgID }), nil
}

func (r *RuleRepository) ListActive(_ context.Context, orgID uuid.UUID, eventType string) ([]entity.Rule, error) {
	return r.filter(func(rule *entity.Rule) bool {
		return rule.IsActive && rule.OrganizationID == orgID && rule.EventType == eventType
	}), nil
}

func (r *RuleRepository) Delete(_ context.Context, id uuid.UUID) error {
	const op = "repository.memory.Rules.Delete"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.rules[id]; !ok {
		return fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}
	delete(r.s.rules, id)

	return nil
}

func (r *RuleRepository) RecordTrigger(_ context.Context, id uuid.UUID, at time.Time) error {
	const op = "repository.memory.Rules.RecordTrigger"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rule, ok := r.s.rules[id]
	if !ok {
		return fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}
	rule.TriggerCount++
	rule.LastTriggeredAt = &at

	return nil
}

func (r *RuleRepository) filter(keep func(*entity.Rule) bool) []entity.Rule {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []entity.Rule
	for _, rule := range r.s.rules {
		if keep(rule) {
			out = append(out, *rule)
		}
	}
	slices.SortFunc(out, func(a, b entity.Rule) int { return a.CreatedAt.Compare(b.CreatedAt) })

	return out
}

type SettingsRepository struct {
	s *Store
}

func (r *SettingsRepository) Get(_ context.Context, userID uuid.UUID) (*entity.UserSettings, error) {
	const op = "repository.memory.Settings.Get"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	st, ok := r.s.settings[userID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}

	c := *st
	return &c, nil
}

func (r *SettingsRepository) Upsert(_ context.Context, st *entity.UserSettings) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c := *st
	r.s.settings[st.UserID] = &c

	return nil
}

type DeviceRepository struct {
	s *Store
}

func (r *DeviceRepository) Upsert(_ context.Context, d *entity.Device) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if cur, ok := r.s.devices[d.Token]; ok {
		d.ID = cur.ID
		d.CreatedAt = cur.CreatedAt
	}

	c := *d
	r.s.devices[d.Token] = &c

	return nil
}

func (r *DeviceRepository) Deactivate(_ context.Context, kind entity.DeviceKind, token string, at time.Time) error {
	const op = "repository.memory.Devices.Deactivate"

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	d, ok := r.s.devices[token]
	if !ok || d.Kind != kind {
		return fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}
	d.IsActive = false
	d.UpdatedAt = at

	return nil
}

func (r *DeviceRepository) ListActive(_ context.Context, userID uuid.UUID) ([]entity.Device, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []entity.Device
	for _, d := range r.s.devices {
		if d.UserID == userID && d.IsActive {
			out = append(out, *d)
		}
	}
	slices.SortFunc(out, func(a, b entity.Device) int { return a.CreatedAt.Compare(b.CreatedAt) })

	return out, nil
}
