package events

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"notifydispatch/internal/entity"
	"notifydispatch/internal/service"
)

type fakeTrigger struct {
	org   uuid.UUID
	typ   string
	data  map[string]any
	err   error
	calls int
}

func (f *fakeTrigger) TriggerByEvent(_ context.Context, orgID uuid.UUID, eventType string, data map[string]any) (*service.TriggerReport, error) {
	f.calls++
	f.org, f.typ, f.data = orgID, eventType, data
	if f.err != nil {
		return nil, f.err
	}
	return &service.TriggerReport{Evaluated: 1, Created: 1}, nil
}

func TestDecode(t *testing.T) {
	org := uuid.New()

	tests := []struct {
		name     string
		body     string
		fallback string
		wantType string
		wantErr  bool
	}{
		{"explicit type", `{"organization_id":"` + org.String() + `","event_type":"task.assigned","data":{"id":"T-1"}}`, "", "task.assigned", false},
		{"routing key fallback", `{"organization_id":"` + org.String() + `","data":{}}`, "machine.offline", "machine.offline", false},
		{"body wins over fallback", `{"organization_id":"` + org.String() + `","event_type":"a"}`, "b", "a", false},
		{"no type", `{"organization_id":"` + org.String() + `"}`, "", "", true},
		{"no organization", `{"event_type":"a"}`, "", "", true},
		{"not json", `<xml/>`, "a", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.body), tt.fallback)
			if tt.wantErr {
				require.ErrorIs(t, err, entity.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, ev.EventType)
			assert.Equal(t, org, ev.OrganizationID)
		})
	}
}

func TestHandler_Handle(t *testing.T) {
	org := uuid.New()
	trig := &fakeTrigger{}
	h := NewHandler(trig, "test", zap.NewNop(), nil)

	body := []byte(`{"organization_id":"` + org.String() + `","event_type":"stock.low","data":{"left":2}}`)
	require.NoError(t, h.Handle(context.Background(), body, ""))
	assert.Equal(t, org, trig.org)
	assert.Equal(t, "stock.low", trig.typ)
	assert.InDelta(t, 2, trig.data["left"], 0)

	err := h.Handle(context.Background(), []byte(`{}`), "")
	require.ErrorIs(t, err, entity.ErrValidation)
	assert.Equal(t, 1, trig.calls, "rejected events never reach the rule engine")

	trig.err = errors.New("db down")
	err = h.Handle(context.Background(), body, "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, entity.ErrValidation)
}
