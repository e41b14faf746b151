package httpt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"notifydispatch/internal/entity"
	"notifydispatch/internal/repository/memory"
	"notifydispatch/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// acceptingGateway accepts every message on every channel.
type acceptingGateway struct{}

func (acceptingGateway) Send(_ context.Context, msg entity.Message) (entity.SendResult, error) {
	return entity.SendResult{ExternalID: "gw-" + msg.Channel.String()}, nil
}

type testAPI struct {
	handler *Handler
	store   *memory.Store
	org     uuid.UUID
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	store := memory.New()
	repos := service.Repositories{
		Notifications: store.Notifications(),
		Queue:         store.Queue(),
		Templates:     store.Templates(),
		Rules:         store.Rules(),
		Settings:      store.Settings(),
		Campaigns:     store.Campaigns(),
		Devices:       store.Devices(),
		Contacts:      store.Directory(),
		Audience:      store.Directory(),
	}
	log := zap.NewNop()

	svc, err := service.NewNotifyService(repos, log)
	require.NoError(t, err)
	rules, err := service.NewRuleEngine(repos.Rules, repos.Notifications, svc, log)
	require.NoError(t, err)
	campaigns, err := service.NewCampaignService(repos.Campaigns, repos.Audience, svc, log)
	require.NoError(t, err)
	t.Cleanup(campaigns.Close)
	dispatcher, err := service.NewDispatcher(repos, acceptingGateway{}, log)
	require.NoError(t, err)

	h := NewHandler(Services{
		Notifications: svc,
		Templates:     svc,
		Preferences:   svc,
		Rules:         rules,
		Campaigns:     campaigns,
		Queue:         dispatcher,
	}, log, nil)

	return &testAPI{handler: h, store: store, org: uuid.New()}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	a.handler.Engine().ServeHTTP(w, req)

	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (a *testAPI) createBody(user uuid.UUID) map[string]any {
	return map[string]any{
		"organization_id": a.org,
		"type":            "machine_alert",
		"priority":        "high",
		"content":         map[string]any{"title": "Автомат офлайн", "body": "VM-017 не выходит на связь"},
		"recipient":       map[string]any{"user_id": user, "email": "op@example.com"},
		"channels":        []string{"email", "in_app"},
	}
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRequestIDIsPropagated(t *testing.T) {
	a := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	a.handler.Engine().ServeHTTP(w, req)

	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}

func TestNotificationLifecycle(t *testing.T) {
	a := newTestAPI(t)
	user := uuid.New()

	w := a.do(t, http.MethodPost, "/api/v1/notifications", a.createBody(user))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	n := decode[entity.Notification](t, w)
	assert.Equal(t, entity.StatusQueued, n.Status)
	assert.Equal(t, []entity.Channel{entity.ChannelEmail, entity.ChannelInApp}, n.Channels)

	w = a.do(t, http.MethodGet, "/api/v1/notifications/"+n.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, n.ID, decode[entity.Notification](t, w).ID)

	w = a.do(t, http.MethodGet, "/api/v1/notifications/"+n.ID.String()+"/report", nil)
	require.Equal(t, http.StatusOK, w.Code)
	report := decode[entity.DeliveryReport](t, w)
	assert.Len(t, report.Items, 2)

	w = a.do(t, http.MethodGet, fmt.Sprintf("/api/v1/notifications?user_id=%s&type=machine_alert", user), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	page := decode[service.QueryResult](t, w)
	assert.Equal(t, 1, page.Total)

	w = a.do(t, http.MethodPost, "/api/v1/notifications/"+n.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = a.do(t, http.MethodPost, "/api/v1/notifications/"+n.ID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_state", decode[ErrorResponse](t, w).Code)

	w = a.do(t, http.MethodDelete, "/api/v1/notifications/"+n.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = a.do(t, http.MethodGet, "/api/v1/notifications/"+n.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProcessQueue(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/api/v1/notifications", a.createBody(uuid.New()))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	n := decode[entity.Notification](t, w)

	w = a.do(t, http.MethodPost, "/api/v1/queue/process", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stats := decode[service.ProcessingStats](t, w)
	assert.Equal(t, 2, stats.Claimed)
	assert.Equal(t, 2, stats.Sent)

	w = a.do(t, http.MethodGet, "/api/v1/notifications/"+n.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, entity.StatusSent, decode[entity.Notification](t, w).Status)

	w = a.do(t, http.MethodPost, "/api/v1/queue/process", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, decode[service.ProcessingStats](t, w).Claimed)
}

func TestProcessQueue_NotRoutedWithoutDispatcher(t *testing.T) {
	h := NewHandler(Services{}, zap.NewNop(), nil)

	w := httptest.NewRecorder()
	h.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/queue/process", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateNotification_Validation(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		name   string
		mutate func(map[string]any)
		code   string
	}{
		{"unknown channel", func(b map[string]any) { b["channels"] = []string{"pigeon"} }, "invalid_data"},
		{"no channels", func(b map[string]any) { b["channels"] = []string{} }, "invalid_data"},
		{"unknown type", func(b map[string]any) { b["type"] = "gossip" }, "invalid_data"},
		{"bad email", func(b map[string]any) {
			b["recipient"] = map[string]any{"email": "not-an-email"}
		}, "invalid_data"},
		{"missing organization", func(b map[string]any) { delete(b, "organization_id") }, "invalid_data"},
		{"malformed uuid", func(b map[string]any) { b["organization_id"] = "nope" }, "invalid_body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := a.createBody(uuid.New())
			tt.mutate(body)

			w := a.do(t, http.MethodPost, "/api/v1/notifications", body)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, tt.code, decode[ErrorResponse](t, w).Code)
		})
	}
}

func TestInvalidPathID(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodGet, "/api/v1/notifications/42", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_id", decode[ErrorResponse](t, w).Code)
}

func TestBulkReadAndReadAll(t *testing.T) {
	a := newTestAPI(t)
	user := uuid.New()

	var ids []uuid.UUID
	for range 3 {
		w := a.do(t, http.MethodPost, "/api/v1/notifications", a.createBody(user))
		require.Equal(t, http.StatusCreated, w.Code)
		ids = append(ids, decode[entity.Notification](t, w).ID)
	}

	w := a.do(t, http.MethodPost, "/api/v1/notifications/read", IDsRequest{IDs: ids[:1]})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[CountResponse](t, w).Count)

	w = a.do(t, http.MethodPost, "/api/v1/users/"+user.String()+"/notifications/read-all", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, decode[CountResponse](t, w).Count)

	w = a.do(t, http.MethodPost, "/api/v1/notifications/read", IDsRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteOld_RequiresDays(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodDelete, "/api/v1/notifications", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodDelete, "/api/v1/notifications?older_than_days=30", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, decode[CountResponse](t, w).Count)
}

func TestTemplatedAndRules(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodPost, "/api/v1/templates", map[string]any{
		"code": "LOW_STOCK",
		"name": "Мало товара",
		"type": "low_stock",
		"locales": map[string]any{
			"ru": map[string]string{"title": "Мало товара: {{product}}", "body": "Осталось {{left}} шт."},
		},
		"default_channels": []string{"in_app"},
		"variables":        []string{"product", "left"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tpl := decode[entity.Template](t, w)
	assert.Equal(t, 1, tpl.Version)

	user := uuid.New()
	w = a.do(t, http.MethodPost, "/api/v1/notifications/templated", map[string]any{
		"template_code":   "LOW_STOCK",
		"organization_id": a.org,
		"recipient":       map[string]any{"user_id": user},
		"variables":       map[string]any{"product": "Кола", "left": 3},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "Мало товара: Кола", decode[entity.Notification](t, w).Content.Title)

	w = a.do(t, http.MethodPost, "/api/v1/notifications/templated", map[string]any{
		"template_code":   "MISSING",
		"organization_id": a.org,
		"recipient":       map[string]any{"user_id": user},
	})
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "template_not_found", decode[ErrorResponse](t, w).Code)

	w = a.do(t, http.MethodPatch, "/api/v1/templates/"+tpl.ID.String(), map[string]any{"name": "Остатки"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 2, decode[entity.Template](t, w).Version)

	w = a.do(t, http.MethodPost, "/api/v1/rules", map[string]any{
		"organization_id":    a.org,
		"name":               "Остатки",
		"event_category":     "inventory",
		"event_type":         "stock.low",
		"template_code":      "LOW_STOCK",
		"notification_type":  "low_stock",
		"channels":           []string{"in_app"},
		"recipient_type":     "specific_users",
		"recipient_user_ids": []uuid.UUID{user},
		"is_active":          true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rule := decode[entity.Rule](t, w)

	w = a.do(t, http.MethodPost, "/api/v1/events", map[string]any{
		"organization_id": a.org,
		"event_type":      "stock.low",
		"data":            map[string]any{"product": "Кола", "left": 2},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode[service.TriggerReport](t, w)
	assert.Equal(t, 1, report.Created)

	w = a.do(t, http.MethodPatch, "/api/v1/rules/"+rule.ID.String()+"/active", map[string]any{"is_active": false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[entity.Rule](t, w).IsActive)

	w = a.do(t, http.MethodGet, "/api/v1/rules?organization_id="+a.org.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]entity.Rule](t, w), 1)

	w = a.do(t, http.MethodDelete, "/api/v1/rules/"+rule.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestSettingsAndDevices(t *testing.T) {
	a := newTestAPI(t)
	user := uuid.New()
	base := "/api/v1/users/" + user.String()

	w := a.do(t, http.MethodGet, base+"/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[entity.UserSettings](t, w)
	assert.True(t, st.EmailEnabled)

	st.EmailEnabled = false
	st.QuietHoursEnabled = true
	st.QuietHoursStart, st.QuietHoursEnd = "22:00", "07:00"
	w = a.do(t, http.MethodPut, base+"/settings", st)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.False(t, decode[entity.UserSettings](t, w).EmailEnabled)

	st.QuietHoursStart = "25:99"
	w = a.do(t, http.MethodPut, base+"/settings", st)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(t, http.MethodPost, base+"/devices/fcm", RegisterFcmRequest{Token: "fcm:abc", Platform: "android"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, entity.DeviceFCM, decode[entity.Device](t, w).Kind)

	w = a.do(t, http.MethodPost, "/api/v1/devices/fcm/unregister", TokenRequest{Token: "fcm:abc"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = a.do(t, http.MethodPost, "/api/v1/devices/fcm/unregister", TokenRequest{Token: "unknown"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	sub := map[string]any{
		"endpoint": "https://push.example.com/sub/1",
		"keys":     map[string]string{"p256dh": "key", "auth": "auth"},
	}
	w = a.do(t, http.MethodPost, base+"/devices/web-push", sub)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, entity.DeviceWebPush, decode[entity.Device](t, w).Kind)

	w = a.do(t, http.MethodPost, "/api/v1/devices/web-push/unsubscribe", EndpointRequest{Endpoint: "https://push.example.com/sub/1"})
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestCampaigns(t *testing.T) {
	a := newTestAPI(t)

	body := map[string]any{
		"organization_id": a.org,
		"name":            "Новые тарифы",
		"type":            "announcement",
		"content":         map[string]string{"title": "Тарифы", "body": "С 1 апреля"},
		"channels":        []string{"in_app"},
		"audience":        map[string]any{"type": "roles", "roles": []string{"nobody"}},
	}

	w := a.do(t, http.MethodPost, "/api/v1/campaigns", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	c := decode[entity.Campaign](t, w)
	assert.Equal(t, entity.CampaignDraft, c.Status)

	w = a.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID.String()+"/start", nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

	w = a.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID.String()+"/pause", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.do(t, http.MethodGet, "/api/v1/campaigns?organization_id="+a.org.String()+"&status=cancelled", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[service.CampaignList](t, w).Total)

	w = a.do(t, http.MethodGet, "/api/v1/campaigns?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRealtimeDisabled(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(t, http.MethodGet, "/api/v1/ws?user_id="+uuid.NewString(), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandleServiceError_Mapping(t *testing.T) {
	h := &Handler{log: zap.NewNop()}

	tests := []struct {
		err    error
		status int
	}{
		{entity.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("op: %w", entity.ErrTemplateNotFound), http.StatusNotFound},
		{entity.ErrValidation, http.StatusBadRequest},
		{entity.ErrConflict, http.StatusConflict},
		{entity.ErrInvalidState, http.StatusConflict},
		{entity.ErrConfiguration, http.StatusUnprocessableEntity},
		{entity.ErrDeliveryFailure, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

			h.handleServiceError(c, "test", tt.err)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}
