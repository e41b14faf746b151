package httpt

import (
	"context"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"notifydispatch/internal/entity"
	"notifydispatch/internal/metrics"
	"notifydispatch/internal/service"
)

const _defaultRequestTimeout = 5 * time.Second

type (
	NotificationService interface {
		Create(ctx context.Context, req service.CreateRequest) (*entity.Notification, error)
		SendTemplated(ctx context.Context, req service.SendTemplatedRequest) (*entity.Notification, error)
		Get(ctx context.Context, id uuid.UUID) (*entity.Notification, error)
		Query(ctx context.Context, f entity.NotificationFilter) (*service.QueryResult, error)
		MarkAsRead(ctx context.Context, id uuid.UUID) error
		BulkMarkAsRead(ctx context.Context, ids []uuid.UUID) (int, error)
		MarkAllAsRead(ctx context.Context, userID uuid.UUID) (int, error)
		Cancel(ctx context.Context, id uuid.UUID) error
		Resend(ctx context.Context, id uuid.UUID) (*entity.Notification, error)
		Delete(ctx context.Context, id uuid.UUID) error
		BulkDelete(ctx context.Context, ids []uuid.UUID) (int, error)
		DeleteOld(ctx context.Context, days int) (int, error)
		DeliveryReport(ctx context.Context, id uuid.UUID) (*entity.DeliveryReport, error)
	}

	TemplateService interface {
		GetTemplates(ctx context.Context, f entity.TemplateFilter) ([]entity.Template, error)
		GetTemplate(ctx context.Context, id uuid.UUID) (*entity.Template, error)
		CreateTemplate(ctx context.Context, tpl entity.Template) (*entity.Template, error)
		UpdateTemplate(ctx context.Context, id uuid.UUID, upd service.TemplateUpdate) (*entity.Template, error)
	}

	PreferenceService interface {
		GetSettings(ctx context.Context, userID uuid.UUID) (*entity.UserSettings, error)
		UpdateSettings(ctx context.Context, settings entity.UserSettings) (*entity.UserSettings, error)
		SubscribePush(ctx context.Context, userID uuid.UUID, endpoint, p256dh, auth, userAgent string) (*entity.Device, error)
		UnsubscribePush(ctx context.Context, endpoint string) error
		RegisterFcm(ctx context.Context, userID uuid.UUID, token, platform string) (*entity.Device, error)
		UnregisterFcm(ctx context.Context, token string) error
	}

	RuleService interface {
		CreateRule(ctx context.Context, rule entity.Rule) (*entity.Rule, error)
		UpdateRule(ctx context.Context, id uuid.UUID, rule entity.Rule) (*entity.Rule, error)
		GetRule(ctx context.Context, id uuid.UUID) (*entity.Rule, error)
		ListRules(ctx context.Context, orgID uuid.UUID) ([]entity.Rule, error)
		SetRuleActive(ctx context.Context, id uuid.UUID, active bool) (*entity.Rule, error)
		DeleteRule(ctx context.Context, id uuid.UUID) error
		TriggerByEvent(ctx context.Context, orgID uuid.UUID, eventType string, data map[string]any) (*service.TriggerReport, error)
	}

	CampaignService interface {
		CreateCampaign(ctx context.Context, req service.CreateCampaignRequest) (*entity.Campaign, error)
		StartCampaign(ctx context.Context, id uuid.UUID) (*entity.Campaign, error)
		PauseCampaign(ctx context.Context, id uuid.UUID) (*entity.Campaign, error)
		CancelCampaign(ctx context.Context, id uuid.UUID) (*entity.Campaign, error)
		GetCampaign(ctx context.Context, id uuid.UUID) (*entity.Campaign, error)
		GetCampaigns(ctx context.Context, f entity.CampaignFilter) (*service.CampaignList, error)
	}

	// QueueService runs one delivery pass on demand, next to the background poller.
	QueueService interface {
		ProcessQueue(ctx context.Context) (*service.ProcessingStats, error)
	}

	// Realtime upgrades a request to a long-lived in-app connection.
	Realtime interface {
		Serve(w http.ResponseWriter, r *http.Request, userID string) error
	}

	Services struct {
		Notifications NotificationService
		Templates     TemplateService
		Preferences   PreferenceService
		Rules         RuleService
		Campaigns     CampaignService
		Queue         QueueService
		Realtime      Realtime
	}

	Handler struct {
		svc      Services
		log      *zap.Logger
		metrics  *metrics.Metrics
		router   *gin.Engine
		validate *validator.Validate
		timeout  time.Duration
	}

	Option func(*Handler)
)

func WithRequestTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

func NewHandler(svc Services, log *zap.Logger, m *metrics.Metrics, opts ...Option) *Handler {
	h := &Handler{
		svc:      svc,
		log:      log,
		metrics:  m,
		validate: newValidator(),
		timeout:  _defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}

	router := gin.New()

	router.Use(h.requestIDMiddleware())
	router.Use(h.loggingMiddleware())
	router.Use(h.recoveryMiddleware())

	h.router = router
	h.setupRoutes()

	return h
}

func (h *Handler) Engine() *gin.Engine {
	return h.router
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"json", "form"} {
			name := strings.SplitN(f.Tag.Get(tag), ",", 2)[0]
			if name == "-" {
				return ""
			}
			if name != "" {
				return name
			}
		}
		return f.Name
	})

	_ = v.RegisterValidation("channel", func(fl validator.FieldLevel) bool {
		return entity.Channel(fl.Field().String()).IsValid()
	})
	_ = v.RegisterValidation("notification_type", func(fl validator.FieldLevel) bool {
		return entity.NotificationType(fl.Field().String()).IsValid()
	})
	_ = v.RegisterValidation("priority", func(fl validator.FieldLevel) bool {
		return entity.Priority(fl.Field().String()).IsValid()
	})

	return v
}

func (h *Handler) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

func (h *Handler) bindJSON(c *gin.Context, op string, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		h.handleBindError(c, op, err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.handleBindError(c, op, err)
		return false
	}
	return true
}

func (h *Handler) bindQuery(c *gin.Context, op string, dst any) bool {
	if err := c.ShouldBindQuery(dst); err != nil {
		h.handleBindError(c, op, err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.handleBindError(c, op, err)
		return false
	}
	return true
}

func (h *Handler) pathUUID(c *gin.Context, op, name string) (uuid.UUID, bool) {
	raw := c.Param(name)
	id, err := uuid.Parse(raw)
	if err != nil {
		h.handleInvalidUUID(c, op, raw)
		return uuid.Nil, false
	}
	return id, true
}

func optionalUUID(raw string) *uuid.UUID {
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}

func optionalTime(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &t
}

func toChannels(in []string) []entity.Channel {
	if in == nil {
		return nil
	}
	out := make([]entity.Channel, len(in))
	for i, ch := range in {
		out[i] = entity.Channel(ch)
	}
	return out
}
