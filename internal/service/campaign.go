package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"notifydispatch/internal/entity"
	"notifydispatch/internal/metrics"
	"notifydispatch/pkg/logger"
)

const (
	_defaultFanOutBatch = 100
	_dueCampaignsLimit  = 20
)

type (
	// NotificationCreator создает одно уведомление. Реализуется NotifyService.
	NotificationCreator interface {
		Create(ctx context.Context, req CreateRequest) (*entity.Notification, error)
	}

	// CampaignService управляет массовыми рассылками: аудитория раскрывается при старте,
	// уведомления создаются пачками в фоне.
	CampaignService struct {
		campaigns CampaignRepository
		audience  AudienceResolver
		creator   NotificationCreator
		log       *zap.Logger
		metrics   *metrics.Metrics
		now       func() time.Time
		batchSize int

		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup
	}

	CampaignOption func(*CampaignService)

	// CreateCampaignRequest запрос на создание кампании
	CreateCampaignRequest struct {
		OrganizationID uuid.UUID
		Name           string
		Description    string
		Type           entity.NotificationType
		Priority       entity.Priority
		Content        entity.Content
		Channels       []entity.Channel
		Audience       entity.Audience
		ScheduledAt    *time.Time
		CreatedBy      *uuid.UUID
	}

	CampaignList struct {
		Items []entity.Campaign `json:"items"`
		Total int               `json:"total"`
	}
)

func WithFanOutBatch(size int) CampaignOption {
	return func(s *CampaignService) {
		if size > 0 && size <= _maxBatchSize {
			s.batchSize = size
		}
	}
}

func WithCampaignClock(now func() time.Time) CampaignOption {
	return func(s *CampaignService) {
		if now != nil {
			s.now = now
		}
	}
}

func WithCampaignMetrics(m *metrics.Metrics) CampaignOption {
	return func(s *CampaignService) {
		s.metrics = m
	}
}

func NewCampaignService(
	campaigns CampaignRepository,
	audience AudienceResolver,
	creator NotificationCreator,
	log *zap.Logger,
	opts ...CampaignOption,
) (*CampaignService, error) {
	if campaigns == nil || creator == nil {
		return nil, errors.New("service.NewCampaignService: repository and creator must be non-nil")
	}

	s := &CampaignService{
		campaigns: campaigns,
		audience:  audience,
		creator:   creator,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		batchSize: _defaultFanOutBatch,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// CreateCampaign создает кампанию в статусе draft или scheduled и оценивает размер аудитории
func (s *CampaignService) CreateCampaign(ctx context.Context, req CreateCampaignRequest) (*entity.Campaign, error) {
	const op = "service.CampaignService.CreateCampaign"

	if err := req.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	now := s.now()
	priority := req.Priority
	if priority == "" {
		priority = entity.PriorityNormal
	}

	c := &entity.Campaign{
		ID:             newID(),
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		Description:    req.Description,
		Type:           req.Type,
		Priority:       priority,
		Content:        req.Content,
		Channels:       uniqueChannels(req.Channels),
		Audience:       req.Audience,
		Status:         entity.CampaignDraft,
		ScheduledAt:    req.ScheduledAt,
		CreatedBy:      req.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		c.Status = entity.CampaignScheduled
	}

	c.EstimatedRecipients = s.estimate(ctx, c)

	if err := s.campaigns.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	logger.Ctx(ctx, s.log).Info("campaign created",
		zap.String("op", op),
		zap.String("campaign_id", c.ID.String()),
		zap.String("status", string(c.Status)),
		zap.Int("estimated_recipients", c.EstimatedRecipients),
	)

	return c, nil
}

// StartCampaign раскрывает аудиторию и запускает рассылку в фоне
func (s *CampaignService) StartCampaign(ctx context.Context, id uuid.UUID) (*entity.Campaign, error) {
	const op = "service.CampaignService.StartCampaign"

	log := logger.Ctx(ctx, s.log).With(zap.String("op", op), zap.String("campaign_id", id.String()))

	c, err := s.campaigns.Transition(ctx, id, entity.CampaignSources(entity.CampaignInProgress),
		entity.CampaignInProgress, s.now())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	recipients, err := s.resolve(ctx, c)
	if err == nil && len(recipients) == 0 {
		err = fmt.Errorf("audience resolved to no recipients: %w", entity.ErrConfiguration)
	}
	if err != nil {
		log.Warn("audience resolution failed, cancelling campaign", zap.Error(err))
		if _, cerr := s.campaigns.Transition(ctx, id, []entity.CampaignStatus{entity.CampaignInProgress},
			entity.CampaignCancelled, s.now()); cerr != nil {
			log.Error("cancel after failed resolution failed", zap.Error(cerr))
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.campaigns.SetTotalRecipients(ctx, id, len(recipients)); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	c.TotalRecipients = len(recipients)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fanOut(logger.SetRequestID(s.ctx, logger.RequestID(ctx)), *c, recipients)
	}()

	log.Info("campaign started", zap.Int("recipients", len(recipients)))

	return c, nil
}

func (s *CampaignService) PauseCampaign(ctx context.Context, id uuid.UUID) (*entity.Campaign, error) {
	const op = "service.CampaignService.PauseCampaign"

	c, err := s.campaigns.Transition(ctx, id, entity.CampaignSources(entity.CampaignPaused),
		entity.CampaignPaused, s.now())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return c, nil
}

func (s *CampaignService) CancelCampaign(ctx context.Context, id uuid.UUID) (*entity.Campaign, error) {
	const op = "service.CampaignService.CancelCampaign"

	c, err := s.campaigns.Transition(ctx, id, entity.CampaignSources(entity.CampaignCancelled),
		entity.CampaignCancelled, s.now())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return c, nil
}

func (s *CampaignService) GetCampaign(ctx context.Context, id uuid.UUID) (*entity.Campaign, error) {
	const op = "service.CampaignService.GetCampaign"

	c, err := s.campaigns.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return c, nil
}

func (s *CampaignService) GetCampaigns(ctx context.Context, f entity.CampaignFilter) (*CampaignList, error) {
	const op = "service.CampaignService.GetCampaigns"

	if f.Limit <= 0 || f.Limit > _maxPageSize {
		f.Limit = _defaultPageSize
	}

	items, total, err := s.campaigns.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &CampaignList{Items: items, Total: total}, nil
}

// StartDueCampaigns запускает запланированные кампании, время которых наступило
func (s *CampaignService) StartDueCampaigns(ctx context.Context) (int, error) {
	const op = "service.CampaignService.StartDueCampaigns"

	due, err := s.campaigns.ListDue(ctx, s.now(), _dueCampaignsLimit)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	started := 0
	for _, c := range due {
		if _, err := s.StartCampaign(ctx, c.ID); err != nil {
			logger.Ctx(ctx, s.log).Warn("scheduled campaign not started",
				zap.String("op", op),
				zap.String("campaign_id", c.ID.String()),
				zap.Error(err),
			)
			continue
		}
		started++
	}

	return started, nil
}

// Wait blocks until every running fan-out has returned.
func (s *CampaignService) Wait() {
	s.wg.Wait()
}

// Close stops background fan-outs and waits for them. Campaigns they were
// working on are left paused.
func (s *CampaignService) Close() {
	s.cancel()
	s.wg.Wait()
}

// fanOut creates the campaign's notifications batch by batch. A fan-out that
// cannot go on (shutdown, lost storage) parks the campaign as paused with the
// counters of every recipient it got through.
func (s *CampaignService) fanOut(ctx context.Context, c entity.Campaign, recipients []entity.Recipient) {
	const op = "service.CampaignService.fanOut"

	log := logger.Ctx(ctx, s.log).With(zap.String("op", op), zap.String("campaign_id", c.ID.String()))
	startTime := time.Now()
	bg := context.WithoutCancel(ctx)

	for batch := range slices.Chunk(recipients, s.batchSize) {
		if ctx.Err() != nil {
			s.interrupt(bg, log, c.ID, "shutdown")
			return
		}

		current, err := s.campaigns.GetByID(ctx, c.ID)
		if err != nil {
			log.Error("reload campaign failed", zap.Error(err))
			s.interrupt(bg, log, c.ID, "reload failed")
			return
		}
		if current.Status != entity.CampaignInProgress {
			log.Info("fan-out stopped", zap.String("status", string(current.Status)))
			return
		}

		var delta entity.CampaignCounters
		for _, r := range batch {
			if ctx.Err() != nil {
				break
			}
			_, err := s.creator.Create(ctx, CreateRequest{
				OrganizationID: c.OrganizationID,
				Type:           c.Type,
				Priority:       c.Priority,
				Content:        c.Content,
				Recipient:      r,
				Channels:       c.Channels,
				CampaignID:     &c.ID,
			})
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				delta.Failed++
				s.metrics.CampaignRecipient("failed")
				log.Warn("campaign recipient failed", zap.Error(err))
				continue
			}
			delta.Sent++
			s.metrics.CampaignRecipient("sent")
		}

		if err := s.campaigns.IncrementCounters(bg, c.ID, delta); err != nil {
			log.Error("increment counters failed", zap.Error(err))
		}
		if ctx.Err() != nil {
			s.interrupt(bg, log, c.ID, "shutdown")
			return
		}
	}

	if _, err := s.campaigns.Transition(bg, c.ID, []entity.CampaignStatus{entity.CampaignInProgress},
		entity.CampaignCompleted, s.now()); err != nil {
		log.Warn("campaign not completed", zap.Error(err))
		return
	}

	log.Info("campaign completed",
		zap.Int("recipients", len(recipients)),
		zap.Duration("duration", time.Since(startTime)),
	)
}

func (s *CampaignService) interrupt(ctx context.Context, log *zap.Logger, id uuid.UUID, reason string) {
	_, err := s.campaigns.Transition(ctx, id, []entity.CampaignStatus{entity.CampaignInProgress},
		entity.CampaignPaused, s.now())
	switch {
	case errors.Is(err, entity.ErrInvalidState):
		log.Info("fan-out interrupted after campaign left in_progress", zap.String("reason", reason))
	case err != nil:
		log.Error("interrupted campaign not paused", zap.String("reason", reason), zap.Error(err))
	default:
		log.Warn("fan-out interrupted, campaign paused", zap.String("reason", reason))
	}
}

func (s *CampaignService) estimate(ctx context.Context, c *entity.Campaign) int {
	if c.Audience.Type == entity.AudienceUsers {
		return len(uniqueIDs(c.Audience.UserIDs))
	}
	if s.audience == nil {
		return 0
	}
	n, err := s.audience.Estimate(ctx, c.OrganizationID, c.Audience)
	if err != nil {
		logger.Ctx(ctx, s.log).Warn("audience estimate failed",
			zap.String("campaign_id", c.ID.String()),
			zap.Error(err),
		)
		return 0
	}
	return n
}

func (s *CampaignService) resolve(ctx context.Context, c *entity.Campaign) ([]entity.Recipient, error) {
	if c.Audience.Type == entity.AudienceUsers {
		ids := uniqueIDs(c.Audience.UserIDs)
		out := make([]entity.Recipient, 0, len(ids))
		for _, id := range ids {
			out = append(out, entity.Recipient{UserID: &id})
		}
		return out, nil
	}
	if s.audience == nil {
		return nil, fmt.Errorf("no audience resolver for %q: %w", c.Audience.Type, entity.ErrConfiguration)
	}
	recipients, err := s.audience.Resolve(ctx, c.OrganizationID, c.Audience)
	if err != nil {
		return nil, fmt.Errorf("resolve audience: %w", err)
	}
	return recipients, nil
}

func (r CreateCampaignRequest) validate() error {
	if r.OrganizationID == uuid.Nil {
		return fmt.Errorf("organization_id is required: %w", entity.ErrValidation)
	}
	if r.Name == "" {
		return fmt.Errorf("name is required: %w", entity.ErrValidation)
	}
	if !r.Type.IsValid() {
		return fmt.Errorf("unknown type %q: %w", r.Type, entity.ErrValidation)
	}
	if r.Priority != "" && !r.Priority.IsValid() {
		return fmt.Errorf("unknown priority %q: %w", r.Priority, entity.ErrValidation)
	}
	if r.Content.Title == "" && r.Content.Body == "" {
		return fmt.Errorf("content title or body is required: %w", entity.ErrValidation)
	}
	if len(r.Channels) == 0 {
		return fmt.Errorf("channels must not be empty: %w", entity.ErrValidation)
	}
	for _, ch := range r.Channels {
		if !ch.IsValid() {
			return fmt.Errorf("unknown channel %q: %w", ch, entity.ErrValidation)
		}
	}
	if !r.Audience.Type.IsValid() {
		return fmt.Errorf("unknown audience type %q: %w", r.Audience.Type, entity.ErrValidation)
	}
	if r.Audience.Type == entity.AudienceUsers && len(r.Audience.UserIDs) == 0 {
		return fmt.Errorf("users audience needs user_ids: %w", entity.ErrValidation)
	}
	if r.Audience.Type == entity.AudienceRoles && len(r.Audience.Roles) == 0 {
		return fmt.Errorf("roles audience needs roles: %w", entity.ErrValidation)
	}
	return nil
}

func uniqueIDs(in []uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(in))
	for _, id := range in {
		if id != uuid.Nil && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
