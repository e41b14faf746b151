// Package worker drives the periodic jobs of the dispatch engine: the delivery
// queue, scheduled campaigns, stale-claim recovery and retention cleanup.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"notifydispatch/internal/service"
	"notifydispatch/pkg/logger"
)

const (
	_defaultQueueInterval    = 2 * time.Second
	_defaultCampaignInterval = 30 * time.Second
	_defaultStaleInterval    = time.Minute
	_defaultStaleAfter       = 10 * time.Minute
	_defaultCleanupInterval  = 6 * time.Hour
)

type (
	QueueProcessor interface {
		ProcessQueue(ctx context.Context) (*service.ProcessingStats, error)
		RequeueStale(ctx context.Context, olderThan time.Duration) (int, error)
	}

	CampaignStarter interface {
		StartDueCampaigns(ctx context.Context) (int, error)
	}

	Retention interface {
		DeleteOld(ctx context.Context, days int) (int, error)
	}

	// Config sets the cadence of every job. A zero RetentionDays disables cleanup.
	Config struct {
		QueueInterval    time.Duration
		CampaignInterval time.Duration
		StaleInterval    time.Duration
		StaleAfter       time.Duration
		CleanupInterval  time.Duration
		RetentionDays    int
	}
)

type Poller struct {
	queue     QueueProcessor
	campaigns CampaignStarter
	retention Retention
	cfg       Config
	log       *zap.Logger
}

// NewPoller wires the jobs. campaigns and retention are optional.
func NewPoller(queue QueueProcessor, campaigns CampaignStarter, retention Retention, cfg Config, log *zap.Logger) (*Poller, error) {
	if queue == nil {
		return nil, errors.New("worker.NewPoller: queue processor must be non-nil")
	}

	if cfg.QueueInterval <= 0 {
		cfg.QueueInterval = _defaultQueueInterval
	}
	if cfg.CampaignInterval <= 0 {
		cfg.CampaignInterval = _defaultCampaignInterval
	}
	if cfg.StaleInterval <= 0 {
		cfg.StaleInterval = _defaultStaleInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = _defaultStaleAfter
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = _defaultCleanupInterval
	}

	return &Poller{
		queue:     queue,
		campaigns: campaigns,
		retention: retention,
		cfg:       cfg,
		log:       log,
	}, nil
}

// Run blocks until ctx is cancelled. Job failures are logged and the loop goes on.
func (p *Poller) Run(ctx context.Context) error {
	p.log.Info("poller started",
		zap.Duration("queue_interval", p.cfg.QueueInterval),
		zap.Duration("campaign_interval", p.cfg.CampaignInterval),
		zap.Duration("stale_after", p.cfg.StaleAfter),
		zap.Int("retention_days", p.cfg.RetentionDays),
	)

	queueTicker := time.NewTicker(p.cfg.QueueInterval)
	defer queueTicker.Stop()
	campaignTicker := time.NewTicker(p.cfg.CampaignInterval)
	defer campaignTicker.Stop()
	staleTicker := time.NewTicker(p.cfg.StaleInterval)
	defer staleTicker.Stop()
	cleanupTicker := time.NewTicker(p.cfg.CleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("poller stopped")
			return nil
		case <-queueTicker.C:
			p.processQueue(ctx)
		case <-campaignTicker.C:
			p.startCampaigns(ctx)
		case <-staleTicker.C:
			p.requeueStale(ctx)
		case <-cleanupTicker.C:
			p.cleanup(ctx)
		}
	}
}

func (p *Poller) processQueue(ctx context.Context) {
	ctx = logger.SetRequestID(ctx, logger.GenerateRequestID())

	stats, err := p.queue.ProcessQueue(ctx)
	if err != nil {
		p.report(ctx, "worker.Poller.processQueue", err)
		return
	}
	if stats != nil && stats.Claimed > 0 {
		logger.Ctx(ctx, p.log).Debug("queue batch processed",
			zap.Int("claimed", stats.Claimed),
			zap.Int("sent", stats.Sent),
			zap.Int("retried", stats.Retried),
			zap.Int("failed", stats.Failed),
			zap.Duration("duration", stats.Duration),
		)
	}
}

func (p *Poller) startCampaigns(ctx context.Context) {
	if p.campaigns == nil {
		return
	}
	ctx = logger.SetRequestID(ctx, logger.GenerateRequestID())

	started, err := p.campaigns.StartDueCampaigns(ctx)
	if err != nil {
		p.report(ctx, "worker.Poller.startCampaigns", err)
		return
	}
	if started > 0 {
		logger.Ctx(ctx, p.log).Info("scheduled campaigns started", zap.Int("count", started))
	}
}

func (p *Poller) requeueStale(ctx context.Context) {
	if _, err := p.queue.RequeueStale(ctx, p.cfg.StaleAfter); err != nil {
		p.report(ctx, "worker.Poller.requeueStale", err)
	}
}

func (p *Poller) cleanup(ctx context.Context) {
	if p.retention == nil || p.cfg.RetentionDays <= 0 {
		return
	}

	deleted, err := p.retention.DeleteOld(ctx, p.cfg.RetentionDays)
	if err != nil {
		p.report(ctx, "worker.Poller.cleanup", err)
		return
	}
	p.log.Info("old notifications removed", zap.Int("deleted", deleted), zap.Int("retention_days", p.cfg.RetentionDays))
}

// report swallows errors caused by shutdown.
func (p *Poller) report(ctx context.Context, op string, err error) {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return
	}
	logger.Ctx(ctx, p.log).Error("job failed", zap.String("op", op), zap.Error(err))
}
