package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"notifydispatch/internal/entity"
	"notifydispatch/internal/metrics"
	"notifydispatch/pkg/logger"
)

const (
	_defaultBatchSize   = 50
	_defaultConcurrency = 8
	_defaultSendTimeout = 30 * time.Second
	_defaultRetryUnit   = 5 * time.Minute
)

type (
	// Dispatcher забирает готовые элементы доставки из очереди и отправляет их через шлюзы каналов.
	// Несколько экземпляров могут работать параллельно: захват элементов атомарный.
	Dispatcher struct {
		repos   Repositories
		sender  Sender
		cache   notificationCache
		log     *zap.Logger
		metrics *metrics.Metrics
		now     func() time.Time

		batchSize   int
		concurrency int
		sendTimeout time.Duration
		retryUnit   time.Duration
		exponential bool
	}

	// ProcessingStats содержит статистику одного прохода по очереди
	ProcessingStats struct {
		Claimed  int           `json:"claimed"`
		Sent     int           `json:"sent"`
		Retried  int           `json:"retried"`
		Failed   int           `json:"failed"`
		Duration time.Duration `json:"duration"`
	}

	outcome int
)

const (
	outcomeSent outcome = iota
	outcomeRetry
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeSent:
		return "sent"
	case outcomeRetry:
		return "retry"
	default:
		return "failed"
	}
}

func NewDispatcher(repos Repositories, sender Sender, log *zap.Logger, opts ...DispatcherOption) (*Dispatcher, error) {
	d := &Dispatcher{
		repos:       repos,
		sender:      sender,
		cache:       newNotificationCache(nil, 0),
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
		batchSize:   _defaultBatchSize,
		concurrency: _defaultConcurrency,
		sendTimeout: _defaultSendTimeout,
		retryUnit:   _defaultRetryUnit,
	}

	for _, opt := range opts {
		opt(d)
	}

	if err := d.validate(); err != nil {
		return nil, fmt.Errorf("service.NewDispatcher: %w", err)
	}

	return d, nil
}

// ProcessQueue выполняет один проход: захватывает пачку элементов и обрабатывает их параллельно
func (d *Dispatcher) ProcessQueue(ctx context.Context) (*ProcessingStats, error) {
	const op = "service.Dispatcher.ProcessQueue"

	log := logger.Ctx(ctx, d.log)
	startTime := time.Now()
	stats := &ProcessingStats{}

	items, err := d.repos.Queue.ClaimDue(ctx, d.now(), d.batchSize)
	if err != nil {
		log.Error("claim failed", zap.String("op", op), zap.Error(err))
		return stats, fmt.Errorf("%s: %w", op, err)
	}

	stats.Claimed = len(items)
	d.metrics.QueueBatch(len(items))

	if len(items) == 0 {
		log.Debug("no delivery items to process", zap.String("op", op))
		stats.Duration = time.Since(startTime)
		return stats, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(d.concurrency)

	for _, item := range items {
		g.Go(func() error {
			res := d.process(ctx, item)

			mu.Lock()
			defer mu.Unlock()
			switch res {
			case outcomeSent:
				stats.Sent++
			case outcomeRetry:
				stats.Retried++
			default:
				stats.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	stats.Duration = time.Since(startTime)

	log.Info("queue processing completed",
		zap.String("op", op),
		zap.Int("claimed", stats.Claimed),
		zap.Int("sent", stats.Sent),
		zap.Int("retried", stats.Retried),
		zap.Int("failed", stats.Failed),
		zap.Duration("duration", stats.Duration),
	)

	return stats, nil
}

// RequeueStale возвращает в очередь элементы, зависшие в sending дольше olderThan
func (d *Dispatcher) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	const op = "service.Dispatcher.RequeueStale"

	n, err := d.repos.Queue.RequeueStale(ctx, d.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if n > 0 {
		logger.Ctx(ctx, d.log).Warn("stale delivery items requeued", zap.String("op", op), zap.Int("count", n))
	}

	return n, nil
}

func (d *Dispatcher) process(ctx context.Context, item entity.DeliveryItem) outcome {
	const op = "service.Dispatcher.process"

	log := logger.Ctx(ctx, d.log).With(
		zap.String("op", op),
		zap.String("item_id", item.ID.String()),
		zap.String("notification_id", item.NotificationID.String()),
		zap.String("channel", item.Channel.String()),
	)

	n, err := d.repos.Notifications.GetByID(ctx, item.NotificationID)
	if errors.Is(err, entity.ErrNotFound) {
		return d.terminate(ctx, log, item, "notification not found")
	}
	if err != nil {
		log.Error("load notification failed", zap.Error(err))
		return d.settleFailure(ctx, log, item, err)
	}

	now := d.now()
	if n.Status == entity.StatusCancelled {
		return d.terminate(ctx, log, item, "notification cancelled")
	}
	if n.IsExpired(now) {
		return d.terminate(ctx, log, item, "notification expired")
	}

	msg, err := d.buildMessage(ctx, n, item.Channel)
	if err != nil {
		return d.terminate(ctx, log, item, err.Error())
	}

	startTime := time.Now()
	res, sendErr := d.sendWithin(ctx, msg)
	duration := time.Since(startTime)

	entry := &entity.DeliveryLog{
		ID:             newID(),
		NotificationID: n.ID,
		DeliveryItemID: item.ID,
		Channel:        item.Channel,
		Attempt:        item.RetryCount + 1,
		Success:        sendErr == nil,
		ExternalID:     res.ExternalID,
		Response:       res.Response,
		Duration:       duration,
		CreatedAt:      d.now(),
	}
	if sendErr != nil {
		entry.Error = sendErr.Error()
	}
	if err := d.repos.Queue.AppendLog(ctx, entry); err != nil {
		log.Error("append delivery log failed", zap.Error(err))
	}

	if sendErr != nil {
		result := d.settleFailure(ctx, log, item, sendErr)
		d.metrics.Delivery(item.Channel.String(), result.String(), duration)
		return result
	}

	d.metrics.Delivery(item.Channel.String(), outcomeSent.String(), duration)
	return d.settleSuccess(ctx, log, n, item, res)
}

// sendWithin bounds a gateway call by sendTimeout even when the gateway
// ignores its context. A reply that arrives after the deadline is dropped.
func (d *Dispatcher) sendWithin(ctx context.Context, msg entity.Message) (entity.SendResult, error) {
	sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	type reply struct {
		res entity.SendResult
		err error
	}
	done := make(chan reply, 1)
	go func() {
		res, err := d.sender.Send(sendCtx, msg)
		done <- reply{res: res, err: err}
	}()

	select {
	case r := <-done:
		return r.res, r.err
	case <-sendCtx.Done():
		return entity.SendResult{}, fmt.Errorf("%w: gateway timeout after %s: %w",
			entity.ErrDeliveryFailure, d.sendTimeout, sendCtx.Err())
	}
}

func (d *Dispatcher) settleSuccess(
	ctx context.Context,
	log *zap.Logger,
	n *entity.Notification,
	item entity.DeliveryItem,
	res entity.SendResult,
) outcome {
	now := d.now()
	item.Status = entity.DeliverySent
	item.ProcessedAt = &now
	item.NextRetryAt = nil
	item.LastError = ""
	item.UpdatedAt = now

	if err := d.repos.Queue.Settle(ctx, &item); err != nil {
		log.Error("settle sent item failed", zap.Error(err))
	}

	target := entity.StatusSent
	if res.Delivered {
		target = entity.StatusDelivered
	}

	first, err := d.repos.Notifications.TransitionStatus(ctx, n.ID,
		[]entity.Status{entity.StatusPending, entity.StatusQueued}, target, now)
	if err != nil {
		log.Error("aggregate status update failed", zap.Error(err))
	}
	if !first && target == entity.StatusDelivered {
		if _, err := d.repos.Notifications.TransitionStatus(ctx, n.ID,
			[]entity.Status{entity.StatusSent}, target, now); err != nil {
			log.Error("aggregate status update failed", zap.Error(err))
		}
	}
	d.cache.drop(ctx, n.ID)

	if first && n.CampaignID != nil && d.repos.Campaigns != nil {
		if err := d.repos.Campaigns.IncrementCounters(ctx, *n.CampaignID,
			entity.CampaignCounters{Delivered: 1}); err != nil {
			log.Warn("campaign delivered counter update failed", zap.Error(err))
		}
	}

	log.Info("delivery item sent", zap.String("external_id", res.ExternalID))

	return outcomeSent
}

// settleFailure counts the attempt and either schedules a retry or fails the item for good.
func (d *Dispatcher) settleFailure(
	ctx context.Context,
	log *zap.Logger,
	item entity.DeliveryItem,
	cause error,
) outcome {
	now := d.now()
	item.RetryCount++
	item.LastError = cause.Error()
	item.UpdatedAt = now

	if item.RetryCount < item.MaxRetries {
		next := now.Add(d.backoff(item.RetryCount))
		item.Status = entity.DeliveryQueued
		item.NextRetryAt = &next

		if err := d.repos.Queue.Settle(ctx, &item); err != nil {
			log.Error("settle retry failed", zap.Error(err))
		}

		log.Warn("delivery failed, retry scheduled",
			zap.Int("retry_count", item.RetryCount),
			zap.Time("next_retry_at", next),
			zap.Error(cause),
		)
		return outcomeRetry
	}

	item.Status = entity.DeliveryFailed
	item.NextRetryAt = nil
	item.ProcessedAt = &now

	if err := d.repos.Queue.Settle(ctx, &item); err != nil {
		log.Error("settle failed item failed", zap.Error(err))
	}

	log.Error("delivery failed, retries exhausted",
		zap.Int("retry_count", item.RetryCount),
		zap.Error(cause),
	)

	d.failIfExhausted(ctx, log, item.NotificationID)

	return outcomeFailed
}

// terminate fails an item without calling a gateway and without spending a retry.
func (d *Dispatcher) terminate(
	ctx context.Context,
	log *zap.Logger,
	item entity.DeliveryItem,
	reason string,
) outcome {
	now := d.now()

	entry := &entity.DeliveryLog{
		ID:             newID(),
		NotificationID: item.NotificationID,
		DeliveryItemID: item.ID,
		Channel:        item.Channel,
		Attempt:        item.RetryCount + 1,
		Error:          reason,
		CreatedAt:      now,
	}
	if err := d.repos.Queue.AppendLog(ctx, entry); err != nil {
		log.Error("append delivery log failed", zap.Error(err))
	}

	item.Status = entity.DeliveryFailed
	item.NextRetryAt = nil
	item.ProcessedAt = &now
	item.LastError = reason
	item.UpdatedAt = now

	if err := d.repos.Queue.Settle(ctx, &item); err != nil {
		log.Error("settle skipped item failed", zap.Error(err))
	}

	log.Warn("delivery item skipped", zap.String("reason", reason))
	d.metrics.Delivery(item.Channel.String(), "skipped", 0)

	d.failIfExhausted(ctx, log, item.NotificationID)

	return outcomeFailed
}

// failIfExhausted flips the aggregate to failed once every item of the
// notification is terminally failed.
func (d *Dispatcher) failIfExhausted(ctx context.Context, log *zap.Logger, id uuid.UUID) {
	items, err := d.repos.Queue.ListByNotification(ctx, id)
	if err != nil {
		log.Error("list delivery items failed", zap.Error(err))
		return
	}
	if len(items) == 0 {
		return
	}
	for _, it := range items {
		if it.Status != entity.DeliveryFailed {
			return
		}
	}

	changed, err := d.repos.Notifications.TransitionStatus(ctx, id,
		entity.StatusesBefore(entity.StatusFailed), entity.StatusFailed, d.now())
	if err != nil {
		log.Error("aggregate failed status update failed", zap.Error(err))
		return
	}
	d.cache.drop(ctx, id)

	if changed {
		log.Warn("notification failed on every channel")
	}
}

func (d *Dispatcher) backoff(retryCount int) time.Duration {
	if d.exponential {
		return d.retryUnit * time.Duration(1<<(retryCount-1)) // 5m, 10m, 20m, ...
	}
	return d.retryUnit * time.Duration(retryCount)
}

func (d *Dispatcher) buildMessage(ctx context.Context, n *entity.Notification, ch entity.Channel) (entity.Message, error) {
	content := n.Content.ForLocale(n.Locale)
	msg := entity.Message{
		NotificationID: n.ID,
		Channel:        ch,
		Title:          content.Title,
		Body:           content.Body,
		ImageURL:       n.Content.ImageURL,
		ActionURL:      n.Content.ActionURL,
		Priority:       n.Priority,
		Type:           n.Type,
		Data:           n.Content.Data,
	}

	to, devices, err := d.addresses(ctx, n.Recipient, ch)
	if err != nil {
		return msg, err
	}
	if len(to) == 0 && len(devices) == 0 {
		return msg, fmt.Errorf("no %s address for recipient: %w", ch, entity.ErrDeliveryFailure)
	}
	msg.To = to
	msg.Devices = devices

	return msg, nil
}

// addresses resolves the channel address: recipient bundle first, then the
// contact directory, then registered devices for push.
func (d *Dispatcher) addresses(ctx context.Context, r entity.Recipient, ch entity.Channel) ([]string, []entity.Device, error) {
	var contacts *entity.Recipient
	directory := func() *entity.Recipient {
		if contacts != nil || r.UserID == nil || d.repos.Contacts == nil {
			return contacts
		}
		c, err := d.repos.Contacts.Lookup(ctx, *r.UserID)
		if err != nil {
			if !errors.Is(err, entity.ErrNotFound) {
				logger.Ctx(ctx, d.log).Warn("contact lookup failed", zap.Error(err))
			}
			contacts = &entity.Recipient{}
			return contacts
		}
		contacts = c
		return contacts
	}
	pick := func(own string, fromDir func(*entity.Recipient) string) []string {
		if own != "" {
			return []string{own}
		}
		if c := directory(); c != nil {
			if v := fromDir(c); v != "" {
				return []string{v}
			}
		}
		return nil
	}

	switch ch {
	case entity.ChannelEmail:
		return pick(r.Email, func(c *entity.Recipient) string { return c.Email }), nil, nil
	case entity.ChannelSMS:
		return pick(r.Phone, func(c *entity.Recipient) string { return c.Phone }), nil, nil
	case entity.ChannelTelegram:
		return pick(r.TelegramChatID, func(c *entity.Recipient) string { return c.TelegramChatID }), nil, nil
	case entity.ChannelWebhook:
		if r.WebhookEndpoint == "" {
			return nil, nil, nil
		}
		return []string{r.WebhookEndpoint}, nil, nil
	case entity.ChannelInApp:
		if r.UserID == nil {
			return nil, nil, nil
		}
		return []string{r.UserID.String()}, nil, nil
	case entity.ChannelPush:
		var devices []entity.Device
		if r.UserID != nil && d.repos.Devices != nil {
			list, err := d.repos.Devices.ListActive(ctx, *r.UserID)
			if err != nil {
				return nil, nil, fmt.Errorf("list devices: %w", err)
			}
			devices = list
		}
		return r.DeviceTokens, devices, nil
	}

	return nil, nil, fmt.Errorf("unsupported channel %q: %w", ch, entity.ErrDeliveryFailure)
}
