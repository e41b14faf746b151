package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"notifydispatch/internal/entity"
	"notifydispatch/internal/repository/memory"
)

func TestDispatcher_RetriesUntilExhausted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sender.Failing(entity.ChannelEmail)

	n, err := f.svc.Create(ctx, f.createRequest(uuid.New(), entity.ChannelEmail))
	require.NoError(t, err)

	stats := f.process(t)
	assert.Equal(t, 1, stats.Retried)
	item := f.items(t, n.ID)[entity.ChannelEmail]
	assert.Equal(t, entity.DeliveryQueued, item.Status)
	assert.Equal(t, 1, item.RetryCount)
	require.NotNil(t, item.NextRetryAt)
	assert.Equal(t, _t0.Add(5*time.Minute), *item.NextRetryAt)

	assert.Zero(t, f.process(t).Claimed, "retry is not due yet")

	f.clock.Advance(5 * time.Minute)
	assert.Equal(t, 1, f.process(t).Retried)
	item = f.items(t, n.ID)[entity.ChannelEmail]
	assert.Equal(t, 2, item.RetryCount)
	assert.Equal(t, f.clock.Now().Add(10*time.Minute), *item.NextRetryAt)

	f.clock.Advance(10 * time.Minute)
	assert.Equal(t, 1, f.process(t).Failed)
	item = f.items(t, n.ID)[entity.ChannelEmail]
	assert.Equal(t, entity.DeliveryFailed, item.Status)
	assert.Equal(t, 3, item.RetryCount)
	assert.NotNil(t, item.ProcessedAt)
	assert.Equal(t, "gateway unavailable", item.LastError)

	got := f.notification(t, n.ID)
	assert.Equal(t, entity.StatusFailed, got.Status)
	assert.NotNil(t, got.FailedAt)

	f.clock.Advance(24 * time.Hour)
	assert.Zero(t, f.process(t).Claimed, "failed items are never polled again")

	report, err := f.svc.DeliveryReport(ctx, n.ID)
	require.NoError(t, err)
	require.Len(t, report.Logs, 3)
	for i, l := range report.Logs {
		assert.Equal(t, i+1, l.Attempt)
		assert.False(t, l.Success)
	}
}

func TestDispatcher_ExponentialBackoff(t *testing.T) {
	d := &Dispatcher{retryUnit: 5 * time.Minute, exponential: true}
	assert.Equal(t, 5*time.Minute, d.backoff(1))
	assert.Equal(t, 10*time.Minute, d.backoff(2))
	assert.Equal(t, 20*time.Minute, d.backoff(3))

	d.exponential = false
	assert.Equal(t, 15*time.Minute, d.backoff(3))
}

func TestDispatcher_PartialFailureKeepsSent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sender.Failing(entity.ChannelSMS)

	n, err := f.svc.Create(ctx, f.createRequest(uuid.New(), entity.ChannelEmail, entity.ChannelSMS))
	require.NoError(t, err)

	for range 3 {
		f.process(t)
		f.clock.Advance(time.Hour)
	}

	items := f.items(t, n.ID)
	assert.Equal(t, entity.DeliverySent, items[entity.ChannelEmail].Status)
	assert.Equal(t, entity.DeliveryFailed, items[entity.ChannelSMS].Status)
	assert.Equal(t, entity.StatusSent, f.notification(t, n.ID).Status)
}

func TestDispatcher_InAppIsDelivered(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()

	n, err := f.svc.Create(context.Background(), f.createRequest(user, entity.ChannelEmail, entity.ChannelInApp))
	require.NoError(t, err)

	stats := f.process(t)
	assert.Equal(t, 2, stats.Sent)

	got := f.notification(t, n.ID)
	assert.Equal(t, entity.StatusDelivered, got.Status)
	assert.NotNil(t, got.SentAt)
	assert.NotNil(t, got.DeliveredAt)

	for _, msg := range f.sender.Messages() {
		if msg.Channel == entity.ChannelInApp {
			assert.Equal(t, []string{user.String()}, msg.To)
		}
	}
}

func TestDispatcher_CancelledWhileSendingKeepsCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	n, err := f.svc.Create(ctx, f.createRequest(uuid.New(), entity.ChannelEmail))
	require.NoError(t, err)

	claimed, err := f.repos.Queue.ClaimDue(ctx, _t0, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	removed, err := f.repos.Notifications.Cancel(ctx, n.ID, _t0)
	require.NoError(t, err)
	assert.Zero(t, removed, "sending items are not removed")

	assert.Equal(t, outcomeFailed, f.dispatcher.process(ctx, claimed[0]))
	assert.Equal(t, entity.StatusCancelled, f.notification(t, n.ID).Status)
	assert.Empty(t, f.sender.Messages())
}

// hangingSender blocks on one channel until released, ignoring the context
// like gomail and a client-less tgbotapi do. Other channels go to next.
type hangingSender struct {
	channel entity.Channel
	release chan struct{}
	next    Sender
}

func (h *hangingSender) Send(ctx context.Context, msg entity.Message) (entity.SendResult, error) {
	if msg.Channel == h.channel {
		<-h.release
		return entity.SendResult{ExternalID: "late"}, nil
	}
	return h.next.Send(ctx, msg)
}

func TestDispatcher_HungGatewayIsBoundedBySendTimeout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gateway := &hangingSender{channel: entity.ChannelEmail, release: make(chan struct{}), next: f.sender}
	t.Cleanup(func() { close(gateway.release) })

	d, err := NewDispatcher(f.repos, gateway, zap.NewNop(),
		WithDispatcherClock(f.clock.Now),
		WithSendTimeout(50*time.Millisecond),
		WithBackoff(5*time.Minute, false),
	)
	require.NoError(t, err)

	n, err := f.svc.Create(ctx, f.createRequest(uuid.New(), entity.ChannelEmail, entity.ChannelInApp))
	require.NoError(t, err)

	start := time.Now()
	stats, err := d.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second, "a hung gateway must not stall the pass")

	assert.Equal(t, 2, stats.Claimed)
	assert.Equal(t, 1, stats.Sent)
	assert.Equal(t, 1, stats.Retried)

	items := f.items(t, n.ID)
	email := items[entity.ChannelEmail]
	assert.Equal(t, entity.DeliveryQueued, email.Status)
	assert.Equal(t, 1, email.RetryCount)
	assert.Contains(t, email.LastError, "timeout")
	assert.Equal(t, entity.DeliverySent, items[entity.ChannelInApp].Status)
}

func TestDispatcher_ExpiredIsNotSent(t *testing.T) {
	f := newFixture(t)

	req := f.createRequest(uuid.New(), entity.ChannelEmail)
	exp := _t0.Add(time.Minute)
	req.ExpiresAt = &exp
	n, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	stats := f.process(t)
	assert.Equal(t, 1, stats.Failed)
	assert.Empty(t, f.sender.Messages())

	item := f.items(t, n.ID)[entity.ChannelEmail]
	assert.Equal(t, entity.DeliveryFailed, item.Status)
	assert.Zero(t, item.RetryCount)
	assert.Equal(t, "notification expired", item.LastError)
}

func TestDispatcher_NoAddressFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	user := uuid.New()

	n, err := f.svc.Create(context.Background(), CreateRequest{
		OrganizationID: f.org,
		Type:           entity.TypeSystem,
		Content:        entity.Content{Title: "t", Body: "b"},
		Recipient:      entity.Recipient{UserID: &user},
		Channels:       []entity.Channel{entity.ChannelTelegram},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, f.process(t).Failed)
	assert.Empty(t, f.sender.Messages())
	assert.Equal(t, entity.StatusFailed, f.notification(t, n.ID).Status)
}

func TestDispatcher_ResolvesContactsAndDevices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := uuid.New()

	f.store.Directory().AddMember(memory.Member{
		UserID:         user,
		OrganizationID: f.org,
		Contact:        entity.Recipient{Email: "dir@example.com", TelegramChatID: "4242"},
	})
	_, err := f.svc.RegisterFcm(ctx, user, "fcm-token-1", "android")
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, CreateRequest{
		OrganizationID: f.org,
		Type:           entity.TypeSystem,
		Content:        entity.Content{Title: "t", Body: "b"},
		Recipient:      entity.Recipient{UserID: &user},
		Channels:       []entity.Channel{entity.ChannelEmail, entity.ChannelTelegram, entity.ChannelPush},
	})
	require.NoError(t, err)

	assert.Equal(t, 3, f.process(t).Sent)

	byChannel := make(map[entity.Channel]entity.Message)
	for _, msg := range f.sender.Messages() {
		byChannel[msg.Channel] = msg
	}
	assert.Equal(t, []string{"dir@example.com"}, byChannel[entity.ChannelEmail].To)
	assert.Equal(t, []string{"4242"}, byChannel[entity.ChannelTelegram].To)
	require.Len(t, byChannel[entity.ChannelPush].Devices, 1)
	assert.Equal(t, "fcm-token-1", byChannel[entity.ChannelPush].Devices[0].Token)
}

func TestDispatcher_UsesNotificationLocale(t *testing.T) {
	f := newFixture(t)

	req := f.createRequest(uuid.New(), entity.ChannelEmail)
	req.Locale = "en"
	req.Content.Localized = map[string]entity.LocalizedContent{
		"en": {Title: "Maintenance", Body: "Planned works at 02:00"},
	}
	_, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)

	f.process(t)
	msgs := f.sender.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Maintenance", msgs[0].Title)
}

func TestDispatcher_RequeueStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, f.createRequest(uuid.New(), entity.ChannelEmail))
	require.NoError(t, err)
	_, err = f.repos.Queue.ClaimDue(ctx, _t0, 10)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	n, err := f.dispatcher.RequeueStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(time.Hour)
	n, err = f.dispatcher.RequeueStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.process(t).Sent)
}

func TestNewDispatcher_Validation(t *testing.T) {
	_, err := NewDispatcher(Repositories{}, newFakeSender(), zap.NewNop())
	require.Error(t, err)

	store := memory.New()
	repos := Repositories{Notifications: store.Notifications(), Queue: store.Queue()}
	_, err = NewDispatcher(repos, nil, zap.NewNop())
	require.Error(t, err)

	d, err := NewDispatcher(repos, newFakeSender(), zap.NewNop(), WithBatchSize(10_000))
	require.NoError(t, err)
	assert.Equal(t, _defaultBatchSize, d.batchSize)
}
