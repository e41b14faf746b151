package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"notifydispatch/internal/entity"
	"notifydispatch/internal/repository/memory"
)

var _t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeSender records every message and fails the channels listed in fail.
type fakeSender struct {
	mu        sync.Mutex
	fail      map[entity.Channel]bool
	delivered map[entity.Channel]bool
	sent      []entity.Message
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		fail:      make(map[entity.Channel]bool),
		delivered: map[entity.Channel]bool{entity.ChannelInApp: true},
	}
}

func (f *fakeSender) Send(_ context.Context, msg entity.Message) (entity.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, msg)
	if f.fail[msg.Channel] {
		return entity.SendResult{Response: "gateway said no"}, errors.New("gateway unavailable")
	}
	return entity.SendResult{ExternalID: "ext-" + msg.Channel.String(), Delivered: f.delivered[msg.Channel]}, nil
}

func (f *fakeSender) Failing(ch entity.Channel) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[ch] = true
}

func (f *fakeSender) Messages() []entity.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]entity.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

type mapCache struct {
	mu   sync.Mutex
	data map[string]string
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string]string)} }

func (c *mapCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[key], nil
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = string(value)
	return nil
}

func (c *mapCache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
	return nil
}

func (c *mapCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

type fixture struct {
	store      *memory.Store
	repos      Repositories
	clock      *testClock
	sender     *fakeSender
	cache      *mapCache
	svc        *NotifyService
	dispatcher *Dispatcher
	rules      *RuleEngine
	campaigns  *CampaignService
	org        uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.New()
	f := &fixture{
		store:  store,
		clock:  &testClock{now: _t0},
		sender: newFakeSender(),
		cache:  newMapCache(),
		org:    uuid.New(),
		repos: Repositories{
			Notifications: store.Notifications(),
			Queue:         store.Queue(),
			Templates:     store.Templates(),
			Rules:         store.Rules(),
			Settings:      store.Settings(),
			Campaigns:     store.Campaigns(),
			Devices:       store.Devices(),
			Contacts:      store.Directory(),
			Audience:      store.Directory(),
		},
	}
	log := zap.NewNop()

	var err error
	f.svc, err = NewNotifyService(f.repos, log,
		WithClock(f.clock.Now),
		WithCache(f.cache, time.Minute),
		WithMaxRetries(3),
	)
	require.NoError(t, err)

	f.dispatcher, err = NewDispatcher(f.repos, f.sender, log,
		WithDispatcherClock(f.clock.Now),
		WithDispatcherCache(f.cache, time.Minute),
		WithBatchSize(100),
		WithConcurrency(4),
		WithBackoff(5*time.Minute, false),
	)
	require.NoError(t, err)

	f.rules, err = NewRuleEngine(f.repos.Rules, f.repos.Notifications, f.svc, log,
		WithLocker(memory.NewLocker(f.clock.Now)),
		WithRuleClock(f.clock.Now),
	)
	require.NoError(t, err)

	f.campaigns, err = NewCampaignService(f.repos.Campaigns, f.repos.Audience, f.svc, log,
		WithCampaignClock(f.clock.Now),
		WithFanOutBatch(2),
	)
	require.NoError(t, err)
	t.Cleanup(f.campaigns.Close)

	return f
}

func (f *fixture) createRequest(userID uuid.UUID, channels ...entity.Channel) CreateRequest {
	return CreateRequest{
		OrganizationID: f.org,
		Type:           entity.TypeSystem,
		Content:        entity.Content{Title: "Обслуживание", Body: "Плановые работы в 02:00"},
		Recipient:      entity.Recipient{UserID: &userID, Email: "op@example.com", Phone: "+70000000000"},
		Channels:       channels,
	}
}

func (f *fixture) process(t *testing.T) *ProcessingStats {
	t.Helper()
	stats, err := f.dispatcher.ProcessQueue(context.Background())
	require.NoError(t, err)
	return stats
}

func (f *fixture) items(t *testing.T, id uuid.UUID) map[entity.Channel]entity.DeliveryItem {
	t.Helper()
	list, err := f.repos.Queue.ListByNotification(context.Background(), id)
	require.NoError(t, err)
	out := make(map[entity.Channel]entity.DeliveryItem, len(list))
	for _, it := range list {
		out[it.Channel] = it
	}
	return out
}

func (f *fixture) notification(t *testing.T, id uuid.UUID) *entity.Notification {
	t.Helper()
	n, err := f.repos.Notifications.GetByID(context.Background(), id)
	require.NoError(t, err)
	return n
}
