package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"notifydispatch/internal/service"
)

type fakeQueue struct {
	processed  atomic.Int32
	requeued   atomic.Int32
	staleAfter atomic.Int64
	fail       bool
}

func (q *fakeQueue) ProcessQueue(context.Context) (*service.ProcessingStats, error) {
	q.processed.Add(1)
	if q.fail {
		return nil, errors.New("db down")
	}
	return &service.ProcessingStats{Claimed: 1, Sent: 1}, nil
}

func (q *fakeQueue) RequeueStale(_ context.Context, olderThan time.Duration) (int, error) {
	q.requeued.Add(1)
	q.staleAfter.Store(int64(olderThan))
	return 0, nil
}

type fakeCampaigns struct{ calls atomic.Int32 }

func (c *fakeCampaigns) StartDueCampaigns(context.Context) (int, error) {
	c.calls.Add(1)
	return 1, nil
}

type fakeRetention struct {
	calls atomic.Int32
	days  atomic.Int32
}

func (r *fakeRetention) DeleteOld(_ context.Context, days int) (int, error) {
	r.calls.Add(1)
	r.days.Store(int32(days))
	return 3, nil
}

func runPoller(t *testing.T, p *Poller) (stop func()) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("poller did not stop")
		}
	}
}

func TestPoller_RunsEveryJob(t *testing.T) {
	q := &fakeQueue{}
	c := &fakeCampaigns{}
	r := &fakeRetention{}

	p, err := NewPoller(q, c, r, Config{
		QueueInterval:    5 * time.Millisecond,
		CampaignInterval: 5 * time.Millisecond,
		StaleInterval:    5 * time.Millisecond,
		StaleAfter:       time.Minute,
		CleanupInterval:  5 * time.Millisecond,
		RetentionDays:    30,
	}, zap.NewNop())
	require.NoError(t, err)

	stop := runPoller(t, p)
	require.Eventually(t, func() bool {
		return q.processed.Load() > 1 && q.requeued.Load() > 0 && c.calls.Load() > 0 && r.calls.Load() > 0
	}, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, int64(time.Minute), q.staleAfter.Load())
	assert.Equal(t, int32(30), r.days.Load())
}

func TestPoller_KeepsGoingAfterErrors(t *testing.T) {
	q := &fakeQueue{fail: true}

	p, err := NewPoller(q, nil, nil, Config{QueueInterval: 5 * time.Millisecond}, zap.NewNop())
	require.NoError(t, err)

	stop := runPoller(t, p)
	require.Eventually(t, func() bool { return q.processed.Load() >= 3 }, time.Second, 5*time.Millisecond)
	stop()
}

func TestPoller_CleanupDisabledWithoutRetention(t *testing.T) {
	q := &fakeQueue{}
	r := &fakeRetention{}

	p, err := NewPoller(q, nil, r, Config{
		QueueInterval:   5 * time.Millisecond,
		CleanupInterval: 5 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)

	stop := runPoller(t, p)
	require.Eventually(t, func() bool { return q.processed.Load() >= 3 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Zero(t, r.calls.Load())
}

func TestNewPoller_Defaults(t *testing.T) {
	_, err := NewPoller(nil, nil, nil, Config{}, zap.NewNop())
	require.Error(t, err)

	p, err := NewPoller(&fakeQueue{}, nil, nil, Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, _defaultQueueInterval, p.cfg.QueueInterval)
	assert.Equal(t, _defaultStaleAfter, p.cfg.StaleAfter)
	assert.Equal(t, _defaultCleanupInterval, p.cfg.CleanupInterval)
}
