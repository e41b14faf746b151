package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"notifydispatch/internal/entity"
	"notifydispatch/internal/repository/memory"
)

func (f *fixture) campaignRequest(a entity.Audience) CreateCampaignRequest {
	return CreateCampaignRequest{
		OrganizationID: f.org,
		Name:           "Новые тарифы",
		Type:           entity.TypeAnnouncement,
		Content:        entity.Content{Title: "Новые тарифы", Body: "С 1 апреля меняются тарифы"},
		Channels:       []entity.Channel{entity.ChannelInApp},
		Audience:       a,
	}
}

func TestCampaign_FanOutAndCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	c, err := f.campaigns.CreateCampaign(ctx, f.campaignRequest(entity.Audience{
		Type:    entity.AudienceUsers,
		UserIDs: []uuid.UUID{a, b, a},
	}))
	require.NoError(t, err)
	assert.Equal(t, entity.CampaignDraft, c.Status)
	assert.Equal(t, 2, c.EstimatedRecipients)

	started, err := f.campaigns.StartCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.CampaignInProgress, started.Status)
	f.campaigns.Wait()

	got, err := f.campaigns.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.CampaignCompleted, got.Status)
	assert.Equal(t, 2, got.TotalRecipients)
	assert.Equal(t, 2, got.TotalSent)
	assert.Zero(t, got.TotalFailed)
	assert.Equal(t, got.TotalRecipients, got.TotalSent+got.TotalFailed)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	res, err := f.svc.Query(ctx, entity.NotificationFilter{CampaignID: &c.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)

	assert.Equal(t, 2, f.process(t).Sent)
	_, err = f.svc.MarkAllAsRead(ctx, a)
	require.NoError(t, err)

	got, err = f.campaigns.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalDelivered)
	assert.Equal(t, 1, got.TotalRead)
}

func TestCampaign_RolesAudienceFromDirectory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for range 3 {
		f.store.Directory().AddMember(memory.Member{UserID: uuid.New(), OrganizationID: f.org, Roles: []string{"operator"}})
	}
	f.store.Directory().AddMember(memory.Member{UserID: uuid.New(), OrganizationID: f.org, Roles: []string{"admin"}})

	c, err := f.campaigns.CreateCampaign(ctx, f.campaignRequest(entity.Audience{
		Type:  entity.AudienceRoles,
		Roles: []string{"operator"},
	}))
	require.NoError(t, err)
	assert.Equal(t, 3, c.EstimatedRecipients)

	_, err = f.campaigns.StartCampaign(ctx, c.ID)
	require.NoError(t, err)
	f.campaigns.Wait()

	got, err := f.campaigns.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.CampaignCompleted, got.Status)
	assert.Equal(t, 3, got.TotalSent)
}

func TestCampaign_EmptyAudienceIsCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.campaigns.CreateCampaign(ctx, f.campaignRequest(entity.Audience{
		Type:  entity.AudienceRoles,
		Roles: []string{"nobody"},
	}))
	require.NoError(t, err)
	assert.Zero(t, c.EstimatedRecipients)

	_, err = f.campaigns.StartCampaign(ctx, c.ID)
	require.ErrorIs(t, err, entity.ErrConfiguration)

	got, err := f.campaigns.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.CampaignCancelled, got.Status)
}

func TestCampaign_Transitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	audience := entity.Audience{Type: entity.AudienceUsers, UserIDs: []uuid.UUID{uuid.New()}}

	c, err := f.campaigns.CreateCampaign(ctx, f.campaignRequest(audience))
	require.NoError(t, err)

	_, err = f.campaigns.PauseCampaign(ctx, c.ID)
	require.ErrorIs(t, err, entity.ErrInvalidState, "a draft cannot be paused")

	cancelled, err := f.campaigns.CancelCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.CampaignCancelled, cancelled.Status)

	_, err = f.campaigns.StartCampaign(ctx, c.ID)
	require.ErrorIs(t, err, entity.ErrInvalidState)

	_, err = f.campaigns.StartCampaign(ctx, uuid.New())
	require.ErrorIs(t, err, entity.ErrNotFound)
}

func TestCampaign_ScheduledStartsWhenDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.campaignRequest(entity.Audience{Type: entity.AudienceUsers, UserIDs: []uuid.UUID{uuid.New()}})
	at := _t0.Add(time.Hour)
	req.ScheduledAt = &at

	c, err := f.campaigns.CreateCampaign(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, entity.CampaignScheduled, c.Status)

	started, err := f.campaigns.StartDueCampaigns(ctx)
	require.NoError(t, err)
	assert.Zero(t, started)

	f.clock.Advance(time.Hour)
	started, err = f.campaigns.StartDueCampaigns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
	f.campaigns.Wait()

	got, err := f.campaigns.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.CampaignCompleted, got.Status)

	list, err := f.campaigns.GetCampaigns(ctx, entity.CampaignFilter{OrganizationID: &f.org})
	require.NoError(t, err)
	assert.Equal(t, 1, list.Total)
}

// pausingCreator pauses the campaign while the first batch is being created.
type pausingCreator struct {
	next  NotificationCreator
	once  sync.Once
	pause func()
}

func (p *pausingCreator) Create(ctx context.Context, req CreateRequest) (*entity.Notification, error) {
	p.once.Do(p.pause)
	return p.next.Create(ctx, req)
}

func TestCampaign_PauseStopsFanOutBetweenBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var campaignID uuid.UUID
	creator := &pausingCreator{next: f.svc}
	svc, err := NewCampaignService(f.repos.Campaigns, f.repos.Audience, creator, zap.NewNop(),
		WithCampaignClock(f.clock.Now),
		WithFanOutBatch(2),
	)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	creator.pause = func() {
		_, err := svc.PauseCampaign(ctx, campaignID)
		assert.NoError(t, err)
	}

	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New()}
	c, err := svc.CreateCampaign(ctx, f.campaignRequest(entity.Audience{Type: entity.AudienceUsers, UserIDs: users}))
	require.NoError(t, err)
	campaignID = c.ID

	_, err = svc.StartCampaign(ctx, c.ID)
	require.NoError(t, err)
	svc.Wait()

	got, err := svc.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.CampaignPaused, got.Status)
	assert.Equal(t, 5, got.TotalRecipients)
	assert.Equal(t, 2, got.TotalSent)
}

// gateCreator holds the first Create until release is closed.
type gateCreator struct {
	next    NotificationCreator
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gateCreator) Create(ctx context.Context, req CreateRequest) (*entity.Notification, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.next.Create(context.WithoutCancel(ctx), req)
}

func TestCampaign_CloseMidFanOutPausesCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	creator := &gateCreator{next: f.svc, entered: make(chan struct{}), release: make(chan struct{})}
	svc, err := NewCampaignService(f.repos.Campaigns, f.repos.Audience, creator, zap.NewNop(),
		WithCampaignClock(f.clock.Now),
		WithFanOutBatch(2),
	)
	require.NoError(t, err)

	users := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	c, err := svc.CreateCampaign(ctx, f.campaignRequest(entity.Audience{Type: entity.AudienceUsers, UserIDs: users}))
	require.NoError(t, err)
	_, err = svc.StartCampaign(ctx, c.ID)
	require.NoError(t, err)

	<-creator.entered
	closed := make(chan struct{})
	go func() {
		svc.Close()
		close(closed)
	}()
	require.Eventually(t, func() bool { return svc.ctx.Err() != nil }, time.Second, time.Millisecond)
	close(creator.release)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	got, err := f.repos.Campaigns.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.CampaignPaused, got.Status)
	assert.Equal(t, 3, got.TotalRecipients)
	assert.Equal(t, 1, got.TotalSent, "recipients reached before shutdown are counted")
	assert.Zero(t, got.TotalFailed)
}

// failingReloads loses the storage connection once fan-out starts.
type failingReloads struct {
	CampaignRepository
}

func (failingReloads) GetByID(context.Context, uuid.UUID) (*entity.Campaign, error) {
	return nil, errors.New("connection reset by peer")
}

func TestCampaign_ReloadFailurePausesCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	svc, err := NewCampaignService(failingReloads{f.repos.Campaigns}, f.repos.Audience, f.svc, zap.NewNop(),
		WithCampaignClock(f.clock.Now),
	)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	c, err := svc.CreateCampaign(ctx, f.campaignRequest(entity.Audience{Type: entity.AudienceUsers, UserIDs: []uuid.UUID{uuid.New()}}))
	require.NoError(t, err)
	_, err = svc.StartCampaign(ctx, c.ID)
	require.NoError(t, err)
	svc.Wait()

	got, err := f.repos.Campaigns.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.CampaignPaused, got.Status)
	assert.Zero(t, got.TotalSent)
}

func TestCampaign_Validation(t *testing.T) {
	f := newFixture(t)

	req := f.campaignRequest(entity.Audience{Type: entity.AudienceUsers})
	_, err := f.campaigns.CreateCampaign(context.Background(), req)
	require.ErrorIs(t, err, entity.ErrValidation)

	req = f.campaignRequest(entity.Audience{Type: entity.AudienceAll})
	req.Channels = nil
	_, err = f.campaigns.CreateCampaign(context.Background(), req)
	require.ErrorIs(t, err, entity.ErrValidation)
}
