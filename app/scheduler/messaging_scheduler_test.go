package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	businessflow "github.com/amirphl/clinic-queue/business_flow"
	"github.com/amirphl/clinic-queue/config"
	"github.com/amirphl/clinic-queue/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	calls  []uint
	errs   map[uint]error
	called chan uint
}

func (d *fakeDispatcher) RunCycle(_ context.Context, moderatorID uint) (*businessflow.DispatchReport, error) {
	d.mu.Lock()
	d.calls = append(d.calls, moderatorID)
	err := d.errs[moderatorID]
	d.mu.Unlock()
	if d.called != nil {
		d.called <- moderatorID
	}
	if err != nil {
		return nil, err
	}
	return &businessflow.DispatchReport{ModeratorID: moderatorID, Sent: 1}, nil
}

func (d *fakeDispatcher) moderators() []uint {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := append([]uint(nil), d.calls...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type fakeCommands struct {
	businessflow.CommandFlow
	expireErr error
	purged    bool
}

func (c *fakeCommands) ExpireStale(context.Context) (int, error) { return 0, c.expireErr }
func (c *fakeCommands) CleanupOrphans(context.Context) (int, error) {
	return 0, nil
}
func (c *fakeCommands) PurgeOld(context.Context) (int64, error) {
	c.purged = true
	return 3, nil
}

type fakeRetrier struct {
	batch int
	err   error
}

func (r *fakeRetrier) RetryFailedMessagesAsync(_ context.Context, maxBatch int) (int, error) {
	r.batch = maxBatch
	return 0, r.err
}

type fakeMessageRepo struct {
	repository.MessageRepository
	queued []uint
}

func (r *fakeMessageRepo) ModeratorsWithQueuedWork(context.Context) ([]uint, error) {
	return r.queued, nil
}

type fakeQuotaRepo struct {
	repository.QuotaRepository
	moderators []uint
}

func (r *fakeQuotaRepo) ModeratorIDs(context.Context) ([]uint, error) {
	return r.moderators, nil
}

type fakeJobRuns struct {
	repository.JobRunRepository
	mu       sync.Mutex
	deny     bool
	finished map[string]error
}

func (j *fakeJobRuns) TryStart(context.Context, string, string, time.Duration, time.Time) (bool, error) {
	return !j.deny, nil
}

func (j *fakeJobRuns) Finish(_ context.Context, job, scope string, runErr error, _ time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finished == nil {
		j.finished = map[string]error{}
	}
	j.finished[job+"/"+scope] = runErr
	return nil
}

func testSchedulerConfig() config.MessagingConfig {
	return config.MessagingConfig{
		RetryBatchSize:     50,
		ModeratorSweepSpec: "@every 1h",
		GlobalSweepSpec:    "@every 1h",
		SweepParallelism:   2,
		Timezone:           "UTC",
	}
}

type schedulerFixture struct {
	dispatcher *fakeDispatcher
	commands   *fakeCommands
	messages   *fakeMessageRepo
	quotas     *fakeQuotaRepo
	jobRuns    *fakeJobRuns
	scheduler  *MessagingScheduler
}

func newSchedulerFixture() *schedulerFixture {
	fx := &schedulerFixture{
		dispatcher: &fakeDispatcher{errs: map[uint]error{}},
		commands:   &fakeCommands{},
		messages:   &fakeMessageRepo{},
		quotas:     &fakeQuotaRepo{},
		jobRuns:    &fakeJobRuns{},
	}
	fx.scheduler = NewMessagingScheduler(fx.dispatcher, fx.commands, fx.messages, fx.quotas, fx.jobRuns,
		testSchedulerConfig(), zap.NewNop())
	return fx
}

func TestMessagingScheduler_TriggerCollapses(t *testing.T) {
	fx := newSchedulerFixture()

	fx.scheduler.Trigger(1)
	fx.scheduler.Trigger(1)
	fx.scheduler.Trigger(2)
	assert.Len(t, fx.scheduler.triggers, 2)
}

func TestMessagingScheduler_StartRunsTriggers(t *testing.T) {
	fx := newSchedulerFixture()
	fx.dispatcher.called = make(chan uint, 4)
	fx.quotas.moderators = []uint{4, 5}

	stop, err := fx.scheduler.Start(context.Background())
	require.NoError(t, err)
	defer stop()

	assert.True(t, fx.scheduler.isRegistered(4))
	assert.True(t, fx.scheduler.isRegistered(5))

	fx.scheduler.Trigger(7)
	select {
	case id := <-fx.dispatcher.called:
		assert.Equal(t, uint(7), id)
	case <-time.After(2 * time.Second):
		t.Fatal("triggered cycle did not run")
	}

	// once picked up the moderator can be triggered again
	require.Eventually(t, func() bool {
		fx.scheduler.mu.Lock()
		defer fx.scheduler.mu.Unlock()
		_, waiting := fx.scheduler.pending[7]
		return !waiting
	}, time.Second, 10*time.Millisecond)
}

func TestMessagingScheduler_StartRejectsBadSpec(t *testing.T) {
	fx := newSchedulerFixture()
	cfg := testSchedulerConfig()
	cfg.GlobalSweepSpec = "not a spec"
	s := NewMessagingScheduler(fx.dispatcher, fx.commands, fx.messages, fx.quotas, fx.jobRuns, cfg, zap.NewNop())

	_, err := s.Start(context.Background())
	assert.Error(t, err)
}

func TestMessagingScheduler_RegisterModeratorIsIdempotent(t *testing.T) {
	fx := newSchedulerFixture()

	require.NoError(t, fx.scheduler.RegisterModerator(3))
	require.NoError(t, fx.scheduler.RegisterModerator(3))
	assert.Len(t, fx.scheduler.registered, 1)
	assert.Len(t, fx.scheduler.cron.Entries(), 1)
}

func TestMessagingScheduler_RunModeratorTreatsPauseAsOutcome(t *testing.T) {
	fx := newSchedulerFixture()
	fx.dispatcher.errs[1] = &businessflow.SystemicPauseError{ModeratorID: 1, MessageID: 9, Kind: businessflow.PauseKindQR}
	fx.dispatcher.errs[2] = errors.New("database is down")

	assert.NoError(t, fx.scheduler.RunModerator(context.Background(), 1))
	assert.Error(t, fx.scheduler.RunModerator(context.Background(), 2))
}

func TestMessagingScheduler_RunGlobalSweepCollectsErrors(t *testing.T) {
	fx := newSchedulerFixture()
	fx.commands.expireErr = errors.New("lease table locked")
	retrier := &fakeRetrier{err: errors.New("retry query failed")}
	fx.scheduler.UseRetrier(retrier)
	fx.messages.queued = []uint{1, 2, 3}
	require.NoError(t, fx.scheduler.RegisterModerator(2))
	fx.dispatcher.errs[1] = &businessflow.SystemicPauseError{ModeratorID: 1, Kind: businessflow.PauseKindNET}
	fx.dispatcher.errs[3] = errors.New("provider exploded")

	err := fx.scheduler.RunGlobalSweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expire commands: lease table locked")
	assert.Contains(t, err.Error(), "retry failed messages: retry query failed")
	assert.Contains(t, err.Error(), "moderator 3: provider exploded")
	assert.NotContains(t, err.Error(), "moderator 1")

	assert.Equal(t, []uint{1, 3}, fx.dispatcher.moderators(), "registered moderators have their own sweep")
	assert.True(t, fx.commands.purged, "a failing step does not stop the others")
	assert.Equal(t, 50, retrier.batch)

	recorded, ok := fx.jobRuns.finished[JobGlobalSweep+"/"+globalScope]
	require.True(t, ok)
	assert.Error(t, recorded)
}

func TestMessagingScheduler_RunGlobalSweepSkipsClaimedRun(t *testing.T) {
	fx := newSchedulerFixture()
	fx.jobRuns.deny = true
	fx.messages.queued = []uint{1}

	require.NoError(t, fx.scheduler.RunGlobalSweep(context.Background()))
	assert.Empty(t, fx.dispatcher.moderators())
	assert.False(t, fx.commands.purged)
	assert.Empty(t, fx.jobRuns.finished)
}
