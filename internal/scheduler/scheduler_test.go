package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/celerix-dev/celerix-moments/internal/engine"
	"github.com/celerix-dev/celerix-moments/internal/logger"
	"github.com/celerix-dev/celerix-moments/internal/testutil"
	"github.com/celerix-dev/celerix-moments/pkg/schema"
)

type fixture struct {
	clock    *testutil.FakeClock
	store    *engine.Store
	delivery *testutil.RecordingDelivery
	sched    *Scheduler
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	clk := testutil.NewFakeClock(now)
	store := engine.NewStore(nil, nil, engine.WithClock(clk))
	d := testutil.NewRecordingDelivery()
	return &fixture{
		clock:    clk,
		store:    store,
		delivery: d,
		sched:    New(store, d, WithClock(clk)),
	}
}

func (f *fixture) addUser(t *testing.T, id string) {
	t.Helper()
	_, created := f.store.CreateUser(schema.UserProfile{
		ID:                  id,
		Locale:              "en",
		Notifications:       settings("09:00", "21:00", "UTC", 3),
		OnboardingCompleted: true,
	})
	require.True(t, created)
}

func TestScheduler_ScheduleComputesFromNow(t *testing.T) {
	f := newFixture(t, testutil.Date(2026, time.June, 10, 20, 0))
	f.addUser(t, "u1")

	job, err := f.sched.Schedule("u1")
	require.NoError(t, err)
	assert.Equal(t, testutil.Date(2026, time.June, 11, 9, 0), job.NextRunAt)
	assert.Equal(t, schema.JobScheduled, job.Status)

	stored, err := f.store.Job("u1")
	require.NoError(t, err)
	assert.Equal(t, job, stored)
}

func TestScheduler_ScheduleRejectsDisabledUser(t *testing.T) {
	f := newFixture(t, testutil.Date(2026, time.June, 10, 10, 0))
	f.addUser(t, "u1")
	_, err := f.sched.Schedule("u1")
	require.NoError(t, err)

	_, err = f.store.UpdateUser("u1", func(u *schema.UserProfile) error {
		u.Notifications.Enabled = false
		return nil
	})
	require.NoError(t, err)

	_, err = f.sched.Schedule("u1")
	assert.ErrorIs(t, err, ErrNotSchedulable)
	_, err = f.store.Job("u1")
	assert.ErrorIs(t, err, engine.ErrJobNotFound)
}

func TestScheduler_TickFiresAndReschedules(t *testing.T) {
	f := newFixture(t, testutil.Date(2026, time.June, 10, 9, 0))
	f.addUser(t, "u1")
	_, err := f.sched.Schedule("u1")
	require.NoError(t, err)

	var prompted []string
	f.sched.OnPrompted(func(userID string, at time.Time) { prompted = append(prompted, userID) })

	assert.Equal(t, TickReport{}, f.sched.Tick(context.Background()), "nothing due yet")

	f.clock.Advance(3 * time.Hour)
	rep := f.sched.Tick(context.Background())
	assert.Equal(t, 1, rep.Fired)
	assert.Len(t, f.delivery.For("u1"), 1)
	assert.Equal(t, []string{"u1"}, prompted)

	job, err := f.store.Job("u1")
	require.NoError(t, err)
	assert.Equal(t, schema.JobScheduled, job.Status)
	assert.Equal(t, testutil.Date(2026, time.June, 10, 15, 0), job.NextRunAt)
	assert.Len(t, f.store.Jobs(), 1, "fired job is replaced, not accumulated")

	u, err := f.store.User("u1")
	require.NoError(t, err)
	assert.Equal(t, 1, u.Stats.PromptsSent)
	require.NotNil(t, u.Stats.LastPromptAt)
	assert.Equal(t, f.clock.Now(), *u.Stats.LastPromptAt)
}

// statsDown fails every profile update.
type statsDown struct{ *engine.Store }

func (statsDown) UpdateUser(string, func(*schema.UserProfile) error) (schema.UserProfile, error) {
	return schema.UserProfile{}, errors.New("disk full")
}

func TestScheduler_StatsFailureIsLogged(t *testing.T) {
	f := newFixture(t, testutil.Date(2026, time.June, 10, 9, 0))
	f.addUser(t, "u1")
	core, logs := observer.New(zapcore.DebugLevel)
	sched := New(statsDown{f.store}, f.delivery, WithClock(f.clock),
		WithLogger(&logger.Logger{SugaredLogger: zap.New(core).Sugar()}))
	_, err := sched.Schedule("u1")
	require.NoError(t, err)

	f.clock.Advance(3 * time.Hour)
	rep := sched.Tick(context.Background())
	assert.Equal(t, 1, rep.Fired)

	warned := logs.FilterMessage("Could not record prompt stats")
	require.Equal(t, 1, warned.Len())
	assert.Equal(t, zapcore.WarnLevel, warned.All()[0].Level)
}

func TestScheduler_DeliveryFailureIsRetriedAndDoesNotStopScan(t *testing.T) {
	f := newFixture(t, testutil.Date(2026, time.June, 10, 9, 0))
	f.addUser(t, "u1")
	f.addUser(t, "u2")
	_, _ = f.sched.Schedule("u1")
	_, _ = f.sched.Schedule("u2")
	f.delivery.FailFor("u1", true)

	f.clock.Advance(3 * time.Hour)
	rep := f.sched.Tick(context.Background())
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Fired)
	assert.Len(t, f.delivery.For("u2"), 1)

	job, err := f.store.Job("u1")
	require.NoError(t, err)
	assert.Equal(t, schema.JobScheduled, job.Status)
	assert.True(t, job.Due(f.clock.Now()), "failed job stays eligible")

	f.delivery.FailFor("u1", false)
	f.clock.Advance(time.Minute)
	rep = f.sched.Tick(context.Background())
	assert.Equal(t, 1, rep.Fired)
	assert.Len(t, f.delivery.For("u1"), 1)
}

func TestScheduler_TickPurgesJobOfDeletedUser(t *testing.T) {
	f := newFixture(t, testutil.Date(2026, time.June, 10, 9, 0))
	f.addUser(t, "u1")
	_, _ = f.sched.Schedule("u1")

	// Simulate an orphan left behind by an older build.
	env := f.store.Snapshot()
	delete(env.Users, "u1")
	f.store = engine.NewStore(env, nil, engine.WithClock(f.clock))
	f.sched = New(f.store, f.delivery, WithClock(f.clock))

	f.clock.Advance(3 * time.Hour)
	rep := f.sched.Tick(context.Background())
	assert.Equal(t, 1, rep.Purged)
	assert.Empty(t, f.store.Jobs())
	assert.Empty(t, f.delivery.Prompts())
}

func TestScheduler_TickDefersWhenWindowMoved(t *testing.T) {
	f := newFixture(t, testutil.Date(2026, time.June, 10, 9, 0))
	f.addUser(t, "u1")
	_, _ = f.sched.Schedule("u1")

	_, err := f.store.UpdateUser("u1", func(u *schema.UserProfile) error {
		u.Notifications.ActiveStart = schema.MustTimeOfDay("14:00")
		return nil
	})
	require.NoError(t, err)

	f.clock.Advance(3 * time.Hour) // 12:00, now outside 14:00-21:00
	rep := f.sched.Tick(context.Background())
	assert.Equal(t, 1, rep.Deferred)
	assert.Empty(t, f.delivery.Prompts())

	job, err := f.store.Job("u1")
	require.NoError(t, err)
	assert.Equal(t, testutil.Date(2026, time.June, 10, 14, 0), job.NextRunAt)
	assert.Equal(t, schema.JobScheduled, job.Status)
}

func TestScheduler_RecoverReschedulesInsteadOfFiring(t *testing.T) {
	now := testutil.Date(2026, time.June, 10, 12, 0)
	env := schema.NewEnvelope()
	env.Users["u1"] = schema.UserProfile{ID: "u1", Notifications: settings("09:00", "21:00", "UTC", 3), OnboardingCompleted: true}
	env.Users["u2"] = schema.UserProfile{ID: "u2", Notifications: settings("09:00", "21:00", "UTC", 3), OnboardingCompleted: true}
	env.Users["u3"] = schema.UserProfile{ID: "u3", Notifications: settings("09:00", "21:00", "UTC", 3), OnboardingCompleted: true}
	env.ScheduledJobs["u1"] = schema.Job{UserID: "u1", Type: schema.JobMomentPrompt, NextRunAt: now.Add(-6 * time.Hour), Status: schema.JobScheduled}
	env.ScheduledJobs["u2"] = schema.Job{UserID: "u2", Type: schema.JobMomentPrompt, NextRunAt: now.Add(time.Hour), Status: schema.JobExecuting}
	env.ScheduledJobs["ghost"] = schema.Job{UserID: "ghost", Type: schema.JobMomentPrompt, NextRunAt: now.Add(-time.Hour), Status: schema.JobScheduled}

	clk := testutil.NewFakeClock(now)
	store := engine.NewStore(env, nil, engine.WithClock(clk))
	d := testutil.NewRecordingDelivery()
	s := New(store, d, WithClock(clk))

	rep := s.Recover()
	assert.Equal(t, RecoveryReport{Rescheduled: 1, Released: 1, Purged: 1, Created: 1}, rep)
	assert.Empty(t, d.Prompts(), "recovery never fires")

	j1, err := store.Job("u1")
	require.NoError(t, err)
	assert.False(t, j1.NextRunAt.Before(now))
	assert.Equal(t, schema.JobScheduled, j1.Status)
	assert.Equal(t, now.Add(3*time.Hour), j1.NextRunAt)

	j2, err := store.Job("u2")
	require.NoError(t, err)
	assert.Equal(t, schema.JobScheduled, j2.Status)
	assert.Equal(t, now.Add(time.Hour), j2.NextRunAt)

	_, err = store.Job("u3")
	assert.NoError(t, err, "schedulable user without a job gets one")
	_, err = store.Job("ghost")
	assert.ErrorIs(t, err, engine.ErrJobNotFound)

	assert.Equal(t, TickReport{}, s.Tick(context.Background()))
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t, testutil.Date(2026, time.June, 10, 9, 0))
	s := New(f.store, f.delivery, WithClock(f.clock), WithTick(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
