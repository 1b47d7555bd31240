package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-moments/internal/testutil"
	"github.com/celerix-dev/celerix-moments/pkg/schema"
)

func newUser(id string) schema.UserProfile {
	return schema.UserProfile{
		ID:         id,
		Locale:     "en",
		Addressing: schema.AddressInformal,
		Notifications: schema.NotificationSettings{
			IntervalHours: 3,
			ActiveStart:   schema.MustTimeOfDay("09:00"),
			ActiveEnd:     schema.MustTimeOfDay("21:00"),
			Timezone:      "UTC",
			Enabled:       true,
		},
		OnboardingCompleted: true,
	}
}

func TestStore_UserLifecycle(t *testing.T) {
	clk := testutil.NewFakeClock(testutil.Date(2026, time.May, 4, 10, 0))
	s := NewStore(nil, nil, WithClock(clk))

	u, created := s.CreateUser(newUser("u1"))
	require.True(t, created)
	assert.Equal(t, clk.Now(), u.CreatedAt)

	_, created = s.CreateUser(newUser("u1"))
	assert.False(t, created)

	updated, err := s.UpdateUser("u1", func(u *schema.UserProfile) error {
		u.Locale = "ru"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ru", updated.Locale)

	_, err = s.UpdateUser("u1", func(u *schema.UserProfile) error {
		u.Locale = "de"
		return errors.New("rejected")
	})
	require.Error(t, err)
	got, err := s.User("u1")
	require.NoError(t, err)
	assert.Equal(t, "ru", got.Locale, "failed update must not apply")

	_, err = s.User("missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestStore_MomentIDsAreMonotonic(t *testing.T) {
	s := NewStore(nil, nil)
	s.CreateUser(newUser("u1"))

	m1, err := s.AddMoment("u1", schema.Moment{Content: "first"})
	require.NoError(t, err)
	m2, err := s.AddMoment("u1", schema.Moment{Content: "second"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, m1.ID)
	assert.EqualValues(t, 2, m2.ID)
	assert.Equal(t, schema.SourceText, m1.Source)
	assert.Equal(t, []string{}, m1.Tags)

	require.NoError(t, s.DeleteMoment("u1", m2.ID))
	m3, err := s.AddMoment("u1", schema.Moment{Content: "third"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, m3.ID, "ids are never reused")

	recent, err := s.RecentMoments("u1", 5)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "third", recent[0].Content)

	u, _ := s.User("u1")
	assert.Equal(t, 3, u.Stats.MomentsCaptured)
	require.NotNil(t, u.Stats.LastMomentAt)

	_, err = s.AddMoment("ghost", schema.Moment{Content: "x"})
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.ErrorIs(t, s.DeleteMoment("u1", 99), ErrMomentNotFound)
}

func TestStore_DeleteUserLeavesNoOrphans(t *testing.T) {
	s := NewStore(nil, nil)
	s.CreateUser(newUser("u1"))
	s.CreateUser(newUser("u2"))
	_, _ = s.AddMoment("u1", schema.Moment{Content: "a"})
	_, _ = s.AddMoment("u2", schema.Moment{Content: "b"})
	require.NoError(t, s.PutJob(schema.Job{UserID: "u1", NextRunAt: time.Now()}))
	require.NoError(t, s.PutJob(schema.Job{UserID: "u2", NextRunAt: time.Now()}))

	require.NoError(t, s.DeleteUser("u1"))

	env := s.Snapshot()
	assert.NotContains(t, env.Users, "u1")
	assert.NotContains(t, env.Moments, "u1")
	assert.NotContains(t, env.ScheduledJobs, "u1")
	assert.Contains(t, env.ScheduledJobs, "u2")
	assert.ErrorIs(t, s.DeleteUser("u1"), ErrUserNotFound)
}

func TestStore_OneJobPerUser(t *testing.T) {
	s := NewStore(nil, nil)
	s.CreateUser(newUser("u1"))
	now := testutil.Date(2026, time.May, 4, 10, 0)

	require.NoError(t, s.PutJob(schema.Job{UserID: "u1", NextRunAt: now}))
	require.NoError(t, s.PutJob(schema.Job{UserID: "u1", NextRunAt: now.Add(time.Hour)}))
	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, now.Add(time.Hour), jobs[0].NextRunAt)
	assert.Equal(t, schema.JobMomentPrompt, jobs[0].Type)
	assert.Equal(t, schema.JobScheduled, jobs[0].Status)

	assert.ErrorIs(t, s.PutJob(schema.Job{UserID: "ghost"}), ErrUserNotFound)
}

func TestStore_ClaimJobOnce(t *testing.T) {
	s := NewStore(nil, nil)
	s.CreateUser(newUser("u1"))
	now := testutil.Date(2026, time.May, 4, 10, 0)
	require.NoError(t, s.PutJob(schema.Job{UserID: "u1", NextRunAt: now}))

	assert.Len(t, s.DueJobs(now.Add(-time.Minute)), 0)
	assert.Len(t, s.DueJobs(now), 1)

	var wg sync.WaitGroup
	var mu sync.Mutex
	claims := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := s.ClaimJob("u1", now); ok {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, claims)
	assert.Empty(t, s.DueJobs(now), "executing jobs are not due")

	require.NoError(t, s.ReleaseJob("u1"))
	assert.Len(t, s.DueJobs(now), 1)
}

func TestStore_PersistsEveryMutation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moments.json")
	p, err := NewPersistence(path)
	require.NoError(t, err)
	s := NewStore(nil, p)

	s.CreateUser(newUser("u1"))
	_, err = s.AddMoment("u1", schema.Moment{Content: "Had a great walk"})
	require.NoError(t, err)
	s.Wait()

	p2, err := NewPersistence(path)
	require.NoError(t, err)
	s2, err := Open(p2)
	require.NoError(t, err)
	moments, err := s2.Moments("u1")
	require.NoError(t, err)
	require.Len(t, moments, 1)
	assert.Equal(t, "Had a great walk", moments[0].Content)
}

func TestStore_WriteFailureKeepsMemoryState(t *testing.T) {
	dir := t.TempDir()
	p, err := NewPersistence(filepath.Join(dir, "moments.json"))
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(p.Path+".tmp", 0755))
	s := NewStore(nil, p)

	s.CreateUser(newUser("u1"))
	s.Wait()

	_, err = s.User("u1")
	assert.NoError(t, err, "mutation survives the failed write")

	var saveErr *SaveError
	assert.ErrorAs(t, s.Close(), &saveErr)
}

func TestStore_OpenWritesMigratedEnvelopeOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moments.json")
	require.NoError(t, os.WriteFile(path, []byte(v1Envelope), 0600))
	p, err := NewPersistence(path)
	require.NoError(t, err)

	s, err := Open(p)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Counts().Users)

	env, res, err := p.Load()
	require.NoError(t, err)
	assert.Equal(t, 0, res.Migration.Applied, "file already holds the current version")
	assert.Equal(t, schema.CurrentSchemaVersion, env.SchemaVersion)
}

func TestStore_OpenRequiresPersistence(t *testing.T) {
	_, err := Open(nil)
	assert.Error(t, err)
}

func TestStore_RunSavesPeriodically(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moments.json")
	p, err := NewPersistence(path)
	require.NoError(t, err)
	env := schema.NewEnvelope()
	env.Users["u1"] = newUser("u1")
	s := NewStore(env, p, WithSaveInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestStore_Counts(t *testing.T) {
	s := NewStore(nil, nil)
	s.CreateUser(newUser("u1"))
	off := newUser("u2")
	off.Notifications.Enabled = false
	s.CreateUser(off)
	_, _ = s.AddMoment("u1", schema.Moment{Content: "a"})
	now := time.Now()
	require.NoError(t, s.PutJob(schema.Job{UserID: "u1", NextRunAt: now}))
	_, ok := s.ClaimJob("u1", now)
	require.True(t, ok)

	c := s.Counts()
	assert.Equal(t, Counts{Users: 2, Onboarded: 2, Enabled: 1, Moments: 1, Jobs: 1, Executing: 1}, c)
}
