package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-moments/internal/clock"
	"github.com/celerix-dev/celerix-moments/internal/logger"
	"github.com/celerix-dev/celerix-moments/pkg/schema"
)

// DefaultSaveInterval is the period of the safety-net save.
const DefaultSaveInterval = 5 * time.Minute

// Store is the single source of truth for users, moments and jobs.
//
// Every mutation snapshots the collections and writes them in the background;
// Run adds a periodic save and Close a final synchronous one. A failed write is
// logged and never undoes the mutation.
type Store struct {
	mu      sync.RWMutex
	users   map[string]*schema.UserProfile
	moments map[string][]schema.Moment
	jobs    map[string]*schema.Job
	gen     uint64

	persister    *Persistence
	clock        clock.Clock
	log          *logger.Logger
	saveInterval time.Duration
	wg           sync.WaitGroup
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock sets the clock used for timestamps.
func WithClock(c clock.Clock) StoreOption { return func(s *Store) { s.clock = c } }

// WithStoreLogger sets the logger.
func WithStoreLogger(l *logger.Logger) StoreOption { return func(s *Store) { s.log = l } }

// WithSaveInterval sets the period of the safety-net save.
func WithSaveInterval(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.saveInterval = d
		}
	}
}

// NewStore builds a store from an envelope. env and p may be nil; without a
// persister the store is memory only.
func NewStore(env *schema.Envelope, p *Persistence, opts ...StoreOption) *Store {
	if env == nil {
		env = schema.NewEnvelope()
	}
	s := &Store{
		users:        make(map[string]*schema.UserProfile, len(env.Users)),
		moments:      make(map[string][]schema.Moment, len(env.Moments)),
		jobs:         make(map[string]*schema.Job, len(env.ScheduledJobs)),
		persister:    p,
		saveInterval: DefaultSaveInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = clock.OrSystem(s.clock)
	if s.log == nil {
		s.log = logger.Nop()
	}
	s.log = s.log.With("component", "Store")

	for id, u := range env.Users {
		u := u
		s.users[id] = &u
	}
	for id, list := range env.Moments {
		s.moments[id] = append([]schema.Moment(nil), list...)
	}
	for id, j := range env.ScheduledJobs {
		j := j
		s.jobs[id] = &j
	}
	return s
}

// Open loads the envelope through p and builds the store. A LoadError is
// logged and recovered with an empty envelope; a migrated envelope is written
// back once.
func Open(p *Persistence, opts ...StoreOption) (*Store, error) {
	if p == nil {
		return nil, errors.New("engine: persistence is required")
	}
	env, res, err := p.Load()
	s := NewStore(env, p, opts...)

	var loadErr *LoadError
	switch {
	case errors.As(err, &loadErr) && IsNotExist(err):
		s.log.Warn("No state file; starting with an empty envelope", "path", p.Path)
	case err != nil && res.Fresh:
		s.log.Warn("Could not load state; starting with an empty envelope", "path", p.Path, "error", err)
	case err != nil:
		s.log.Warn("Loaded a partially migrated envelope", "path", p.Path, "error", err)
	}

	s.log.Info("Store loaded",
		"users", len(env.Users),
		"jobs", len(env.ScheduledJobs),
		"schema_version", env.SchemaVersion,
		"migrations", res.Migration.Applied,
	)
	if res.Migration.Changed() || res.Fresh {
		if err := s.SaveNow(); err != nil {
			s.log.Error("Initial save failed", "error", err)
		}
	}
	return s, nil
}

// Wait waits for all background persistence tasks to complete.
func (s *Store) Wait() {
	s.wg.Wait()
}

// Run performs the periodic safety-net save until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.saveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.SaveNow(); err != nil {
				s.log.Error("Periodic save failed", "error", err)
			}
		}
	}
}

// SaveNow writes the current state synchronously.
func (s *Store) SaveNow() error {
	if s.persister == nil {
		return nil
	}
	s.mu.Lock()
	env, gen := s.snapshotLocked()
	s.mu.Unlock()
	return s.persister.Save(env, gen)
}

// Close drains background writes and performs the final synchronous save.
func (s *Store) Close() error {
	s.Wait()
	if err := s.SaveNow(); err != nil {
		s.log.Error("Final save failed", "error", err)
		return err
	}
	return nil
}

// --- Users ---

func (s *Store) User(id string) (schema.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return schema.UserProfile{}, ErrUserNotFound
	}
	return cloneUser(u), nil
}

func (s *Store) Users() []schema.UserProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.UserProfile, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, cloneUser(u))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateUser stores u unless a user with the same id exists. It reports
// whether the user was created.
func (s *Store) CreateUser(u schema.UserProfile) (schema.UserProfile, bool) {
	s.mu.Lock()
	if existing, ok := s.users[u.ID]; ok {
		out := cloneUser(existing)
		s.mu.Unlock()
		return out, false
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.clock.Now()
	}
	stored := cloneUser(&u)
	s.users[u.ID] = &stored
	env, gen := s.snapshotLocked()
	s.mu.Unlock()

	s.persistAsync(env, gen)
	return cloneUser(&stored), true
}

// UpdateUser applies fn to the stored user. When fn fails nothing changes.
func (s *Store) UpdateUser(id string, fn func(u *schema.UserProfile) error) (schema.UserProfile, error) {
	s.mu.Lock()
	u, ok := s.users[id]
	if !ok {
		s.mu.Unlock()
		return schema.UserProfile{}, ErrUserNotFound
	}
	draft := cloneUser(u)
	if err := fn(&draft); err != nil {
		s.mu.Unlock()
		return schema.UserProfile{}, err
	}
	draft.ID = id
	s.users[id] = &draft
	env, gen := s.snapshotLocked()
	s.mu.Unlock()

	s.persistAsync(env, gen)
	return cloneUser(&draft), nil
}

// DeleteUser removes the user together with their moments and job.
func (s *Store) DeleteUser(id string) error {
	s.mu.Lock()
	_, ok := s.users[id]
	_, hasMoments := s.moments[id]
	_, hasJob := s.jobs[id]
	if !ok && !hasMoments && !hasJob {
		s.mu.Unlock()
		return ErrUserNotFound
	}
	delete(s.users, id)
	delete(s.moments, id)
	delete(s.jobs, id)
	env, gen := s.snapshotLocked()
	s.mu.Unlock()

	s.persistAsync(env, gen)
	if !ok {
		return ErrUserNotFound
	}
	return nil
}

// --- Moments ---

// AddMoment appends a moment for the user, assigning the next id of the
// user's sequence, and updates the capture statistics.
func (s *Store) AddMoment(userID string, m schema.Moment) (schema.Moment, error) {
	s.mu.Lock()
	u, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return schema.Moment{}, ErrUserNotFound
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.clock.Now()
	}
	if m.Source == "" {
		m.Source = schema.SourceText
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	u.Stats.MomentSeq++
	m.ID = u.Stats.MomentSeq
	u.Stats.MomentsCaptured++
	at := m.CreatedAt
	u.Stats.LastMomentAt = &at
	s.moments[userID] = append(s.moments[userID], m)
	env, gen := s.snapshotLocked()
	s.mu.Unlock()

	s.persistAsync(env, gen)
	return m, nil
}

func (s *Store) Moments(userID string) ([]schema.Moment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.users[userID]; !ok {
		return nil, ErrUserNotFound
	}
	return append([]schema.Moment{}, s.moments[userID]...), nil
}

// RecentMoments returns up to n of the user's latest moments, newest first.
func (s *Store) RecentMoments(userID string, n int) ([]schema.Moment, error) {
	list, err := s.Moments(userID)
	if err != nil {
		return nil, err
	}
	out := make([]schema.Moment, 0, n)
	for i := len(list) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

func (s *Store) Moment(userID string, id int64) (schema.Moment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.moments[userID] {
		if m.ID == id {
			return m, nil
		}
	}
	return schema.Moment{}, ErrMomentNotFound
}

func (s *Store) DeleteMoment(userID string, id int64) error {
	s.mu.Lock()
	list := s.moments[userID]
	idx := -1
	for i, m := range list {
		if m.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return ErrMomentNotFound
	}
	s.moments[userID] = append(list[:idx:idx], list[idx+1:]...)
	env, gen := s.snapshotLocked()
	s.mu.Unlock()

	s.persistAsync(env, gen)
	return nil
}

// --- Jobs ---

func (s *Store) Job(userID string) (schema.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[userID]
	if !ok {
		return schema.Job{}, ErrJobNotFound
	}
	return *j, nil
}

func (s *Store) Jobs() []schema.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sortJobs(out)
	return out
}

// DueJobs returns the scheduled jobs whose next run is at or before now.
func (s *Store) DueJobs(now time.Time) []schema.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []schema.Job
	for _, j := range s.jobs {
		if j.Due(now) {
			out = append(out, *j)
		}
	}
	sortJobs(out)
	return out
}

// PutJob stores job as the user's only job, replacing any previous one.
func (s *Store) PutJob(job schema.Job) error {
	s.mu.Lock()
	if _, ok := s.users[job.UserID]; !ok {
		s.mu.Unlock()
		return ErrUserNotFound
	}
	if job.Type == "" {
		job.Type = schema.JobMomentPrompt
	}
	if job.Status == "" {
		job.Status = schema.JobScheduled
	}
	s.jobs[job.UserID] = &job
	env, gen := s.snapshotLocked()
	s.mu.Unlock()

	s.persistAsync(env, gen)
	return nil
}

// ClaimJob marks the user's job executing if it is still due at now. The
// check and the transition happen under one lock, so a job is claimed once.
func (s *Store) ClaimJob(userID string, now time.Time) (schema.Job, bool) {
	s.mu.Lock()
	j, ok := s.jobs[userID]
	if !ok || !j.Due(now) {
		s.mu.Unlock()
		return schema.Job{}, false
	}
	j.Status = schema.JobExecuting
	claimed := *j
	env, gen := s.snapshotLocked()
	s.mu.Unlock()

	s.persistAsync(env, gen)
	return claimed, true
}

// ReleaseJob returns an executing job to scheduled so it is retried.
func (s *Store) ReleaseJob(userID string) error {
	s.mu.Lock()
	j, ok := s.jobs[userID]
	if !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	j.Status = schema.JobScheduled
	env, gen := s.snapshotLocked()
	s.mu.Unlock()

	s.persistAsync(env, gen)
	return nil
}

func (s *Store) DeleteJob(userID string) error {
	s.mu.Lock()
	if _, ok := s.jobs[userID]; !ok {
		s.mu.Unlock()
		return ErrJobNotFound
	}
	delete(s.jobs, userID)
	env, gen := s.snapshotLocked()
	s.mu.Unlock()

	s.persistAsync(env, gen)
	return nil
}

// --- Reporting ---

func (s *Store) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := Counts{Users: len(s.users), Jobs: len(s.jobs)}
	for _, u := range s.users {
		if u.OnboardingCompleted {
			c.Onboarded++
		}
		if u.Notifications.Enabled {
			c.Enabled++
		}
	}
	for _, list := range s.moments {
		c.Moments += len(list)
	}
	for _, j := range s.jobs {
		if j.Status == schema.JobExecuting {
			c.Executing++
		}
	}
	return c
}

// Snapshot returns a deep copy of the collections as an envelope.
func (s *Store) Snapshot() *schema.Envelope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.envelopeLocked()
}

// snapshotLocked copies the state for a background write.
// It MUST be called while holding s.mu.Lock.
func (s *Store) snapshotLocked() (*schema.Envelope, uint64) {
	s.gen++
	return s.envelopeLocked(), s.gen
}

// envelopeLocked MUST be called while holding s.mu (read or write).
func (s *Store) envelopeLocked() *schema.Envelope {
	env := schema.NewEnvelope()
	env.SavedAt = s.clock.Now()
	for id, u := range s.users {
		env.Users[id] = cloneUser(u)
	}
	for id, list := range s.moments {
		env.Moments[id] = append([]schema.Moment{}, list...)
	}
	for id, j := range s.jobs {
		env.ScheduledJobs[id] = *j
	}
	return env
}

func (s *Store) persistAsync(env *schema.Envelope, gen uint64) {
	if s.persister == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.persister.Save(env, gen); err != nil {
			s.log.Error("Save failed; keeping in-memory state", "gen", gen, "error", err)
		}
	}()
}

func cloneUser(u *schema.UserProfile) schema.UserProfile {
	out := *u
	if u.Stats.LastPromptAt != nil {
		t := *u.Stats.LastPromptAt
		out.Stats.LastPromptAt = &t
	}
	if u.Stats.LastMomentAt != nil {
		t := *u.Stats.LastMomentAt
		out.Stats.LastMomentAt = &t
	}
	return out
}

func sortJobs(jobs []schema.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].NextRunAt.Equal(jobs[j].NextRunAt) {
			return jobs[i].UserID < jobs[j].UserID
		}
		return jobs[i].NextRunAt.Before(jobs[j].NextRunAt)
	})
}
