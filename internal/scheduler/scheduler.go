// Package scheduler keeps one pending prompt job per enabled, onboarded user
// and fires due jobs through the delivery collaborator.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/celerix-dev/celerix-moments/internal/clock"
	"github.com/celerix-dev/celerix-moments/internal/engine"
	"github.com/celerix-dev/celerix-moments/internal/logger"
	"github.com/celerix-dev/celerix-moments/pkg/schema"
)

// DefaultTick is how often due jobs are scanned.
const DefaultTick = time.Minute

// ErrNotSchedulable is returned when a user is disabled or not onboarded.
var ErrNotSchedulable = errors.New("user is not schedulable")

// Delivery sends a prompt to a user on the messaging platform.
type Delivery interface {
	SendPrompt(ctx context.Context, p schema.Prompt) error
}

// DeliveryError reports that the prompt of one job could not be delivered.
// The job stays eligible and is retried on the next tick.
type DeliveryError struct {
	UserID string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver prompt to %s: %v", e.UserID, e.Err)
}
func (e *DeliveryError) Unwrap() error { return e.Err }

// JobStore is the part of the durable store the scheduler works on.
type JobStore interface {
	User(id string) (schema.UserProfile, error)
	Users() []schema.UserProfile
	UpdateUser(id string, fn func(u *schema.UserProfile) error) (schema.UserProfile, error)
	Job(userID string) (schema.Job, error)
	Jobs() []schema.Job
	DueJobs(now time.Time) []schema.Job
	PutJob(job schema.Job) error
	ClaimJob(userID string, now time.Time) (schema.Job, bool)
	ReleaseJob(userID string) error
	DeleteJob(userID string) error
}

var _ JobStore = (*engine.Store)(nil)

// PromptBuilder renders the scheduled prompt for a user.
type PromptBuilder func(u schema.UserProfile) schema.Prompt

// Scheduler computes and fires the recurring prompts.
type Scheduler struct {
	store       JobStore
	delivery    Delivery
	clock       clock.Clock
	log         *logger.Logger
	tick        time.Duration
	buildPrompt PromptBuilder
	onPrompted  func(userID string, at time.Time)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithClock(c clock.Clock) Option     { return func(s *Scheduler) { s.clock = c } }
func WithLogger(l *logger.Logger) Option { return func(s *Scheduler) { s.log = l } }
func WithPrompt(b PromptBuilder) Option  { return func(s *Scheduler) { s.buildPrompt = b } }
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// New creates a scheduler over store, delivering through d.
func New(store JobStore, d Delivery, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:       store,
		delivery:    d,
		tick:        DefaultTick,
		buildPrompt: defaultPrompt,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.clock = clock.OrSystem(s.clock)
	if s.log == nil {
		s.log = logger.Nop()
	}
	s.log = s.log.With("component", "Scheduler")
	return s
}

// OnPrompted registers fn to run after every successfully delivered prompt.
// It must be set before Run.
func (s *Scheduler) OnPrompted(fn func(userID string, at time.Time)) {
	s.onPrompted = fn
}

func defaultPrompt(u schema.UserProfile) schema.Prompt {
	return schema.Prompt{UserID: u.ID, Text: "What moment from the last few hours is worth keeping?"}
}

// Schedule replaces the user's job with one computed from now. Users who are
// disabled or not onboarded lose their job and get ErrNotSchedulable.
func (s *Scheduler) Schedule(userID string) (schema.Job, error) {
	u, err := s.store.User(userID)
	if err != nil {
		return schema.Job{}, err
	}
	if !u.Schedulable() {
		s.Unschedule(userID)
		return schema.Job{}, ErrNotSchedulable
	}
	now := s.clock.Now()
	job := schema.Job{
		UserID:      userID,
		Type:        schema.JobMomentPrompt,
		ScheduledAt: now,
		NextRunAt:   ComputeNextRun(u.Notifications, now),
		Status:      schema.JobScheduled,
	}
	if err := s.store.PutJob(job); err != nil {
		return schema.Job{}, err
	}
	s.log.Debug("Job scheduled", "user_id", userID, "next_run_at", job.NextRunAt)
	return job, nil
}

// Unschedule removes the user's job if there is one.
func (s *Scheduler) Unschedule(userID string) {
	if err := s.store.DeleteJob(userID); err != nil && !errors.Is(err, engine.ErrJobNotFound) {
		s.log.Warn("Could not remove job", "user_id", userID, "error", err)
	}
}

// RecoveryReport summarises Recover.
type RecoveryReport struct {
	Rescheduled int
	Released    int
	Purged      int
	Created     int
}

// Recover repairs the persisted jobs at startup. Jobs that fell due while the
// process was down are rescheduled from now instead of fired; jobs of missing
// or unschedulable users are removed; schedulable users without a job get one.
func (s *Scheduler) Recover() RecoveryReport {
	var rep RecoveryReport
	now := s.clock.Now()

	for _, job := range s.store.Jobs() {
		u, err := s.store.User(job.UserID)
		if err != nil || !u.Schedulable() {
			s.Unschedule(job.UserID)
			rep.Purged++
			continue
		}
		switch {
		case !job.NextRunAt.After(now):
			job.ScheduledAt = now
			job.NextRunAt = ComputeNextRun(u.Notifications, now)
			job.Status = schema.JobScheduled
			rep.Rescheduled++
		case job.Status != schema.JobScheduled:
			job.Status = schema.JobScheduled
			rep.Released++
		default:
			continue
		}
		if err := s.store.PutJob(job); err != nil {
			s.log.Warn("Could not repair job", "user_id", job.UserID, "error", err)
		}
	}

	for _, u := range s.store.Users() {
		if !u.Schedulable() {
			continue
		}
		if _, err := s.store.Job(u.ID); err == nil {
			continue
		}
		if _, err := s.Schedule(u.ID); err == nil {
			rep.Created++
		}
	}

	s.log.Info("Recovered scheduled jobs",
		"rescheduled", rep.Rescheduled,
		"released", rep.Released,
		"purged", rep.Purged,
		"created", rep.Created,
	)
	return rep
}

// TickReport summarises one scan.
type TickReport struct {
	Fired    int
	Failed   int
	Deferred int
	Purged   int
}

// Tick fires every job due at the current time. A failing job never stops the
// scan of the others.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	var rep TickReport
	now := s.clock.Now()
	for _, job := range s.store.DueJobs(now) {
		if ctx.Err() != nil {
			break
		}
		s.fire(ctx, job.UserID, now, &rep)
	}
	if rep != (TickReport{}) {
		s.log.Debug("Tick finished", "fired", rep.Fired, "failed", rep.Failed, "deferred", rep.Deferred, "purged", rep.Purged)
	}
	return rep
}

func (s *Scheduler) fire(ctx context.Context, userID string, now time.Time, rep *TickReport) {
	job, ok := s.store.ClaimJob(userID, now)
	if !ok {
		return
	}

	u, err := s.store.User(userID)
	if err != nil {
		s.log.Info("Purging job of deleted user", "user_id", userID)
		s.Unschedule(userID)
		rep.Purged++
		return
	}
	if !u.Schedulable() {
		s.log.Info("Dropping job of disabled user", "user_id", userID)
		s.Unschedule(userID)
		rep.Purged++
		return
	}
	// The window may have moved since the job was computed.
	if !InActiveWindow(u.Notifications, now) {
		job.ScheduledAt = now
		job.NextRunAt = NextActiveTime(u.Notifications, now)
		job.Status = schema.JobScheduled
		if err := s.store.PutJob(job); err != nil {
			s.log.Warn("Could not defer job", "user_id", userID, "error", err)
		}
		rep.Deferred++
		return
	}

	if err := s.delivery.SendPrompt(ctx, s.buildPrompt(u)); err != nil {
		derr := &DeliveryError{UserID: userID, Err: err}
		s.log.Warn("Prompt delivery failed; will retry next tick", "user_id", userID, "error", derr)
		if err := s.store.ReleaseJob(userID); err != nil && !errors.Is(err, engine.ErrJobNotFound) {
			s.log.Warn("Could not release job", "user_id", userID, "error", err)
		}
		rep.Failed++
		return
	}

	next := schema.Job{
		UserID:      userID,
		Type:        job.Type,
		ScheduledAt: now,
		NextRunAt:   ComputeNextRun(u.Notifications, now),
		Status:      schema.JobScheduled,
	}
	if err := s.store.PutJob(next); err != nil {
		// The user was deleted while the prompt was in flight.
		s.log.Debug("Not rescheduling job", "user_id", userID, "error", err)
	}
	if _, err := s.store.UpdateUser(userID, func(u *schema.UserProfile) error {
		u.Stats.PromptsSent++
		at := now
		u.Stats.LastPromptAt = &at
		return nil
	}); err != nil && !errors.Is(err, engine.ErrUserNotFound) {
		s.log.Warn("Could not record prompt stats", "user_id", userID, "error", err)
	}
	rep.Fired++
	if s.onPrompted != nil {
		s.onPrompted(userID, now)
	}
}

// Run scans for due jobs every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	s.log.Info("Scheduler started", "tick", s.tick)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Scheduler stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}
