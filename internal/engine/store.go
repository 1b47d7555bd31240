// Package engine is the durable store of the moments service: the canonical
// in-memory users, moments and jobs, their JSON file persistence, and the
// schema migrations applied when the file is loaded.
package engine

import (
	"errors"
	"fmt"

	"github.com/celerix-dev/celerix-moments/pkg/schema"
)

var (
	// ErrUserNotFound is returned when a requested user does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrMomentNotFound is returned when a requested moment does not exist for the user.
	ErrMomentNotFound = errors.New("moment not found")
	// ErrJobNotFound is returned when the user has no scheduled job.
	ErrJobNotFound = errors.New("job not found")
)

// LoadError reports that the persisted envelope was missing or unusable at
// startup. It is always recovered by starting from an empty envelope.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("load %s: %v", e.Path, e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

// SaveError reports a failed write of the envelope. The in-memory state stays
// authoritative; the next successful save resolves the difference.
type SaveError struct {
	Path string
	Err  error
}

func (e *SaveError) Error() string { return fmt.Sprintf("save %s: %v", e.Path, e.Err) }
func (e *SaveError) Unwrap() error { return e.Err }

// Counts summarises the collections.
type Counts struct {
	Users     int `json:"users"`
	Onboarded int `json:"onboarded"`
	Enabled   int `json:"enabled"`
	Moments   int `json:"moments"`
	Jobs      int `json:"jobs"`
	Executing int `json:"executing"`
}

// Reader is the read-only view handed to administrative readers.
type Reader interface {
	// Users returns every user ordered by id.
	Users() []schema.UserProfile
	// User returns a copy of one user.
	User(id string) (schema.UserProfile, error)
	// Moments returns the user's moments in creation order.
	Moments(userID string) ([]schema.Moment, error)
	// Jobs returns every scheduled job ordered by next run.
	Jobs() []schema.Job
	// Counts summarises the collections.
	Counts() Counts
}

var _ Reader = (*Store)(nil)
