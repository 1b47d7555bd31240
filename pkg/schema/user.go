// Package schema defines the entities the moments service persists.
// Every type here is also its own wire format inside the persisted envelope.
package schema

import "time"

// Addressing is how prompts address the user.
type Addressing string

const (
	AddressFormal   Addressing = "formal"
	AddressInformal Addressing = "informal"
)

// NotificationSettings control when a user is prompted.
// ActiveStart/ActiveEnd are local times of day in Timezone, which is either an
// IANA zone name or a fixed offset such as "+03:00".
type NotificationSettings struct {
	IntervalHours int       `json:"intervalHours"`
	ActiveStart   TimeOfDay `json:"activeStart"`
	ActiveEnd     TimeOfDay `json:"activeEnd"`
	Timezone      string    `json:"timezone"`
	Enabled       bool      `json:"enabled"`
}

// UserStats is the aggregate statistics block of a user.
type UserStats struct {
	PromptsSent          int        `json:"promptsSent"`
	MomentsCaptured      int        `json:"momentsCaptured"`
	Responses            int        `json:"responses"`
	TotalResponseSeconds float64    `json:"totalResponseSeconds"`
	LastPromptAt         *time.Time `json:"lastPromptAt,omitempty"`
	LastMomentAt         *time.Time `json:"lastMomentAt,omitempty"`
	// MomentSeq is the last moment id handed out; ids are never reused.
	MomentSeq int64 `json:"momentSeq"`
}

// UserProfile represents a registered user of the companion.
type UserProfile struct {
	ID                  string               `json:"id"`
	Locale              string               `json:"locale"`
	Addressing          Addressing           `json:"addressing"`
	Notifications       NotificationSettings `json:"notifications"`
	OnboardingCompleted bool                 `json:"onboardingCompleted"`
	CreatedAt           time.Time            `json:"createdAt"`
	Stats               UserStats            `json:"stats"`
}

// Schedulable reports whether the user should have a pending prompt job.
func (u *UserProfile) Schedulable() bool {
	return u.OnboardingCompleted && u.Notifications.Enabled && u.Notifications.IntervalHours > 0
}

// AverageResponse returns the mean latency between a prompt and the captured answer.
func (u *UserProfile) AverageResponse() time.Duration {
	if u.Stats.Responses == 0 {
		return 0
	}
	secs := u.Stats.TotalResponseSeconds / float64(u.Stats.Responses)
	return time.Duration(secs * float64(time.Second))
}
