package schema

import "time"

// JobKind identifies what a scheduled job does when it fires.
type JobKind string

// JobMomentPrompt asks the user to capture a moment.
const JobMomentPrompt JobKind = "moment_prompt"

// JobStatus is the lifecycle state of a scheduled job.
type JobStatus string

const (
	JobScheduled JobStatus = "scheduled"
	JobExecuting JobStatus = "executing"
)

// Job is the single pending prompt of a user.
type Job struct {
	UserID      string    `json:"userId"`
	Type        JobKind   `json:"jobType"`
	ScheduledAt time.Time `json:"scheduledAt"`
	NextRunAt   time.Time `json:"nextRunAt"`
	Status      JobStatus `json:"status"`
}

// Due reports whether the job should fire at now.
func (j Job) Due(now time.Time) bool {
	return j.Status == JobScheduled && !j.NextRunAt.After(now)
}
