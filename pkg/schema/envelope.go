package schema

import "time"

// CurrentSchemaVersion is the envelope version this build reads and writes.
const CurrentSchemaVersion = 4

// Envelope is the top-level persisted document.
type Envelope struct {
	SchemaVersion int                    `json:"schemaVersion"`
	Users         map[string]UserProfile `json:"users"`
	Moments       map[string][]Moment    `json:"moments"`
	ScheduledJobs map[string]Job         `json:"scheduledJobs"`
	SavedAt       time.Time              `json:"savedAt"`
}

// NewEnvelope returns an empty envelope at the current schema version.
func NewEnvelope() *Envelope {
	return &Envelope{
		SchemaVersion: CurrentSchemaVersion,
		Users:         make(map[string]UserProfile),
		Moments:       make(map[string][]Moment),
		ScheduledJobs: make(map[string]Job),
	}
}
