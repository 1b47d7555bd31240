package schema

import "time"

// SourceKind tells how a moment was captured.
type SourceKind string

const (
	SourceText  SourceKind = "text"
	SourceVoice SourceKind = "voice"
)

// Moment is a single captured user entry. Moments are immutable once created.
type Moment struct {
	ID        int64      `json:"id"`
	Content   string     `json:"content"`
	Tags      []string   `json:"tags"`
	CreatedAt time.Time  `json:"createdAt"`
	Source    SourceKind `json:"source"`
	Embedding []float32  `json:"embedding,omitempty"`
}
