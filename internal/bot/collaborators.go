package bot

import (
	"context"

	"github.com/celerix-dev/celerix-moments/internal/texts"
	"github.com/celerix-dev/celerix-moments/pkg/schema"
)

// Delivery sends a message to a user on the messaging platform.
type Delivery interface {
	SendPrompt(ctx context.Context, p schema.Prompt) error
}

// Renderer produces user-facing text.
type Renderer interface {
	Render(locale string, addr schema.Addressing, key texts.Key, args ...any) string
}

// Tagger derives tags for new moment content.
type Tagger interface {
	Tags(ctx context.Context, content string) ([]string, error)
}

// Searcher finds the moments matching a free-text query, best match first.
type Searcher interface {
	Search(ctx context.Context, moments []schema.Moment, query string) ([]schema.Moment, error)
}

// Responder answers a message in free dialogue. recent carries the user's
// latest moments as context.
type Responder interface {
	Respond(ctx context.Context, u schema.UserProfile, message string, recent []schema.Moment) (string, error)
}

// Transcriber turns a platform voice reference into text.
type Transcriber interface {
	Transcribe(ctx context.Context, ref string) (string, error)
}

// Embedder computes the embedding vector stored with a moment.
type Embedder interface {
	Embed(ctx context.Context, content string) ([]float32, error)
}

// Store is the part of the durable store the bot mutates.
type Store interface {
	User(id string) (schema.UserProfile, error)
	CreateUser(u schema.UserProfile) (schema.UserProfile, bool)
	UpdateUser(id string, fn func(u *schema.UserProfile) error) (schema.UserProfile, error)
	DeleteUser(id string) error
	AddMoment(userID string, m schema.Moment) (schema.Moment, error)
	Moments(userID string) ([]schema.Moment, error)
	RecentMoments(userID string, n int) ([]schema.Moment, error)
}

// Scheduler keeps a user's prompt job in line with their settings.
type Scheduler interface {
	Schedule(userID string) (schema.Job, error)
	Unschedule(userID string)
}
