package sdk

import (
	"context"
	"errors"

	"github.com/celerix-dev/celerix-moments/pkg/schema"
)

var (
	// ErrRemote wraps an ERR reply from the bridge.
	ErrRemote = errors.New("bridge error")
	// ErrUnexpectedReply is returned when the bridge answers outside the protocol.
	ErrUnexpectedReply = errors.New("unexpected bridge reply")
)

// Ack is the bridge's answer to one interaction.
type Ack struct {
	Duplicate bool            `json:"duplicate"`
	Mode      string          `json:"mode"`
	Replies   []schema.Prompt `json:"replies,omitempty"`
	Moment    *schema.Moment  `json:"moment,omitempty"`
}

// Sender submits interactions to the bridge.
type Sender interface {
	Send(in schema.Interaction) (Ack, error)
	Close() error
}

// PromptHandler receives outbound prompts.
type PromptHandler func(ctx context.Context, p schema.Prompt)
