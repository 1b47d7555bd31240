package schema

// InteractionKind classifies an inbound interaction from the messaging platform.
type InteractionKind string

const (
	InteractionMessage  InteractionKind = "message"
	InteractionVoice    InteractionKind = "voice"
	InteractionCommand  InteractionKind = "command"
	InteractionButton   InteractionKind = "button"
	InteractionDeepLink InteractionKind = "deeplink"
)

// Interaction is one inbound event. ID is the platform's identifier and is
// what duplicate suppression keys on.
type Interaction struct {
	ID     string          `json:"id"`
	UserID string          `json:"userId"`
	Kind   InteractionKind `json:"kind"`
	// Text carries the message body, or the voice reference for voice messages.
	Text    string   `json:"text,omitempty"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	// Action is the button action or the deep-link payload.
	Action string `json:"action,omitempty"`
	Locale string `json:"locale,omitempty"`
}

// Control is a button offered alongside a prompt.
type Control struct {
	Action string `json:"action"`
	Label  string `json:"label"`
}

// Prompt is an outbound message to a user.
type Prompt struct {
	UserID   string    `json:"userId"`
	Text     string    `json:"text"`
	Controls []Control `json:"controls,omitempty"`
}
