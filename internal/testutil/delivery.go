package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/celerix-dev/celerix-moments/pkg/schema"
)

// ErrDeliveryDown is returned by RecordingDelivery for failing users.
var ErrDeliveryDown = errors.New("delivery unavailable")

// RecordingDelivery captures every prompt sent and can be told to fail for
// specific users.
type RecordingDelivery struct {
	mu      sync.Mutex
	prompts []schema.Prompt
	failFor map[string]bool
}

func NewRecordingDelivery() *RecordingDelivery {
	return &RecordingDelivery{failFor: make(map[string]bool)}
}

// FailFor makes deliveries to userID fail until cleared with fail=false.
func (d *RecordingDelivery) FailFor(userID string, fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failFor[userID] = fail
}

func (d *RecordingDelivery) SendPrompt(_ context.Context, p schema.Prompt) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failFor[p.UserID] {
		return ErrDeliveryDown
	}
	d.prompts = append(d.prompts, p)
	return nil
}

// Prompts returns a copy of everything delivered so far.
func (d *RecordingDelivery) Prompts() []schema.Prompt {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]schema.Prompt(nil), d.prompts...)
}

// For returns the prompts delivered to userID.
func (d *RecordingDelivery) For(userID string) []schema.Prompt {
	var out []schema.Prompt
	for _, p := range d.Prompts() {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out
}

// Last returns the latest prompt delivered to userID.
func (d *RecordingDelivery) Last(userID string) (schema.Prompt, bool) {
	list := d.For(userID)
	if len(list) == 0 {
		return schema.Prompt{}, false
	}
	return list[len(list)-1], true
}
