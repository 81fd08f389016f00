package notify

import (
	"context"
	"errors"
	"sync"
)

// ErrInjected is returned by a Recorder told to fail.
var ErrInjected = errors.New("notify: injected delivery failure")

// Recorder is an in-memory Sink and Publisher for tests and development.
// Used as a Publisher it records synchronously, skipping the outbox.
type Recorder struct {
	mu       sync.Mutex
	events   []Event
	failNext int
	calls    int
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Deliver implements Sink.
func (r *Recorder) Deliver(_ context.Context, events []Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failNext > 0 {
		r.failNext--
		return ErrInjected
	}
	r.events = append(r.events, events...)
	return nil
}

// Publish implements Publisher.
func (r *Recorder) Publish(ctx context.Context, events ...Event) {
	_ = r.Deliver(ctx, events) //nolint:errcheck // publish is fire-and-forget
}

// Close implements Sink.
func (r *Recorder) Close() error { return nil }

// FailNext makes the next n deliveries fail.
func (r *Recorder) FailNext(n int) {
	r.mu.Lock()
	r.failNext = n
	r.mu.Unlock()
}

// Calls returns the number of Deliver calls.
func (r *Recorder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByKind returns recorded events of kind.
func (r *Recorder) ByKind(kind Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Recipients returns the recipients of recorded events of kind.
func (r *Recorder) Recipients(kind Kind) []string {
	var out []string
	for _, e := range r.ByKind(kind) {
		out = append(out, e.Recipient)
	}
	return out
}

// Reset forgets everything recorded.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.calls = 0
	r.mu.Unlock()
}
