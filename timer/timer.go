// Package timer defines delayed work shared by every replica: entries in
// one time-ordered index, each with a kind that selects its handler.
package timer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind selects the handler for an entry.
type Kind string

const (
	// KindExpiry ends a request that timed out.
	KindExpiry Kind = "expiry"
	// KindRadiusStep widens a request's search to its next step.
	KindRadiusStep Kind = "radius-step"
)

// Entry is one scheduled piece of delayed work.
type Entry struct {
	Key     string          `json:"key"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	DueAt   time.Time       `json:"due_at"`

	// Token changes every time the key is (re)scheduled. Completion and
	// retry are conditional on it, so a handler that reschedules its own
	// key is not undone by the worker finishing the previous run.
	Token string `json:"token"`

	// Attempt counts failed runs of this token.
	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"created_at"`
}

// NewEntry builds an entry with a JSON payload and a fresh token.
func NewEntry(key string, kind Kind, payload any, dueAt time.Time) (*Entry, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("timer: encode payload for %s: %w", key, err)
		}
		raw = b
	}
	return &Entry{
		Key:       key,
		Kind:      kind,
		Payload:   raw,
		DueAt:     dueAt.UTC(),
		Token:     uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// ExpiryKey is the key of a request's expiry timer.
func ExpiryKey(requestID string) string { return "expiry:" + requestID }

// RadiusKey is the key of a request's radius timer. A request has at most
// one pending radius timer; each step replaces it with the next.
func RadiusKey(requestID string) string { return "radius:" + requestID }

// RequestID returns the request a key from ExpiryKey or RadiusKey belongs
// to, or "" for any other key.
func RequestID(key string) string {
	for _, prefix := range []string{"expiry:", "radius:"} {
		if strings.HasPrefix(key, prefix) {
			return key[len(prefix):]
		}
	}
	return ""
}

// RequestKeys returns every timer key owned by a request.
func RequestKeys(requestID string) []string {
	return []string{ExpiryKey(requestID), RadiusKey(requestID)}
}
