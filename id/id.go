// Package id defines the prefixed identifiers of haul entities.
//
// Identifiers are TypeIDs: a short entity prefix plus a UUIDv7 suffix,
// written "req_01h455vb4pex5vsknk084sn02q". They sort by creation time and
// are safe in URLs, Redis keys and JSON.
package id

import (
	"fmt"

	"go.jetify.com/typeid/v2"
)

// Prefix identifies the entity type encoded in a TypeID.
type Prefix string

// Entity prefixes.
const (
	PrefixRequest    Prefix = "req"
	PrefixDemandUnit Prefix = "du"
	PrefixAssignment Prefix = "asg"
	PrefixWorker     Prefix = "wkr"
	PrefixLease      Prefix = "lse"
)

// ID is a prefixed identifier. The zero value is Nil and renders as "".
//
//nolint:recvcheck // UnmarshalText needs a pointer receiver.
type ID struct {
	inner typeid.TypeID
	valid bool
}

// Nil is the zero-value ID.
var Nil ID

// RequestID identifies a broadcast request.
type RequestID = ID

// DemandUnitID identifies one truck slot of a request.
type DemandUnitID = ID

// AssignmentID identifies a winning acceptance.
type AssignmentID = ID

// WorkerID identifies one engine replica's timer pool.
type WorkerID = ID

// New generates an ID with prefix. It panics on an invalid prefix, which
// can only come from a constant above being edited wrongly.
func New(prefix Prefix) ID {
	tid, err := typeid.Generate(string(prefix))
	if err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	return ID{inner: tid, valid: true}
}

func NewRequestID() ID    { return New(PrefixRequest) }
func NewDemandUnitID() ID { return New(PrefixDemandUnit) }
func NewAssignmentID() ID { return New(PrefixAssignment) }
func NewWorkerID() ID     { return New(PrefixWorker) }

// NewLeaseToken returns a fresh lease owner token. Tokens are never parsed
// back, only compared.
func NewLeaseToken() string { return New(PrefixLease).String() }

// Parse parses any TypeID string.
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse: empty string")
	}
	tid, err := typeid.Parse(s)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}
	return ID{inner: tid, valid: true}, nil
}

// ParseWithPrefix parses s and rejects it unless its prefix is expected,
// so a demand unit id can never be used where a request id belongs.
func ParseWithPrefix(s string, expected Prefix) (ID, error) {
	parsed, err := Parse(s)
	if err != nil {
		return Nil, err
	}
	if parsed.Prefix() != expected {
		return Nil, fmt.Errorf("id: expected prefix %q, got %q", expected, parsed.Prefix())
	}
	return parsed, nil
}

func ParseRequestID(s string) (ID, error)    { return ParseWithPrefix(s, PrefixRequest) }
func ParseDemandUnitID(s string) (ID, error) { return ParseWithPrefix(s, PrefixDemandUnit) }
func ParseAssignmentID(s string) (ID, error) { return ParseWithPrefix(s, PrefixAssignment) }

// String returns "prefix_suffix", or "" for Nil.
func (i ID) String() string {
	if !i.valid {
		return ""
	}
	return i.inner.String()
}

// Prefix returns the entity prefix, or "" for Nil.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}
	return Prefix(i.inner.Prefix())
}

// IsNil reports whether i is the zero value.
func (i ID) IsNil() bool { return !i.valid }

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Empty text is Nil.
func (i *ID) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*i = Nil
		return nil
	}
	parsed, err := Parse(string(data))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
