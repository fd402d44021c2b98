// Package id defines prefixed identity types for loom execution trees.
//
// IDs are K-sortable (UUIDv7-based), globally unique, and URL-safe in the
// format "prefix_suffix" where the suffix is the hex-encoded UUID without
// dashes.
package id

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Prefix identifies the kind of identifier.
type Prefix string

// Prefix constants.
const (
	PrefixCorrelation Prefix = "corr"
	PrefixWorkflow    Prefix = "wf"
)

// ID is a prefix-qualified identifier.
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receiver for UnmarshalText.
type ID struct {
	prefix Prefix
	uuid   uuid.UUID
	valid  bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new ID with the given prefix.
// It panics if prefix is not valid (programming error).
func New(prefix Prefix) ID {
	if err := validatePrefix(prefix); err != nil {
		panic(fmt.Sprintf("id: invalid prefix %q: %v", prefix, err))
	}
	u, err := uuid.NewV7()
	if err != nil {
		u = uuid.New()
	}
	return ID{prefix: prefix, uuid: u, valid: true}
}

// Parse parses an ID string (e.g., "wf_0192b3c4d5e67f8090a1b2c3d4e5f607").
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	i := strings.LastIndexByte(s, '_')
	if i <= 0 {
		return Nil, fmt.Errorf("id: parse %q: missing prefix", s)
	}

	prefix := Prefix(s[:i])
	if err := validatePrefix(prefix); err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	u, err := uuid.Parse(s[i+1:])
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	return ID{prefix: prefix, uuid: u, valid: true}, nil
}

// ParseWithPrefix parses an ID string and validates that its prefix
// matches the expected value.
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

// MustParse is like Parse but panics on error. Use for hardcoded ID values.
func MustParse(s string) ID {
	parsed, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("id: must parse %q: %v", s, err))
	}

	return parsed
}

func validatePrefix(p Prefix) error {
	if p == "" || len(p) > 32 {
		return fmt.Errorf("prefix must be 1-32 characters")
	}
	for _, r := range p {
		if (r < 'a' || r > 'z') && r != '_' {
			return fmt.Errorf("prefix must contain only lowercase letters and underscores")
		}
	}
	if p[0] == '_' || p[len(p)-1] == '_' {
		return fmt.Errorf("prefix must not start or end with an underscore")
	}
	return nil
}

// ──────────────────────────────────────────────────
// Convenience constructors
// ──────────────────────────────────────────────────

// NewCorrelationID generates a new correlation ID.
func NewCorrelationID() ID { return New(PrefixCorrelation) }

// NewWorkflowID generates a new workflow ID.
func NewWorkflowID() ID { return New(PrefixWorkflow) }

// ParseCorrelationID parses a string and validates the "corr" prefix.
func ParseCorrelationID(s string) (ID, error) { return ParseWithPrefix(s, PrefixCorrelation) }

// ParseWorkflowID parses a string and validates the "wf" prefix.
func ParseWorkflowID(s string) (ID, error) { return ParseWithPrefix(s, PrefixWorkflow) }

// ──────────────────────────────────────────────────
// ID methods
// ──────────────────────────────────────────────────

// String returns the full "prefix_suffix" representation.
// Returns an empty string for the Nil ID.
func (i ID) String() string {
	if !i.valid {
		return ""
	}

	return string(i.prefix) + "_" + strings.ReplaceAll(i.uuid.String(), "-", "")
}

// Prefix returns the prefix component of this ID.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}

	return i.prefix
}

// UUID returns the underlying UUID.
func (i ID) UUID() uuid.UUID { return i.uuid }

// IsNil reports whether this ID is the zero value.
func (i ID) IsNil() bool {
	return !i.valid
}

// MarshalText implements encoding.TextMarshaler.
func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
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
