// Package id defines prefixed identity types for all Docflow entities.
//
// Every entity uses a single ID struct with a prefix that identifies the
// entity type. IDs wrap a UUIDv7, so they are K-sortable, globally unique,
// and URL-safe in the format "prefix_<32 hex chars>".
package id

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Prefix identifies the entity type encoded in an ID.
type Prefix string

// Prefix constants for all Docflow entity types.
const (
	PrefixJob        Prefix = "cjob"
	PrefixWorker     Prefix = "wkr"
	PrefixAudit      Prefix = "aud"
	PrefixSubscriber Prefix = "sub"
)

// ID is the primary identifier type for all Docflow entities.
//
//nolint:recvcheck // Value receivers for read-only methods, pointer receivers for UnmarshalText/Scan.
type ID struct {
	prefix Prefix
	uuid   uuid.UUID
	valid  bool
}

// Nil is the zero-value ID.
var Nil ID

// New generates a new globally unique ID with the given prefix.
// It panics if prefix is invalid or the UUID source fails (programming error).
func New(prefix Prefix) ID {
	if !validPrefix(string(prefix)) {
		panic(fmt.Sprintf("id: invalid prefix %q", prefix))
	}

	u, err := uuid.NewV7()
	if err != nil {
		panic(fmt.Sprintf("id: generate %q: %v", prefix, err))
	}

	return ID{prefix: prefix, uuid: u, valid: true}
}

// Parse parses an ID string (e.g., "cjob_0192f1c5a8b27c3e9d1f4a6b8c0d2e4f").
func Parse(s string) (ID, error) {
	if s == "" {
		return Nil, fmt.Errorf("id: parse %q: empty string", s)
	}

	prefix, suffix, ok := strings.Cut(s, "_")
	if !ok || !validPrefix(prefix) {
		return Nil, fmt.Errorf("id: parse %q: missing or invalid prefix", s)
	}
	if len(suffix) != 32 {
		return Nil, fmt.Errorf("id: parse %q: suffix must be 32 hex characters", s)
	}

	u, err := uuid.Parse(suffix)
	if err != nil {
		return Nil, fmt.Errorf("id: parse %q: %w", s, err)
	}

	return ID{prefix: Prefix(prefix), uuid: u, valid: true}, nil
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

func validPrefix(p string) bool {
	if p == "" || len(p) > 16 {
		return false
	}
	for _, r := range p {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	return true
}

// ──────────────────────────────────────────────────
// Type aliases
// ──────────────────────────────────────────────────

// JobID identifies a conversion job (prefix: "cjob").
type JobID = ID

// WorkerID identifies a worker pool instance (prefix: "wkr").
type WorkerID = ID

// AuditID identifies an audit record (prefix: "aud").
type AuditID = ID

// SubscriberID identifies a progress subscriber (prefix: "sub").
type SubscriberID = ID

// ──────────────────────────────────────────────────
// Convenience constructors and parsers
// ──────────────────────────────────────────────────

// NewJobID generates a new unique job ID.
func NewJobID() ID { return New(PrefixJob) }

// NewWorkerID generates a new unique worker ID.
func NewWorkerID() ID { return New(PrefixWorker) }

// NewAuditID generates a new unique audit record ID.
func NewAuditID() ID { return New(PrefixAudit) }

// NewSubscriberID generates a new unique subscriber ID.
func NewSubscriberID() ID { return New(PrefixSubscriber) }

// ParseJobID parses a string and validates the "cjob" prefix.
func ParseJobID(s string) (ID, error) { return ParseWithPrefix(s, PrefixJob) }

// ParseWorkerID parses a string and validates the "wkr" prefix.
func ParseWorkerID(s string) (ID, error) { return ParseWithPrefix(s, PrefixWorker) }

// ──────────────────────────────────────────────────
// ID methods
// ──────────────────────────────────────────────────

// String returns the full "prefix_suffix" representation.
// Returns an empty string for the Nil ID.
func (i ID) String() string {
	if !i.valid {
		return ""
	}

	return string(i.prefix) + "_" + hex.EncodeToString(i.uuid[:])
}

// Prefix returns the prefix component of this ID.
func (i ID) Prefix() Prefix {
	if !i.valid {
		return ""
	}

	return i.prefix
}

// UUID returns the underlying UUIDv7.
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

// Value implements driver.Valuer for database storage.
func (i ID) Value() (driver.Value, error) {
	if !i.valid {
		return nil, nil //nolint:nilnil // nil is the canonical NULL for driver.Valuer
	}

	return i.String(), nil
}

// Scan implements sql.Scanner for database retrieval.
func (i *ID) Scan(src any) error {
	if src == nil {
		*i = Nil

		return nil
	}

	switch v := src.(type) {
	case string:
		return i.UnmarshalText([]byte(v))
	case []byte:
		return i.UnmarshalText(v)
	default:
		return fmt.Errorf("id: cannot scan %T into ID", src)
	}
}
