// Package idgen produces identifiers for tasks, events and stored records.
//
// Every generator is a plain func() string so constructors can take one as a
// startup-time option and tests can swap in a deterministic sequence.
package idgen

import (
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 UUID v7 strings. They sort by
// creation time, which keeps task ids roughly aligned with enqueue order.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends a fixed prefix to every id ("tsk_", "evt_", ...).
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a Generator yielding prefix1, prefix2, ... Used in tests.
func Sequence(prefix string) Generator {
	var n atomic.Int64
	return func() string {
		return prefix + strconv.FormatInt(n.Add(1), 10)
	}
}

// Default is the UUIDv7 generator.
var Default Generator = UUIDv7()

// Task ids are prefixed so they are recognisable in logs and the control API.
var Task Generator = Prefixed("tsk_", Default)

// Event ids identify published task events.
var Event Generator = Prefixed("evt_", Default)

// New produces an id using the Default generator.
func New() string {
	return Default()
}

// Parse validates a UUID string, accepting an optional "xxx_" prefix.
func Parse(s string) (string, error) {
	raw := s
	if len(s) > 4 && s[3] == '_' {
		raw = s[4:]
	}
	if _, err := uuid.Parse(raw); err != nil {
		return "", fmt.Errorf("idgen: invalid id %q: %w", s, err)
	}
	return s, nil
}
