// Package ids generates unique identifiers for messages and trace spans.
package ids

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

type (
	// Generator produces globally unique identifiers.
	Generator interface {
		NewID() string
	}

	// GeneratorFunc adapts a function to the Generator interface.
	GeneratorFunc func() string

	uuidV7 struct{}

	sequential struct {
		prefix string
		n      atomic.Uint64
	}
)

// NewID implements Generator.
func (f GeneratorFunc) NewID() string { return f() }

// UUIDv7 returns a Generator producing time-ordered RFC 9562 version 7 UUIDs.
func UUIDv7() Generator {
	return uuidV7{}
}

func (uuidV7) NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source fails; fall back to v4
		// which panics in the same situation.
		return uuid.NewString()
	}
	return id.String()
}

// Sequential returns a deterministic Generator yielding prefix-1, prefix-2,
// and so on. It is safe for concurrent use and intended for tests.
func Sequential(prefix string) Generator {
	return &sequential{prefix: prefix}
}

func (s *sequential) NewID() string {
	return fmt.Sprintf("%s-%d", s.prefix, s.n.Add(1))
}
