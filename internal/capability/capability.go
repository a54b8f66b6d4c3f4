// Package capability provides the unforgeable token that gates engine-only
// operations.
//
// A Token is created once by the engine's composition root and passed
// explicitly to privileged components. Operations that must only be driven by
// the engine itself (advancing frame/tick registries, starting the threading
// core) take the token as a parameter and panic with a protocol violation if
// handed any other instance.
package capability

import (
	"github.com/roach88/enginecore/internal/fault"
)

type secret struct {
	_ byte // non-zero size so every allocation has a distinct address
}

// Token is an opaque capability. The zero Token is never valid.
type Token struct {
	s *secret
}

// New creates a fresh token. Two tokens are equal only if one was copied from
// the other.
func New() Token {
	return Token{s: &secret{}}
}

// Valid reports whether t was produced by New.
func (t Token) Valid() bool {
	return t.s != nil
}

// Check panics with a protocol violation unless presented is t.
// op names the guarded operation for the diagnostic.
func (t Token) Check(presented Token, op string) {
	if t.s == nil {
		panic(fault.Violation("%s: component holds no capability token", op))
	}
	if presented.s != t.s {
		panic(fault.Violation("%s: called without the engine capability token", op))
	}
}
