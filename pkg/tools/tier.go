package tools

import (
	"fmt"
	"strings"
)

// TrustTier classifies how much human oversight a tool needs before it
// takes effect. The zero value is deliberately invalid so a definition that
// forgets its tier fails registration instead of auto-executing.
type TrustTier int

const (
	tierUnset TrustTier = iota
	// T1 executes immediately.
	T1
	// T2 executes once the soft-confirm window passes without a rejection.
	T2
	// T3 executes only after an explicit confirmation.
	T3
)

// Tiers lists every valid tier in ascending order of oversight.
var Tiers = []TrustTier{T1, T2, T3}

func (t TrustTier) String() string {
	switch t {
	case T1:
		return "T1"
	case T2:
		return "T2"
	case T3:
		return "T3"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Valid reports whether t is one of T1, T2 or T3.
func (t TrustTier) Valid() bool {
	return t >= T1 && t <= T3
}

// RequiresConfirmation reports whether calls of this tier become proposals.
func (t TrustTier) RequiresConfirmation() bool {
	return t == T2 || t == T3
}

// ParseTier parses "T1", "t2", "3" and similar.
func ParseTier(s string) (TrustTier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "T1", "1":
		return T1, nil
	case "T2", "2":
		return T2, nil
	case "T3", "3":
		return T3, nil
	}
	return tierUnset, fmt.Errorf("%w: %q", ErrMissingTier, s)
}

func (t TrustTier) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrMissingTier, int(t))
	}
	return []byte(t.String()), nil
}

func (t *TrustTier) UnmarshalText(b []byte) error {
	parsed, err := ParseTier(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
