// Package status defines the closed set of outcomes any framewitness check
// can report.
package status

import (
	"fmt"
	"strings"
)

// Status is the outcome of a single check.
type Status string

const (
	Pass        Status = "pass"
	Partial     Status = "partial"
	Fail        Status = "fail"
	Unavailable Status = "unavailable"
)

// Valid reports whether s is one of the known variants.
func (s Status) Valid() bool {
	switch s {
	case Pass, Partial, Fail, Unavailable:
		return true
	}
	return false
}

// Passed reports whether s is Pass or Partial.
func (s Status) Passed() bool {
	return s == Pass || s == Partial
}

func (s Status) String() string {
	return string(s)
}

// Parse converts a case-insensitive string to a Status.
func Parse(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("status: unknown value %q", v)
	}
	return s, nil
}

// UnmarshalText rejects values outside the closed set.
func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("status: cannot marshal %q", string(s))
	}
	return []byte(s), nil
}
