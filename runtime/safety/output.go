// Package safety screens agent output before it enters execution context.
// The checks target transport-level mischief rather than content policy:
// oversized payloads, ASCII control characters that corrupt logs and
// terminals, and invisible Unicode used to smuggle or reorder text.
package safety

import (
	"goa.design/hensu/runtime/fault"
)

// DefaultMaxOutputBytes caps agent output at 1 MiB of UTF-8.
const DefaultMaxOutputBytes = 1 << 20

// Validator checks agent output against the safety rules. The zero value
// applies the default size cap.
type Validator struct {
	maxBytes int
}

// NewValidator returns a Validator with the given byte cap; zero or
// negative selects DefaultMaxOutputBytes.
func NewValidator(maxBytes int) *Validator {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxOutputBytes
	}
	return &Validator{maxBytes: maxBytes}
}

// Validate returns a fault.UnsafeAgentOutput error when output violates any
// rule: size over the cap, disallowed ASCII control characters (TAB, LF and
// CR are permitted), bidirectional override characters, or zero-width
// characters. Nil means the output is safe to store.
func (v *Validator) Validate(output string) error {
	maxBytes := v.maxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxOutputBytes
	}
	if len(output) > maxBytes {
		return fault.Errorf(fault.UnsafeAgentOutput,
			"agent output exceeds %d bytes (got %d)", maxBytes, len(output))
	}
	for i, r := range output {
		switch {
		case isBannedControl(r):
			return fault.Errorf(fault.UnsafeAgentOutput,
				"agent output contains control character %#x at byte %d", r, i)
		case isBidiControl(r):
			return fault.Errorf(fault.UnsafeAgentOutput,
				"agent output contains bidirectional override %#x at byte %d", r, i)
		case isZeroWidth(r):
			return fault.Errorf(fault.UnsafeAgentOutput,
				"agent output contains zero-width character %#x at byte %d", r, i)
		}
	}
	return nil
}

// isBannedControl reports ASCII control characters other than TAB (0x09),
// LF (0x0A) and CR (0x0D).
func isBannedControl(r rune) bool {
	switch {
	case r >= 0x00 && r <= 0x08:
		return true
	case r == 0x0B || r == 0x0C:
		return true
	case r >= 0x0E && r <= 0x1F:
		return true
	case r == 0x7F:
		return true
	}
	return false
}

// isBidiControl reports the Unicode bidirectional embedding, override, and
// isolate controls.
func isBidiControl(r rune) bool {
	return (r >= 0x202A && r <= 0x202E) || (r >= 0x2066 && r <= 0x2069)
}

// isZeroWidth reports zero-width and invisible joining characters.
func isZeroWidth(r rune) bool {
	switch r {
	case 0x200B, 0x200C, 0x200D, 0x2060, 0xFEFF:
		return true
	}
	return false
}
