package run

import (
	"fmt"
	"strconv"
	"strings"
)

// retrySuffixMarker separates a base step key from its encoded attempt
// number, e.g. "generate_r2" is attempt 2 of step "generate".
const retrySuffixMarker = "_r"

// ParseStepKey resolves a raw step key into its canonical base key and the
// attempt it encodes. A trailing "_r<n>" suffix with n >= 1 encodes attempt
// n; anything else (no suffix, n < 1, non-numeric n) is part of the base key
// and resolves to attempt 1.
//
// An explicit attempt on the event envelope takes precedence over the
// suffix-derived value; see ResolveStepKey.
func ParseStepKey(raw string) (base string, attempt int) {
	idx := strings.LastIndex(raw, retrySuffixMarker)
	if idx <= 0 {
		return raw, 1
	}
	n, err := strconv.Atoi(raw[idx+len(retrySuffixMarker):])
	if err != nil || n < 1 {
		return raw, 1
	}
	return raw[:idx], n
}

// ResolveStepKey resolves an event's step identity: canonical key plus
// attempt, with the envelope's explicit Attempt field winning over any
// attempt encoded in the key's retry suffix.
func ResolveStepKey(e *Event) (base string, attempt int) {
	base, attempt = ParseStepKey(e.StepKey)
	if e.Attempt > 0 {
		attempt = e.Attempt
	}
	return base, attempt
}

// StepKeyForAttempt renders the raw key for a given attempt, attaching the
// retry suffix for attempts past the first.
func StepKeyForAttempt(base string, attempt int) string {
	if attempt <= 1 {
		return base
	}
	return fmt.Sprintf("%s%s%d", base, retrySuffixMarker, attempt)
}
