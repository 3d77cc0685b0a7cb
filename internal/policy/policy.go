// Package policy implements the rule semantics of the engine: profile matching,
// gated condition evaluation and the bounded re-check policy.
// Everything here is pure and deterministic for a fixed rule snapshot.
package policy

import (
	"time"
)

const (
	// DefaultRetryAttempts is the number of evaluation passes per triggering event.
	DefaultRetryAttempts = 2

	// DefaultRetryWait is the pause between passes when nothing qualified.
	// Exiting processes can stay visible to the probe for a short grace period.
	DefaultRetryWait = 10 * time.Second
)

// RetryPolicy bounds the re-check of task conditions for one event.
type RetryPolicy struct {
	Attempts int
	Wait     time.Duration
}

// DefaultRetryPolicy returns the default two-pass, ten second policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: DefaultRetryAttempts,
		Wait:     DefaultRetryWait,
	}
}

// Normalize clamps the policy to at least one attempt and a non-negative wait.
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.Wait < 0 {
		p.Wait = 0
	}
	return p
}
