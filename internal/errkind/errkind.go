// Package errkind classifies errors into the five kinds spec.md §7's Error
// Handling Design names, so callers can decide retry/degrade/quarantine
// behavior by kind rather than by string-matching error messages.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is one of the five error categories spec.md §7 describes.
type Kind string

const (
	// Transient covers retryable upstream failures (metrics, Kubernetes,
	// webhook) — the caller should have already retried through
	// internal/netguard before this surfaces.
	Transient Kind = "transient_upstream"
	// Malformed covers an upstream response that parsed but didn't match
	// the expected shape (e.g. a list where a vector was expected).
	Malformed Kind = "malformed_upstream"
	// StoreIO covers a failed Metric Store read/write; the provoking
	// action must not be applied.
	StoreIO Kind = "store_io"
	// ContractViolation covers an invariant break (e.g. leaving PreScaling
	// without a captured original) — fatal for that workload only.
	ContractViolation Kind = "contract_violation"
	// Config covers a malformed or out-of-range startup configuration
	// value — fatal for the whole process.
	Config Kind = "config_error"
)

type classifiedError struct {
	kind Kind
	err  error
}

func (c *classifiedError) Error() string {
	return fmt.Sprintf("%s: %s", c.kind, c.err)
}

func (c *classifiedError) Unwrap() error {
	return c.err
}

// Wrap tags err with kind, preserving it for errors.Is/As and Classify. A
// nil err returns nil, so Wrap can sit directly around a fallible call.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: kind, err: err}
}

// Classify extracts the Kind a Wrap call attached to err, anywhere in its
// chain. An err with no classification is treated as Transient, the safest
// default (retry/degrade rather than treat as fatal).
func Classify(err error) Kind {
	var c *classifiedError
	if errors.As(err, &c) {
		return c.kind
	}
	return Transient
}

// Fatal reports whether kind should abort the whole process (Config) as
// opposed to being isolated to one workload or one call.
func (k Kind) Fatal() bool {
	return k == Config
}

// QuarantinesWorkload reports whether kind means the owning workload should
// stop being processed until operator intervention (spec.md §7).
func (k Kind) QuarantinesWorkload() bool {
	return k == ContractViolation
}
