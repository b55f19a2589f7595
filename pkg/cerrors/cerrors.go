// Package cerrors enumerates the error kinds the Constellation core
// distinguishes (spec §7), as sentinel values meant to be wrapped with
// fmt.Errorf("...: %w", cerrors.NotFound) and tested with errors.Is.
package cerrors

import "errors"

var (
	// InvalidParameter: null identifiers, out-of-range percentile, etc. No state mutation.
	InvalidParameter = errors.New("invalid parameter")

	// NotFound: unknown node_id, service_id, metric. Idempotent.
	NotFound = errors.New("not found")

	// AlreadyExists: duplicate register. Caller should treat as idempotent.
	AlreadyExists = errors.New("already exists")

	// ResourceExhausted: no feasible node, over-cap registration.
	ResourceExhausted = errors.New("resource exhausted")

	// QuotaExceeded: namespace quota check fails.
	QuotaExceeded = errors.New("quota exceeded")

	// InsufficientResources: allocate fails after feasibility passed.
	InsufficientResources = errors.New("insufficient resources")

	// CooldownActive: scale attempt during cooldown window.
	CooldownActive = errors.New("cooldown active")

	// Timeout: lock wait, PING response.
	Timeout = errors.New("timeout")

	// WireFormat: bad magic/version, short read.
	WireFormat = errors.New("wire format error")

	// Fatal: unrecoverable error that should initiate shutdown.
	Fatal = errors.New("fatal error")
)
