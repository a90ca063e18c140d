// Package nova holds the shared request-scoped types and the internal error
// taxonomy used across the gate pipeline, scheduler and egress subsystems.
package nova

import "errors"

// Internal error taxonomy. These never cross the wire directly; the API
// edge maps them onto the sanitized error schema.
var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrUnauthenticated       = errors.New("unauthenticated")
	ErrForbidden             = errors.New("forbidden")
	ErrRateLimited           = errors.New("rate limited")
	ErrProviderUnavailable   = errors.New("provider unavailable")
	ErrProviderTimeout       = errors.New("provider timeout")
	ErrSSRFDenied            = errors.New("egress denied")
	ErrDNSFailure            = errors.New("dns resolution failed")
	ErrTransportFailure      = errors.New("transport failure")
	ErrSchemaViolation       = errors.New("schema violation")
	ErrClassifierFailure     = errors.New("classifier failure")
	ErrRegenerationExhausted = errors.New("regeneration cap exhausted")
	ErrStorageFailure        = errors.New("storage failure")
	ErrLeaseConflict         = errors.New("lease held by another worker")
	ErrEncryptionFailure     = errors.New("encryption failure")
	ErrHandlerFailure        = errors.New("scheduler handler failure")
	ErrNotFound              = errors.New("not found")
)
