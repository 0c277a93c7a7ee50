package errs

import "errors"

// Session and delivery errors.
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrClientNotReady    = errors.New("whatsapp client not ready, scan the QR code again")
	ErrAmbiguousDelivery = errors.New("ambiguous delivery")
	ErrDeliveryFailed    = errors.New("delivery failed")
	ErrAdapterTeardown   = errors.New("adapter teardown failed")
	ErrChallengeTimeout  = errors.New("QR code not available yet, try again")
	ErrSessionLimit      = errors.New("maximum number of sessions reached")
	ErrShuttingDown      = errors.New("service is shutting down")
)

// Request-level errors mapped to HTTP codes in handlers.
var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("access denied")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrRateLimited  = errors.New("too many requests")
)
