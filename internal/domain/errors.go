package domain

import "errors"

// Error taxonomy for per-event processing.
//
// ErrMalformedEvent marks input that can never succeed: it is dead-lettered
// and acknowledged rather than retried. Every other per-event error is
// treated as transient and retried by reprocessing the whole event.
// Failures to reach a dependency at startup are fatal and surface in main,
// not here.
var ErrMalformedEvent = errors.New("malformed event")

// IsMalformed reports whether err classifies as a dead-letterable event.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedEvent)
}
