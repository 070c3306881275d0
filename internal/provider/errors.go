package provider

import "errors"

// Failure kinds surfaced by Complete. Callers decide retry policy:
// ErrUnavailable and ErrTimeout are transient, ErrRejected and
// ErrMalformed are not.
var (
	ErrUnavailable = errors.New("provider unavailable")
	ErrRejected    = errors.New("provider rejected request")
	ErrTimeout     = errors.New("provider timeout")
	ErrMalformed   = errors.New("malformed provider response")
)

// Transient reports whether err is worth retrying.
func Transient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout)
}
