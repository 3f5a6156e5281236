package poll

import "errors"

var (
	// ErrTimedOut is returned when the wait budget is spent before the remote job reaches a terminal status.
	ErrTimedOut = errors.New("remote job timed out")

	// ErrBackendUnstable is returned when the status query failed too many times in a row.
	ErrBackendUnstable = errors.New("backend unstable")

	// ErrRemoteFailed is returned when the remote job reports a terminal failure.
	ErrRemoteFailed = errors.New("remote job failed")

	// ErrRemoteCanceled is returned when the remote job was canceled on the backend.
	ErrRemoteCanceled = errors.New("remote job canceled")
)

// permanentError marks a query error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that the Poller and Retry stop immediately instead of
// treating it as transient. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
