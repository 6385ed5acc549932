package sipevents

import (
	"errors"
	"fmt"

	"github.com/emiago/sipgo/sip"
)

// Configuration errors surfaced synchronously by constructors and operations.
var (
	ErrMissingTarget      = errors.New("target URI is required")
	ErrMissingEventName   = errors.New("event name is required")
	ErrMissingAccept      = errors.New("accept is required")
	ErrMissingContentType = errors.New("content type is required")
	ErrMissingContact     = errors.New("Contact header not present")
	ErrInvalidEventHeader = errors.New("Event header is not parseable")
	ErrTerminated         = errors.New("subscription already terminated")
)

// SipError represents a SIP protocol error with status code and reason.
type SipError struct {
	Status int
	Reason string
	Res    *sip.Response // response that caused the error, when there is one
	Err    error
}

func (e SipError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("SIP Error %d: %s - %v", e.Status, e.Reason, e.Err)
	}
	return fmt.Sprintf("SIP Error %d: %s", e.Status, e.Reason)
}

func (e SipError) Unwrap() error {
	return e.Err
}

// NewSipError creates a new SIP error with the given status code and reason.
func NewSipError(status int, reason string) SipError {
	return SipError{Status: status, Reason: reason}
}

// NewSipErrorFromResponse creates a new SIP error from a SIP response.
func NewSipErrorFromResponse(resp *sip.Response) SipError {
	return SipError{Status: resp.StatusCode, Reason: resp.Reason, Res: resp}
}

// IsSipError checks if an error is a SipError.
func IsSipError(err error) bool {
	var se SipError
	return errors.As(err, &se)
}
