package protocol

import (
	"errors"
	"fmt"
)

// ErrViolation marks a protocol violation: malformed envelope, unknown
// kind or topic, unrecognized status value, missing required header. The
// message is logged and dropped; nothing in this core retries it.
var ErrViolation = errors.New("protocol violation")

// violationf builds a protocol violation with a formatted reason.
func violationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrViolation, fmt.Sprintf(format, args...))
}

// IsViolation reports whether err is fatal for the message (drop, no
// retry) rather than a transient handling failure.
func IsViolation(err error) bool {
	return errors.Is(err, ErrViolation)
}
