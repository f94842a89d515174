package lifecycle

import (
	"errors"
	"fmt"
)

// User errors. The state is unchanged when one of these is returned.
var (
	ErrUnknownSignal = errors.New("unknown signal")
	ErrStateMismatch = errors.New("signal not in required state")
	ErrSignalExpired = errors.New("signal expired")
	ErrInvalidFill   = errors.New("invalid fill")
)

var userErrors = []error{ErrUnknownSignal, ErrStateMismatch, ErrSignalExpired, ErrInvalidFill}

// IsUserError reports whether err should be answered to the trader rather than logged as a defect.
func IsUserError(err error) bool {
	for _, target := range userErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// InvariantError is an internal defect detected before it could corrupt state.
type InvariantError struct {
	SignalID int64
	Rule     string
	Detail   string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant %s violated for signal %d: %s", e.Rule, e.SignalID, e.Detail)
}
