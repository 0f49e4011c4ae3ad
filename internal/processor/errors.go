package processor

import (
	"errors"
	"fmt"

	"github.com/smallbiznis/botbilling/internal/webhookevent/domain"
)

var errHandlerTimeout = errors.New("handler timeout")

// HandlerError reports a failure while applying an event's effects. The event has been
// marked ERROR by the time the caller sees it.
type HandlerError struct {
	EventID   string
	EventType domain.CanonicalType
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("process event %s (%s): %v", e.EventID, e.EventType, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// IsTimeout reports whether err came from a handler that ran past its deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, errHandlerTimeout)
}
