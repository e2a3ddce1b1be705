package basket

import "errors"

var (
	// ErrIndexOutOfRange is returned when a positional remove targets no line.
	ErrIndexOutOfRange = errors.New("basket index out of range")
	// ErrStaleSnapshot is returned when a remove was issued against an older version of the basket.
	ErrStaleSnapshot = errors.New("basket changed since it was rendered")
	// ErrLineNotFound is returned when no line carries the requested line id.
	ErrLineNotFound = errors.New("basket line not found")
)

// validationError communicates rejected input back to handlers.
type validationError struct {
	message string
}

func (e validationError) Error() string { return e.message }

func newValidationError(msg string) error {
	return validationError{message: msg}
}

// IsValidation helps callers distinguish between rejected input and infrastructure failures.
func IsValidation(err error) bool {
	var v validationError
	return errors.As(err, &v)
}
