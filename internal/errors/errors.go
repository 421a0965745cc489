package errs

import "fmt"

var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrAlreadyExists = fmt.Errorf("already exists")
	ErrValidation    = fmt.Errorf("invalid")
	ErrTerminal      = fmt.Errorf("in terminal state")
)

func NewErrNotFound(kind string) error {
	return fmt.Errorf("%s %w", kind, ErrNotFound)
}

func NewErrAlreadyExists(kind string) error {
	return fmt.Errorf("%s %w", kind, ErrAlreadyExists)
}

// NewErrValidation reports a rejected input field.
func NewErrValidation(field string, reason string) error {
	return fmt.Errorf("%s is %w: %s", field, ErrValidation, reason)
}

func NewErrTerminal(kind string) error {
	return fmt.Errorf("%s is %w", kind, ErrTerminal)
}
