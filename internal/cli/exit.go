package cli

import (
	"errors"
	"fmt"

	"github.com/sprout-dev/sprout/internal/modulator"
)

// Exit codes for sprout commands.
const (
	ExitSuccess    = 0
	ExitFailure    = 1 // mutation or external tool failure
	ExitValidation = 2 // nothing was changed
)

// ExitError carries an explicit exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCode maps err to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if modulator.IsValidation(err) {
		return ExitValidation
	}
	return ExitFailure
}
