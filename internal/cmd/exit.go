package cmd

import (
	"errors"
	"fmt"
)

// Process exit codes. Argument, service and signal failures use the
// foundry catalog; these cover job results.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitConfigError  = 3
	ExitJobFailed    = 4
	ExitJobCancelled = 5
)

// ExitError carries the exit code a command failed with.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit code %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	if err == nil {
		return &ExitError{Code: code, Err: errors.New(message)}
	}
	return &ExitError{Code: code, Err: fmt.Errorf("%s: %w", message, err)}
}
