// Package errors provides error wrapping utilities and the sentinel errors
// shared across the scanner packages.
package errors

import (
	stderrors "errors"
	"fmt"
)

var (
	// ErrAuthFailed is returned when the appliance rejects the login call.
	ErrAuthFailed = stderrors.New("authentication failed")

	// ErrToleranceExceeded is returned when consecutive transport failures
	// while polling a remote task reach the kind's tolerance.
	ErrToleranceExceeded = stderrors.New("poll failure tolerance exceeded")

	// ErrAllStrategiesFailed is returned when every transfer strategy for an
	// artifact failed.
	ErrAllStrategiesFailed = stderrors.New("all download strategies failed")

	// ErrIntegrity marks a download that completed but failed verification.
	ErrIntegrity = stderrors.New("download integrity check failed")

	// ErrNotApplicable marks a strategy that cannot run for the given source.
	ErrNotApplicable = stderrors.New("strategy not applicable")
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// New returns an error with the given text.
func New(text string) error {
	return stderrors.New(text)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}
