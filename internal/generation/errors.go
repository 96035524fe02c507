package generation

import (
	"context"
	"errors"
	"fmt"
)

// ErrGenerationFailed is the root of every generation error; errors.Is
// against it matches any of the more specific errors below.
var ErrGenerationFailed = errors.New("generation failed")

var (
	// ErrTimeout is returned when the per-request deadline expires.
	ErrTimeout = fmt.Errorf("%w: request timed out", ErrGenerationFailed)

	// ErrInvalidResponse is returned when the model response is empty or malformed.
	ErrInvalidResponse = fmt.Errorf("%w: invalid response from language model", ErrGenerationFailed)

	// ErrContentBlocked is returned when the provider refuses the content.
	ErrContentBlocked = fmt.Errorf("%w: content blocked by provider safety filters", ErrGenerationFailed)

	// ErrTransientFailure is returned for errors that may resolve on retry.
	ErrTransientFailure = fmt.Errorf("%w: transient backend error", ErrGenerationFailed)

	// ErrInvalidConfig is returned when a backend is misconfigured.
	ErrInvalidConfig = fmt.Errorf("%w: invalid generator configuration", ErrGenerationFailed)

	// ErrEmptyRequest is returned when a request has neither text nor image.
	ErrEmptyRequest = fmt.Errorf("%w: request has no content", ErrGenerationFailed)
)

// IsPermanent reports whether retrying err cannot help.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrContentBlocked) ||
		errors.Is(err, ErrInvalidResponse) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrEmptyRequest)
}

// IsContext reports whether err stems from a cancelled or expired context.
func IsContext(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// FromContext converts a context error into the generation taxonomy.
// Other errors are returned unchanged.
func FromContext(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrGenerationFailed):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	default:
		return err
	}
}
