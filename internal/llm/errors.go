package llm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrValidationExhausted is matched by every ExhaustedError.
var ErrValidationExhausted = errors.New("validation exhausted")

// ExhaustedError is returned when no attempt produced a valid object.
type ExhaustedError struct {
	// Errors holds one entry per failed attempt, prefixed "attempt N:".
	Errors []string
	// Last is the transport error of the final attempt, if it had one.
	Last error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("validation exhausted after %d attempt(s): %s",
		len(e.Errors), strings.Join(e.Errors, " | "))
}

func (e *ExhaustedError) Unwrap() []error {
	if e.Last != nil {
		return []error{ErrValidationExhausted, e.Last}
	}
	return []error{ErrValidationExhausted}
}
