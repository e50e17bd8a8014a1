package domain

import "fmt"

// ValidationError reports malformed input on an explicit request (account
// creation, transfer, withdrawal). It is a caller error, not a fault.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}
