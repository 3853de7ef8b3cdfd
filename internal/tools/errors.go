package tools

import (
	"errors"
	"fmt"
)

// ErrFunctionUnavailable is returned when a call names a function that
// is not in the catalog.
type ErrFunctionUnavailable struct {
	Name string
}

// Error implements the error interface.
func (e *ErrFunctionUnavailable) Error() string {
	return fmt.Sprintf("function %q is not available", e.Name)
}

// errNoTenant is returned when a tenant-scoped function runs without a
// tenant in its context.
var errNoTenant = errors.New("no tenant in context")

// ValidationError reports arguments that do not match a function's
// schema.
type ValidationError struct {
	Function string
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("invalid arguments for %s: %s", e.Function, e.Problems[0])
	}
	return fmt.Sprintf("invalid arguments for %s: %d problems: %v", e.Function, len(e.Problems), e.Problems)
}
