package intercept

import (
	"errors"
	"fmt"
)

var (
	// ErrMethodNotRegistered is returned when unregistering a route for a method without routes.
	ErrMethodNotRegistered = errors.New("no routes registered for method")
	// ErrRouteNotFound is returned when unregistering a route that is not registered.
	ErrRouteNotFound = errors.New("route not registered")
)

// ValidationError is returned when registering a malformed route.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid route: %s %s", e.Field, e.Reason)
}

// PanicError is the failure of a handler that panicked.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}

// Unwrap returns the panic value if it was an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
