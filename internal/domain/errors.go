package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("record not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrForbidden           = errors.New("forbidden")
)

// InfrastructureError marks a failure of the underlying data store or transport.
// It is fatal for the operation that hit it, including a whole batch run.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error {
	return e.Err
}

// Infra wraps err as an InfrastructureError unless it is nil or already one
// of the domain sentinels.
func Infra(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrInsufficientBalance) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var ie *InfrastructureError
	if errors.As(err, &ie) {
		return err
	}
	return &InfrastructureError{Op: op, Err: err}
}

// IsInfrastructure reports whether err carries an InfrastructureError.
func IsInfrastructure(err error) bool {
	var ie *InfrastructureError
	return errors.As(err, &ie)
}
