package model

import (
	"errors"
	"fmt"
)

// Error taxonomy. Absence and duplicates are frequently non-fatal: callers
// treat ErrNotFound as "no prior state" and ErrDuplicate as "already
// processed". Everything else rejects the resource being processed.
var (
	ErrNotFound             = errors.New("not found")
	ErrDuplicate            = errors.New("duplicate")
	ErrTimeTravel           = errors.New("timestamp regression")
	ErrInvalidMessageFormat = errors.New("invalid message format")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrInvalidAuthor        = errors.New("invalid author")
	ErrInvalidVersion       = errors.New("invalid version")
	ErrIdentityCollision    = errors.New("identity mapping collision")
	ErrClientUnreachable    = errors.New("client unreachable")
)

type (
	// ServiceError is a failure of a backing service that the caller may
	// retry, such as exhausting the sequence-allocation attempts.
	ServiceError struct {
		Service   string
		Message   string
		Retryable bool
	}
)

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Service, e.Message)
}

// IgnoreNotFound swallows ErrNotFound and passes everything else through.
func IgnoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// IgnoreDuplicate swallows ErrDuplicate and passes everything else through.
func IgnoreDuplicate(err error) error {
	if errors.Is(err, ErrDuplicate) {
		return nil
	}
	return err
}
