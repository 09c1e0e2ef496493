package models

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrNotFound        = status.Errorf(codes.NotFound, "not found")
	ErrDuplicate       = status.Error(codes.AlreadyExists, "duplicate")
	ErrInvalidPayload  = status.Error(codes.InvalidArgument, "invalid payload")
	ErrRateLimited     = status.Error(codes.ResourceExhausted, "rate limited")
	ErrPermanentEntity = status.Error(codes.FailedPrecondition, "entity is invalid")
	ErrSelfLoop        = status.Error(codes.InvalidArgument, "source and target chat must differ")
	ErrLockLost        = status.Error(codes.Aborted, "task lock lost")
)

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// TransientError marks a failure that is expected to go away on retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Code extracts the status code carried by err or anything it wraps.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if st, ok := status.FromError(e); ok {
			return st.Code()
		}
	}
	return codes.Unknown
}
