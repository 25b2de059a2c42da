package biz

import (
	"github.com/go-kratos/kratos/v2/errors"
)

// Error reasons returned by the fleet usecases. Callers match on reason,
// not message.
const (
	ReasonCapacityExhausted = "CAPACITY_EXHAUSTED"
	ReasonNotFound          = "NOT_FOUND"
	ReasonAlreadyInProgress = "ALREADY_IN_PROGRESS"
	ReasonProbeFailure      = "PROBE_FAILURE"
	ReasonValidationFailure = "VALIDATION_FAILURE"
)

// ErrCapacityExhausted means no active proxy has a free account slot.
func ErrCapacityExhausted(format string, args ...interface{}) *errors.Error {
	return errors.Newf(429, ReasonCapacityExhausted, format, args...)
}

// ErrNotFound means the referenced proxy, account or incident does not exist.
func ErrNotFound(format string, args ...interface{}) *errors.Error {
	return errors.Newf(404, ReasonNotFound, format, args...)
}

// ErrAlreadyInProgress means another handler holds the failover guard.
func ErrAlreadyInProgress(format string, args ...interface{}) *errors.Error {
	return errors.Newf(409, ReasonAlreadyInProgress, format, args...)
}

// ErrProbeFailure means a proxy failed its connectivity probe.
func ErrProbeFailure(format string, args ...interface{}) *errors.Error {
	return errors.Newf(503, ReasonProbeFailure, format, args...)
}

// ErrValidationFailure means the request or fleet state rejects the operation.
func ErrValidationFailure(format string, args ...interface{}) *errors.Error {
	return errors.Newf(400, ReasonValidationFailure, format, args...)
}

// IsCapacityExhausted reports whether err carries ReasonCapacityExhausted.
func IsCapacityExhausted(err error) bool {
	return errors.Reason(err) == ReasonCapacityExhausted
}

// IsNotFound reports whether err carries ReasonNotFound.
func IsNotFound(err error) bool {
	return errors.Reason(err) == ReasonNotFound
}

// IsAlreadyInProgress reports whether err carries ReasonAlreadyInProgress.
func IsAlreadyInProgress(err error) bool {
	return errors.Reason(err) == ReasonAlreadyInProgress
}

// IsProbeFailure reports whether err carries ReasonProbeFailure.
func IsProbeFailure(err error) bool {
	return errors.Reason(err) == ReasonProbeFailure
}

// IsValidationFailure reports whether err carries ReasonValidationFailure.
func IsValidationFailure(err error) bool {
	return errors.Reason(err) == ReasonValidationFailure
}
