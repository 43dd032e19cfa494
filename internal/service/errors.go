package service

import (
	"errors"

	"github.com/vedran77/courtside/pkg/validator"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrUnauthorized    = errors.New("caller may not act as this user")
	ErrForbidden       = errors.New("admin privileges required")
	ErrRateLimited     = errors.New("sending too fast")
	ErrMessageNotFound = errors.New("message not found")
	ErrPlanNotFound    = errors.New("broadcast plan not found or expired")
	ErrBroadcastFailed = errors.New("broadcast delivered to no recipients")
)

// ValidationError carries per-field messages; errors.Is(err, ErrValidation)
// holds for it.
type ValidationError struct {
	Fields validator.ValidationErrors
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Fields.Error()
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, message string) error {
	errs := make(validator.ValidationErrors)
	errs.Add(field, message)
	return &ValidationError{Fields: errs}
}
