package errors

import (
	stderrors "errors"
	"fmt"
)

type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an AppError with the same code, so a wrapped
// sentinel still matches errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func New(code, message string, cause ...error) *AppError {
	var c error
	if len(cause) > 0 {
		c = cause[0]
	}
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   c,
	}
}

var (
	ErrConfigNotFound = &AppError{Code: "CONFIG_001", Message: "configuration not found"}
	ErrConfigInvalid  = &AppError{Code: "CONFIG_002", Message: "invalid configuration"}

	ErrInvalidRange    = &AppError{Code: "MED_001", Message: "invalid date range"}
	ErrNotFound        = &AppError{Code: "MED_002", Message: "medicine not found"}
	ErrDoseNotFound    = &AppError{Code: "MED_003", Message: "dose instance not found"}
	ErrInvalidMedicine = &AppError{Code: "MED_004", Message: "invalid medicine"}
	ErrTerminalState   = &AppError{Code: "MED_005", Message: "dose instance already resolved"}

	ErrPersistence            = &AppError{Code: "STORE_001", Message: "persistence failure"}
	ErrConcurrentModification = &AppError{Code: "STORE_002", Message: "concurrent modification"}

	ErrSkillNotFound  = &AppError{Code: "SKILL_001", Message: "skill not found"}
	ErrSkillExecution = &AppError{Code: "SKILL_002", Message: "skill execution failed"}

	ErrUnauthorized = &AppError{Code: "AUTH_001", Message: "unauthorized"}
	ErrForbidden    = &AppError{Code: "AUTH_002", Message: "forbidden"}

	ErrBadRequest = &AppError{Code: "GEN_002", Message: "bad request"}
	ErrInternal   = &AppError{Code: "GEN_003", Message: "internal error"}
)

func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

func GetCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN"
}

func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Errorf derives an error from a sentinel with a formatted message. The
// result still matches the sentinel under errors.Is.
func Errorf(sentinel *AppError, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    sentinel.Code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Persistence wraps a storage failure with the affected tracker.
func Persistence(trackerID string, err error) *AppError {
	return &AppError{
		Code:    ErrPersistence.Code,
		Message: fmt.Sprintf("%s (tracker %s)", ErrPersistence.Message, trackerID),
		Cause:   err,
	}
}
