// Package security screens user-supplied free text before it is stored.
package security

import (
	"errors"
	"sort"

	apperrors "github.com/gmsas95/myrai-meds/internal/errors"
)

var (
	ErrInputTooLarge     = errors.New("input exceeds maximum size")
	ErrNullByteDetected  = errors.New("null byte detected in input")
	ErrRepetitiveContent = errors.New("excessive repetition detected")
)

// InputValidator bounds free-text fields such as notes and instructions
type InputValidator struct {
	MaxSize       int
	MaxRepetition int
}

func NewInputValidator() *InputValidator {
	return &InputValidator{
		MaxSize:       4 * 1024,
		MaxRepetition: 100,
	}
}

func (v *InputValidator) Validate(input string) error {
	if v.MaxSize > 0 && len(input) > v.MaxSize {
		return ErrInputTooLarge
	}

	for i := 0; i < len(input); i++ {
		if input[i] == 0 {
			return ErrNullByteDetected
		}
	}

	if v.MaxRepetition > 0 && hasExcessiveRepetition(input, v.MaxRepetition) {
		return ErrRepetitiveContent
	}

	return nil
}

// ValidateFields checks every named field and reports the first failure, in
// field name order, as a bad request.
func (v *InputValidator) ValidateFields(fields map[string]string) error {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := v.Validate(fields[name]); err != nil {
			return apperrors.Errorf(apperrors.ErrBadRequest, "%s: %v", name, err)
		}
	}
	return nil
}

func hasExcessiveRepetition(input string, maxLen int) bool {
	if len(input) <= maxLen {
		return false
	}

	runes := []rune(input)
	consecutiveCount := 1

	for i := 1; i < len(runes); i++ {
		if runes[i] == runes[i-1] {
			consecutiveCount++
			if consecutiveCount > maxLen {
				return true
			}
		} else {
			consecutiveCount = 1
		}
	}

	return false
}

// ValidateFields checks fields with the default limits
func ValidateFields(fields map[string]string) error {
	return NewInputValidator().ValidateFields(fields)
}
