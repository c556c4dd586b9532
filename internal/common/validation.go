package common

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/joseph-ayodele/assignment-grader/constants"
)

// ValidationError represents validation failures
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s %s (got %v)", e.Field, e.Message, e.Value)
}

// Validator collects field errors
type Validator struct {
	errors []ValidationError
}

func NewValidator() *Validator {
	return &Validator{}
}

// Field validates a field and collects errors
func (v *Validator) Field(name string, value any, rules ...ValidationRule) *Validator {
	for _, rule := range rules {
		if err := rule(name, value); err != nil {
			v.errors = append(v.errors, *err)
		}
	}
	return v
}

func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

func (v *Validator) Errors() []ValidationError {
	return v.errors
}

// Err returns an AppError wrapping ErrValidation, or nil.
func (v *Validator) Err() error {
	if !v.HasErrors() {
		return nil
	}
	messages := make([]string, 0, len(v.errors))
	for _, e := range v.errors {
		messages = append(messages, e.Error())
	}
	return NewAppError("VALIDATION_ERROR", strings.Join(messages, "; "), ErrValidation)
}

// ValidationRule checks one value
type ValidationRule func(name string, value any) *ValidationError

func Required(name string, value any) *ValidationError {
	s, isString := value.(string)
	if value == nil || (isString && strings.TrimSpace(s) == "") {
		return &ValidationError{Field: name, Value: value, Message: "is required"}
	}
	return nil
}

func MaxLength(n int) ValidationRule {
	return func(name string, value any) *ValidationError {
		s, _ := value.(string)
		if utf8.RuneCountInString(s) > n {
			return &ValidationError{Field: name, Value: len(s), Message: fmt.Sprintf("must be at most %d characters", n)}
		}
		return nil
	}
}

// NonNegative accepts numbers >= 0.
func NonNegative(name string, value any) *ValidationError {
	if f, ok := value.(float64); ok && f < 0 {
		return &ValidationError{Field: name, Value: f, Message: "must not be negative"}
	}
	return nil
}

// DocumentFile accepts an empty path or one with a supported extension.
func DocumentFile(name string, value any) *ValidationError {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if constants.MapExtToFormat(filepath.Ext(s)) == "" {
		return &ValidationError{Field: name, Value: filepath.Base(s), Message: "has an unsupported file type"}
	}
	return nil
}
