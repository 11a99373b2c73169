package models

import (
	"fmt"
	"strings"
)

// FieldError describes one invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors collects field errors and reports them as one error.
type ValidationErrors struct {
	Errors []FieldError `json:"errors"`
}

// AddMessage records an error for field.
func (v *ValidationErrors) AddMessage(field, message string) {
	v.Errors = append(v.Errors, FieldError{Field: field, Message: message})
}

// Addf records a formatted error for field.
func (v *ValidationErrors) Addf(field, format string, args ...any) {
	v.AddMessage(field, fmt.Sprintf(format, args...))
}

// Err returns nil when no errors were recorded.
func (v *ValidationErrors) Err() error {
	if v == nil || len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Error implements error.
func (v *ValidationErrors) Error() string {
	parts := make([]string, 0, len(v.Errors))
	for _, e := range v.Errors {
		parts = append(parts, e.Field+": "+e.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
