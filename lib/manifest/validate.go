package manifest

import "regexp"

var appNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}$`)

// FieldError names one offending manifest field.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError accumulates every offending field found during
// validation (§4.1: rejection is total, not fail-fast on the first error).
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// Empty reports whether no validation errors were recorded.
func (e *ValidationError) Empty() bool {
	return len(e.Fields) == 0
}

func (e *ValidationError) Error() string {
	s := "manifest invalid:"
	for _, fe := range e.Fields {
		s += "\n  " + fe.Field + ": " + fe.Message
	}
	return s
}
