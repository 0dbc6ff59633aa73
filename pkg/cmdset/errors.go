package cmdset

import "fmt"

// UsageError is returned by argument parsers for malformed input. It is an
// expected outcome, shown to the caller verbatim.
type UsageError struct {
	Usage string
}

func (e *UsageError) Error() string {
	return e.Usage
}

// Usagef builds a UsageError.
func Usagef(format string, args ...any) *UsageError {
	return &UsageError{Usage: fmt.Sprintf(format, args...)}
}

// Veto is returned by a Guard to stop a command. Reason is shown to the
// caller; an empty reason falls back to a generic line.
type Veto struct {
	Source Ref
	Reason string
}

func (v *Veto) Error() string {
	if v.Reason == "" {
		return fmt.Sprintf("vetoed by %s", v.Source)
	}
	return v.Reason
}
