package coerce

import "fmt"

// Result accumulates observability data across one normalization pass.
// A nil *Result is accepted everywhere and discards all reports.
type Result struct {
	// Coerced is true if any input needed repair to fit its domain.
	Coerced bool

	// Warnings describes each repair in human-readable form.
	Warnings []string
}

// flag records a repair. The value is still valid; the warning exists so
// callers can log schema drift without complicating control flow.
func (r *Result) flag(format string, args ...any) {
	if r == nil {
		return
	}
	r.Coerced = true
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Merge folds another result into r.
func (r *Result) Merge(other *Result) {
	if r == nil || other == nil {
		return
	}
	if other.Coerced {
		r.Coerced = true
	}
	r.Warnings = append(r.Warnings, other.Warnings...)
}
