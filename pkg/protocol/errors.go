package protocol

import "fmt"

// ValidationError represents a bad model name or parameter. It is surfaced
// immediately; the process does not proceed past validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DependencyError represents a required backend that is unavailable. It is
// surfaced before any worker starts, never discovered mid-run.
type DependencyError struct {
	Dependency string
	Hint       string // how to make the dependency available
}

func (e *DependencyError) Error() string {
	if e.Hint == "" {
		return fmt.Sprintf("required dependency %s is unavailable", e.Dependency)
	}
	return fmt.Sprintf("required dependency %s is unavailable (%s)", e.Dependency, e.Hint)
}

// WorkloadError represents a failure of the unsafe operation itself. It is
// recovered into a worker report, never propagated as a process fault.
type WorkloadError struct {
	Message string
}

func (e *WorkloadError) Error() string {
	return fmt.Sprintf("workload failed: %s", e.Message)
}
