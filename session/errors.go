package session

import "fmt"

// ConfigError is raised at startup/planning time (§7): unknown trigger
// type, a missing trigger where one is required, or IT without tip. The
// process exits with code 1 before the target begins executing.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "config error: " + e.Reason }

// NewConfigError builds a ConfigError with a formatted reason.
func NewConfigError(format string, args ...interface{}) *ConfigError {
	return &ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// ResourceError is raised at runtime (§7): scratch register exhaustion or
// any other host-resource failure an injector cannot route around. Fatal;
// the tool cannot silently miss its injection without confusing the
// caller (spec §4.4).
type ResourceError struct {
	Reason string
	File   string
	Line   int
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource error at %s:%d: %s", e.File, e.Line, e.Reason)
}

// NewResourceError builds a ResourceError with the planner's source
// location.
func NewResourceError(file string, line int, format string, args ...interface{}) *ResourceError {
	return &ResourceError{Reason: fmt.Sprintf(format, args...), File: file, Line: line}
}
