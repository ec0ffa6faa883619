package models

import "fmt"

// ConfigurationError reports an invalid client, listener or originator
// state for the requested operation. It never terminates the process;
// it prevents the state transition.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// Configf builds a ConfigurationError.
func Configf(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

// JobError is the failure result of a background job that resolved with
// an "-ERR <cause>" body.
type JobError struct {
	Cause string
}

func (e *JobError) Error() string {
	return "background job failed: " + e.Cause
}
