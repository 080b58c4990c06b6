package pipeline

import "fmt"

// Abort reasons
const (
	ReasonDetectionFailed  = "detection_failed"
	ReasonConfigError      = "config_error"
	ReasonCheckpointFailed = "checkpoint_write_failure"
	ReasonSourceError      = "source_error"
	ReasonCancelled        = "cancelled"
)

// AbortError is returned when a run ends in the Aborted state
type AbortError struct {
	Reason string
	Err    error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("pipeline aborted (%s): %v", e.Reason, e.Err)
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

func abort(reason string, err error) *AbortError {
	return &AbortError{Reason: reason, Err: err}
}
