package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// StageError reports the failure of one cycle stage. It aborts the rest of
// the cycle but never the scheduler.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the stage ran out of time
func (e *StageError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

func stageErr(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}

// StageOf returns the stage of a StageError in err's chain, or "" if none
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
