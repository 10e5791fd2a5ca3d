package entities

import (
	"errors"
	"fmt"
)

// LaunchError means the simulator could not be started at all. Nothing has
// been spawned when it is returned.
type LaunchError struct {
	Reason string
	Err    error
}

func (e *LaunchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("Launch error: %s", e.Reason)
	}
	return fmt.Sprintf("Launch error: %s: %v", e.Reason, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// SubmissionError means the workload manager refused the job or could not be
// reached. The job never ran.
type SubmissionError struct {
	Reason string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("Submission error: %s", e.Reason)
	}
	return fmt.Sprintf("Submission error: %s: %v", e.Reason, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// IsToolingError reports whether err was raised before the simulator ran, as
// opposed to the simulator itself failing.
func IsToolingError(err error) bool {
	var (
		launchErr     *LaunchError
		submissionErr *SubmissionError
	)
	return errors.As(err, &launchErr) || errors.As(err, &submissionErr)
}
