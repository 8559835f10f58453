package scheduler

import "errors"

var (
	errPanicked = errors.New("scheduler: refresh panicked")
	errNoResult = errors.New("scheduler: refresh returned no result")
)
