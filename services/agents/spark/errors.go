package spark

import (
	"errors"
	"fmt"
)

// Stage names the step of a reporting cycle that failed.
type Stage string

const (
	StageFetch   Stage = "fetch"
	StageDecode  Stage = "decode"
	StageMarker  Stage = "marker"
	StageDeliver Stage = "deliver"
)

// ErrUnexpectedStatus is wrapped when an upstream or callback answers outside 2xx.
var ErrUnexpectedStatus = errors.New("unexpected http status")

// CycleError records where in a cycle a failure happened. Target is the URL
// or sink involved, when there is one.
type CycleError struct {
	Stage  Stage
	Target string
	Err    error
}

func (e *CycleError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s %s: %v", e.Stage, e.Target, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *CycleError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage of the first CycleError in err's tree.
func StageOf(err error) (Stage, bool) {
	var ce *CycleError
	if errors.As(err, &ce) {
		return ce.Stage, true
	}
	return "", false
}
