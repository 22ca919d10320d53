package spark

import "encoding/json"

// Report is the payload posted to the callback each cycle.
type Report struct {
	ClusterID     string        `json:"ClusterID"`
	Status        ClusterStatus `json:"Status"`
	AppExitStatus string        `json:"AppExitStatus"`
}

// State is the lifecycle state the collector derives from a report.
type State string

const (
	StateIdle    State = "IDLE"
	StateRunning State = "RUNNING"
	StateDone    State = "DONE"
	StateError   State = "ERROR"
)

// States lists every State in a stable order.
var States = []State{StateIdle, StateRunning, StateDone, StateError}

const appStateFinished = "FINISHED"

// Classify derives the cluster state from a report. Any exit marker counts as
// a failure; otherwise running apps win over completed ones, and a completed
// run is only DONE when the most recent app finished cleanly.
func Classify(r Report) State {
	if r.AppExitStatus != "" {
		return StateError
	}

	if len(listField(r.Status, "activeapps")) > 0 {
		return StateRunning
	}

	if completed := listField(r.Status, "completedapps"); len(completed) > 0 {
		app, _ := completed[0].(map[string]any)
		if state, _ := app["state"].(string); state == appStateFinished {
			return StateDone
		}
		return StateError
	}

	return StateIdle
}

// AliveWorkers returns the aliveworkers count of a status document.
func AliveWorkers(status ClusterStatus) (int, bool) {
	switch v := status["aliveworkers"].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func listField(status ClusterStatus, key string) []any {
	switch v := status[key].(type) {
	case []any:
		return v
	case []map[string]any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out
	default:
		return nil
	}
}
