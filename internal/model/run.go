package model

import "time"

// Worker run state constants.
const (
	RunStarting = "starting"
	RunReady    = "ready"
	RunFailed   = "failed"
	RunStopped  = "stopped"
	RunExited   = "exited"
)

// Output stream names for captured worker lines.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// validRunTransitions maps each run state to the states it may move to.
// A run that failed its readiness wait is still held and can be stopped or exit.
var validRunTransitions = map[string]map[string]bool{
	RunStarting: {
		RunReady:   true,
		RunFailed:  true,
		RunStopped: true,
		RunExited:  true,
	},
	RunReady: {
		RunStopped: true,
		RunExited:  true,
	},
	RunFailed: {
		RunReady:   true,
		RunStopped: true,
		RunExited:  true,
	},
}

// ValidRunTransition reports whether a worker run may move from one state to another.
func ValidRunTransition(from, to string) bool {
	targets, ok := validRunTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminalRun reports whether no further transitions are possible.
func IsTerminalRun(state string) bool {
	return state == RunStopped || state == RunExited
}

// WorkerRun records one spawned worker process.
type WorkerRun struct {
	ID         string     `json:"id"`
	PID        int        `json:"pid"`
	Executable string     `json:"executable"`
	Port       uint16     `json:"port"`
	State      string     `json:"state"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	ReadyAt    *time.Time `json:"ready_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// LogLine is a single captured line of worker output.
type LogLine struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	Stream    string    `json:"stream"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}
