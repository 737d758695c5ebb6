// Package process wraps a single external test process: its lifecycle
// (start, wait, terminate) and its incrementally consumable output streams.
package process

// State represents the lifecycle state of a Handle
type State string

const (
	StateNotStarted State = "not_started" // Handle created, process not spawned yet
	StateRunning    State = "running"     // Process spawned and not reaped yet
	StateExited     State = "exited"      // Process exited on its own, exit code preserved
	StateKilled     State = "killed"      // Process was terminated through the handle
)

// IsTerminal reports whether no further transitions can happen
func (s State) IsTerminal() bool {
	return s == StateExited || s == StateKilled
}

func (s State) String() string {
	return string(s)
}
