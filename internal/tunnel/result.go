package tunnel

import (
	"fmt"
	"strings"
	"time"
)

// ActionType identifies what a reconciliation cycle did to one tunnel.
type ActionType string

const (
	// ActionOpen is a request for a new remote listener.
	ActionOpen ActionType = "open"

	// ActionClose tears down a listener whose service went away.
	ActionClose ActionType = "close"
)

// ActionStatus is the outcome of a single action.
type ActionStatus string

const (
	// ActionSuccess means the operation completed.
	ActionSuccess ActionStatus = "success"

	// ActionFailed means the operation returned an error. A failed open
	// leaves the tunnel in StatusFailed; a failed close still removes it
	// from the snapshot.
	ActionFailed ActionStatus = "failed"
)

// Action records one open or close performed during a cycle.
type Action struct {
	// Type is the kind of operation.
	Type ActionType

	// Status is the outcome.
	Status ActionStatus

	// Tunnel is the tunnel name the operation applied to.
	Tunnel string

	// Remote is the requested listen address on the SSH server.
	Remote string

	// Target is the local forward destination, empty for closes.
	Target string

	// Error holds the failure message when Status is ActionFailed.
	Error string
}

// String formats the action for logs.
func (a Action) String() string {
	s := strings.ToUpper(string(a.Type)) + " " + a.Tunnel
	if a.Remote != "" {
		s += " " + a.Remote
	}
	if a.Target != "" {
		s += " -> " + a.Target
	}
	s += " [" + string(a.Status) + "]"
	if a.Error != "" {
		s += ": " + a.Error
	}
	return s
}

// Result accumulates what one reconciliation cycle decided and did.
type Result struct {
	// StartTime is when the cycle began.
	StartTime time.Time

	// EndTime is when the cycle finished.
	EndTime time.Time

	// Desired is the number of services in the snapshot being applied.
	Desired int

	// Unchanged is the number of active tunnels carried over untouched.
	Unchanged int

	// Actions lists every open and close performed.
	Actions []Action
}

// NewResult returns a Result with the start time set.
func NewResult() *Result {
	return &Result{StartTime: time.Now()}
}

// Complete marks the cycle finished.
func (r *Result) Complete() {
	r.EndTime = time.Now()
}

// Duration returns the elapsed time so far, or the final duration once
// Complete has been called.
func (r *Result) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return time.Since(r.StartTime)
	}
	return r.EndTime.Sub(r.StartTime)
}

// AddAction appends an action to the result.
func (r *Result) AddAction(a Action) {
	r.Actions = append(r.Actions, a)
}

// Opened returns the successful open actions.
func (r *Result) Opened() []Action {
	return r.filter(ActionOpen, ActionSuccess)
}

// Closed returns the successful close actions.
func (r *Result) Closed() []Action {
	return r.filter(ActionClose, ActionSuccess)
}

// Failed returns every action that errored, opens and closes alike.
func (r *Result) Failed() []Action {
	var failed []Action
	for _, a := range r.Actions {
		if a.Status == ActionFailed {
			failed = append(failed, a)
		}
	}
	return failed
}

func (r *Result) filter(t ActionType, s ActionStatus) []Action {
	var out []Action
	for _, a := range r.Actions {
		if a.Type == t && a.Status == s {
			out = append(out, a)
		}
	}
	return out
}

// OpenedCount returns the number of successful opens.
func (r *Result) OpenedCount() int { return len(r.Opened()) }

// ClosedCount returns the number of successful closes.
func (r *Result) ClosedCount() int { return len(r.Closed()) }

// FailedCount returns the number of failed actions.
func (r *Result) FailedCount() int { return len(r.Failed()) }

// HasErrors reports whether any action failed.
func (r *Result) HasErrors() bool {
	return r.FailedCount() > 0
}

// Summary returns a one-line description of the cycle for logging.
func (r *Result) Summary() string {
	return fmt.Sprintf("%d desired: %d opened, %d closed, %d failed, %d unchanged (%.2fs)",
		r.Desired,
		r.OpenedCount(),
		r.ClosedCount(),
		r.FailedCount(),
		r.Unchanged,
		r.Duration().Seconds(),
	)
}
