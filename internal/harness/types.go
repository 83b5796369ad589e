package harness

import "github.com/roach88/changeset/internal/ir"

// Trace event types.
const (
	EventStep         = "step"
	EventNotification = "notification"
)

// Outcomes a step can have.
const (
	OutcomeOK          = "ok"
	OutcomeInvalid     = "invalid"
	OutcomeNotFound    = "not_found"
	OutcomeStale       = "stale"
	OutcomeTimeout     = "timeout"
	OutcomeHookFailure = "hook_failure"
	OutcomeError       = "error"
)

// TraceEvent is either an executed step or a released notification.
type TraceEvent struct {
	Type     string      `json:"type"`
	Resource string      `json:"resource"`
	Action   string      `json:"action"`
	Outcome  string      `json:"outcome,omitempty"`
	Record   ir.IRObject `json:"record,omitempty"`
	Errors   []string    `json:"errors,omitempty"`
	Kind     string      `json:"kind,omitempty"`
	Seq      int64       `json:"seq,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace contains steps and notifications in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains expectation and assertion failures.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Notifications returns the notification events of the trace.
func (r *Result) Notifications() []TraceEvent {
	var out []TraceEvent
	for _, e := range r.Trace {
		if e.Type == EventNotification {
			out = append(out, e)
		}
	}
	return out
}
