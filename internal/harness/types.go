package harness

// Trace directions.
const (
	DirSend  = "send"
	DirRecv  = "recv"
	DirStore = "store"
)

// TraceEvent is one recorded message.
type TraceEvent struct {
	Seq int64 `json:"seq"`

	// Conn names the simulated connection; empty for store events.
	Conn string `json:"conn,omitempty"`

	// Dir is DirSend for client messages, DirRecv for server messages and
	// DirStore for document writes.
	Dir string `json:"dir"`

	// Message is the protocol message with entry ids aliased. Store events
	// are [op, collection, id].
	Message []any `json:"message"`
}

// Kind returns the message kind: the action of a client message, the first
// element of a server message, or the op of a store event.
func (e TraceEvent) Kind() string {
	idx := 0
	if e.Dir == DirSend {
		idx = 1
	}
	if idx >= len(e.Message) {
		return ""
	}
	kind, _ := e.Message[idx].(string)
	return kind
}

// FinalState is the server state captured after the last step.
type FinalState struct {
	Entries       int            `json:"entries"`
	Subscriptions map[string]int `json:"subscriptions"`
	Observers     map[string]int `json:"observers"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace holds every event in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds assertion failures. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	State FinalState `json:"state"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:  true,
		Trace: []TraceEvent{},
		State: FinalState{
			Subscriptions: make(map[string]int),
			Observers:     make(map[string]int),
		},
	}
}

// AddError records an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Received returns the server messages in trace order.
func (r *Result) Received() []TraceEvent {
	var out []TraceEvent
	for _, e := range r.Trace {
		if e.Dir == DirRecv {
			out = append(out, e)
		}
	}
	return out
}
