package harness

// TraceEvent records one executed step.
type TraceEvent struct {
	Seq        int64    `json:"seq"`
	Node       string   `json:"node"`
	Op         string   `json:"op"`
	Key        string   `json:"key,omitempty"`
	Capability string   `json:"capability,omitempty"`
	Identity   string   `json:"identity,omitempty"`
	From       string   `json:"from,omitempty"`
	Accepted   int      `json:"accepted,omitempty"`
	Rejected   []string `json:"rejected,omitempty"`
	Outcome    string   `json:"outcome"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step met its expectation and every assertion
	// held.
	Pass bool `json:"pass"`

	// Trace lists the executed steps in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failed expectations and assertions.
	Errors []string `json:"errors,omitempty"`

	// State holds the final state of each node, keyed by node name.
	State map[string]any `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]any),
	}
}

// AddError adds a failure message and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends an executed step.
func (r *Result) AddTrace(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
