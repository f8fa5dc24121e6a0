package harness

// TraceEvent records one executed step.
type TraceEvent struct {
	Step    int    `json:"step"`
	Action  string `json:"action"`
	Replica string `json:"replica"`
	Peer    string `json:"peer,omitempty"`
	Doc     string `json:"doc,omitempty"`

	// Writes is the number of register writes an edit carried.
	Writes int `json:"writes,omitempty"`
	// Folded and Deleted report what a compact step did.
	Folded  int `json:"folded,omitempty"`
	Deleted int `json:"deleted,omitempty"`
	// Documents is the number of documents a restarted replica reloaded.
	Documents int `json:"documents,omitempty"`
	// Liveness is the client-side liveness after a connection step.
	Liveness string `json:"liveness,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEvent `json:"trace"`

	Errors []string `json:"errors,omitempty"`

	// State holds every replica's final registers by replica name, then
	// document, then key.
	State map[string]map[string]map[string]string `json:"state,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string]map[string]map[string]string),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
