package core

import "encoding/json"

// RunState is the scratch state of one run. Steps read and mutate it while
// the dispatcher drives the run; it is serialized into the checkpoint when
// the run suspends and discarded when the run completes.
type RunState struct {
	RunID           string    `json:"run_id"`
	ThreadID        string    `json:"thread_id"`
	Query           string    `json:"query"`
	QueryType       QueryType `json:"query_type,omitempty"`
	RewrittenQuery  string    `json:"rewritten_query,omitempty"`
	History         []Message `json:"history,omitempty"`
	Summary         string    `json:"summary,omitempty"`
	Plan            *Plan     `json:"plan,omitempty"`
	Evidence        Evidence  `json:"evidence"`
	Phase           string    `json:"phase,omitempty"`
	Answer          string    `json:"answer,omitempty"`
	LowConfidence   bool      `json:"low_confidence,omitempty"`
	QualityAttempts int       `json:"quality_attempts,omitempty"`
	Feedback        string    `json:"feedback,omitempty"`
}

// EffectiveQuery returns the rewritten query when routing produced one.
func (r *RunState) EffectiveQuery() string {
	if r.RewrittenQuery != "" {
		return r.RewrittenQuery
	}
	return r.Query
}

// MarshalRun serializes a run for a checkpoint.
func MarshalRun(r *RunState) ([]byte, error) { return json.Marshal(r) }

// UnmarshalRun restores a run from a checkpoint.
func UnmarshalRun(data []byte) (*RunState, error) {
	var r RunState
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, Fatal("restore run", err)
	}
	return &r, nil
}

// FinalResult is the terminal outcome of a run.
type FinalResult struct {
	Answer        string   `json:"answer"`
	LowConfidence bool     `json:"low_confidence,omitempty"`
	Sources       []Source `json:"sources,omitempty"`
	RetryCount    int      `json:"retry_count"`
}

// InvokeResult is the uniform outcome of a capability invocation.
type InvokeResult struct {
	Success bool           `json:"success"`
	Result  map[string]any `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}
