package core

// QueryType is the intent classification produced by routing.
type QueryType string

const (
	QuerySimple   QueryType = "simple"
	QueryComplex  QueryType = "complex"
	QueryClarify  QueryType = "clarify"
	QueryChitchat QueryType = "chitchat"
)

// ParseQueryType maps free text to a QueryType, defaulting to QuerySimple.
func ParseQueryType(s string) QueryType {
	switch QueryType(s) {
	case QueryComplex, QueryClarify, QueryChitchat:
		return QueryType(s)
	default:
		return QuerySimple
	}
}

// CapabilityKind groups capability handlers by processing stage.
type CapabilityKind string

const (
	CapabilityRetrieval  CapabilityKind = "retrieval"
	CapabilityReasoning  CapabilityKind = "reasoning"
	CapabilityGeneration CapabilityKind = "generation"
	CapabilityExpression CapabilityKind = "expression"
)

// Valid reports whether k is one of the known kinds.
func (k CapabilityKind) Valid() bool {
	switch k {
	case CapabilityRetrieval, CapabilityReasoning, CapabilityGeneration, CapabilityExpression:
		return true
	}
	return false
}

// TaskStatus tracks a task through execution.
type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
	TaskFailed  TaskStatus = "failed"
)

// TaskResult is the captured outcome of a task.
type TaskResult struct {
	TaskID    string         `json:"task_id"`
	Handler   string         `json:"handler"`
	Success   bool           `json:"success"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	Cancelled bool           `json:"cancelled,omitempty"`
}

// Task is one unit of work bound to a registered capability handler.
type Task struct {
	ID         string         `json:"id"`
	Capability CapabilityKind `json:"capability"`
	Handler    string         `json:"handler"`
	Args       map[string]any `json:"args,omitempty"`
	Status     TaskStatus     `json:"status"`
	Result     *TaskResult    `json:"result,omitempty"`
}

// Plan is the ordered task list produced for one query. It is owned by the
// run that created it and only persisted as part of a checkpoint.
type Plan struct {
	Query      string  `json:"query"`
	Tasks      []*Task `json:"tasks"`
	RetryCount int     `json:"retry_count"`
}

// Next returns the first pending task, or nil when all tasks have settled.
func (p *Plan) Next() *Task {
	if p == nil {
		return nil
	}
	for _, t := range p.Tasks {
		if t.Status == TaskPending || t.Status == "" {
			return t
		}
	}
	return nil
}

// Task returns the task with the given id.
func (p *Plan) Task(id string) *Task {
	if p == nil {
		return nil
	}
	for _, t := range p.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Done reports whether every task has settled.
func (p *Plan) Done() bool { return p.Next() == nil }

// Results collects the results of settled tasks in plan order.
func (p *Plan) Results() []TaskResult {
	if p == nil {
		return nil
	}
	out := make([]TaskResult, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		if t.Result != nil {
			out = append(out, *t.Result)
		}
	}
	return out
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	cp := &Plan{Query: p.Query, RetryCount: p.RetryCount, Tasks: make([]*Task, len(p.Tasks))}
	for i, t := range p.Tasks {
		nt := *t
		nt.Args = cloneMap(t.Args)
		if t.Result != nil {
			r := *t.Result
			r.Result = cloneMap(t.Result.Result)
			nt.Result = &r
		}
		cp.Tasks[i] = &nt
	}
	return cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
