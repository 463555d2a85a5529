package api

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StepState represents the lifecycle state of a single step.
type StepState string

const (
	StepBlocked   StepState = "BLOCKED"
	StepPending   StepState = "PENDING"
	StepRunning   StepState = "RUNNING"
	StepCompleted StepState = "COMPLETED"
	StepFailed    StepState = "FAILED"
)

// Terminal reports whether no further transition is possible during normal
// execution.
func (s StepState) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}

// StepKind tags how the engine executes a step.
type StepKind string

const (
	// StepKindTask steps are executed by a registered Handler.
	StepKindTask StepKind = "task"
	// StepKindWait steps never call a handler. Completing one pushes the
	// eligibility time of the next step in the chain Wait into the future.
	StepKindWait StepKind = "wait"
)

// WorkflowStatus is the top-level status of a workflow.
//
// The engine sets it once, at creation, and never advances it: a workflow
// whose whole chain completed (or stalled on a FAILED step) still reports
// WorkflowActive. Use Summarize over the steps to report progress.
type WorkflowStatus string

const (
	WorkflowActive WorkflowStatus = "ACTIVE"
)

// WaitPrefix is the legacy step-name form of a wait directive, e.g. "WAIT:5000"
// for a five second wait. Planners may still emit it; ParseStepSpec turns it
// into a typed StepKindWait spec.
const WaitPrefix = "WAIT:"

// MaxWait is the longest wait a step may carry. Deferred times are stored as
// Unix nanoseconds, which end in 2262; a wait this long started today still
// lands well inside that range.
const MaxWait = 100 * 365 * 24 * time.Hour

// PlannedStep is a single (name, agent) pair produced by a Planner.
type PlannedStep struct {
	Name  string `json:"name"`
	Agent string `json:"agent"`
}

// StepSpec describes a step to be materialized when a workflow is created.
type StepSpec struct {
	Name  string        `json:"name"`
	Agent string        `json:"agent,omitempty"`
	Kind  StepKind      `json:"kind"`
	Wait  time.Duration `json:"wait,omitempty"`
}

// TaskSpec is shorthand for a handler-executed step.
func TaskSpec(name, agent string) StepSpec {
	return StepSpec{Name: name, Agent: agent, Kind: StepKindTask}
}

// WaitSpec is shorthand for a wait step deferring its successor by d.
func WaitSpec(d time.Duration) StepSpec {
	return StepSpec{
		Name: WaitPrefix + strconv.FormatInt(d.Milliseconds(), 10),
		Kind: StepKindWait,
		Wait: d,
	}
}

// ParseStepSpec resolves a planned (name, agent) pair into a typed StepSpec.
// Names of the form "WAIT:<millis>" become wait steps; anything else is a task.
func ParseStepSpec(name, agent string) (StepSpec, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return StepSpec{}, fmt.Errorf("%w: empty step name", ErrInvalidPlan)
	}

	raw, ok := strings.CutPrefix(name, WaitPrefix)
	if !ok {
		return TaskSpec(name, agent), nil
	}

	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return StepSpec{}, fmt.Errorf("%w: bad wait duration in %q", ErrInvalidPlan, name)
	}
	if ms < 0 {
		return StepSpec{}, fmt.Errorf("%w: negative wait duration in %q", ErrInvalidPlan, name)
	}
	if ms > MaxWait.Milliseconds() {
		return StepSpec{}, fmt.Errorf("%w: wait in %q exceeds %v", ErrInvalidPlan, name, MaxWait)
	}

	return StepSpec{
		Name:  name,
		Agent: agent,
		Kind:  StepKindWait,
		Wait:  time.Duration(ms) * time.Millisecond,
	}, nil
}

// Validate checks a single spec.
func (s StepSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: empty step name", ErrInvalidPlan)
	}
	switch s.Kind {
	case StepKindTask, "":
	case StepKindWait:
		if s.Wait < 0 {
			return fmt.Errorf("%w: step %q has negative wait", ErrInvalidPlan, s.Name)
		}
		if s.Wait > MaxWait {
			return fmt.Errorf("%w: step %q waits longer than %v", ErrInvalidPlan, s.Name, MaxWait)
		}
	default:
		return fmt.Errorf("%w: step %q has unknown kind %q", ErrInvalidPlan, s.Name, s.Kind)
	}
	return nil
}

// Workflow is a goal plus its shared context. Its steps are stored separately.
type Workflow struct {
	ID        string         `json:"id"`
	Goal      string         `json:"goal"`
	Status    WorkflowStatus `json:"status"`
	Context   Context        `json:"context"`
	CreatedAt time.Time      `json:"created_at"`
}

// Step is one unit of work in a workflow's chain.
type Step struct {
	ID         string `json:"id"`
	WorkflowID string `json:"workflow_id"`

	// Seq is the store-assigned insertion order. It is unique across the
	// store, increases along each workflow's chain and breaks ties between
	// steps with the same ScheduledFor.
	Seq int64 `json:"seq"`

	Name  string        `json:"name"`
	Kind  StepKind      `json:"kind"`
	Wait  time.Duration `json:"wait,omitempty"`
	Agent string        `json:"agent,omitempty"`
	State StepState     `json:"state"`

	// ScheduledFor is the eligible-not-before time. A step is claimable iff
	// it is PENDING and ScheduledFor <= now.
	ScheduledFor time.Time `json:"scheduled_for"`

	Logs   []string `json:"logs"`
	Output Payload  `json:"output,omitempty"`

	// RetryCount is reserved. The engine never retries a failed step.
	RetryCount int `json:"retry_count"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// AppendLog adds a timestamped line to the step log.
func (s *Step) AppendLog(at time.Time, format string, args ...any) {
	line := at.UTC().Format(time.RFC3339Nano) + " " + fmt.Sprintf(format, args...)
	s.Logs = append(s.Logs, line)
}

// Eligible reports whether the step may be claimed at now.
func (s *Step) Eligible(now time.Time) bool {
	return s.State == StepPending && !s.ScheduledFor.After(now)
}

// Clone returns a copy with its own log slice.
func (s *Step) Clone() *Step {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Logs != nil {
		cp.Logs = append([]string(nil), s.Logs...)
	}
	return &cp
}

// Clone returns a copy of the workflow with its own context map.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	cp := *w
	cp.Context = w.Context.Clone()
	return &cp
}

// Summary counts a workflow's steps per state.
type Summary struct {
	Total  int               `json:"total"`
	Counts map[StepState]int `json:"counts"`
	// Current is the first step that is not COMPLETED, if any.
	Current *Step `json:"current,omitempty"`
}

// Summarize builds a Summary from steps ordered by Seq. It is a read-side
// helper only; it does not change the workflow's Status.
func Summarize(steps []*Step) Summary {
	sum := Summary{
		Total:  len(steps),
		Counts: make(map[StepState]int, 5),
	}
	for _, s := range steps {
		sum.Counts[s.State]++
		if sum.Current == nil && s.State != StepCompleted {
			sum.Current = s
		}
	}
	return sum
}
