// Package task defines the durable Task and Project records shared by the
// store, the dispatch engine, and the route layer. Status (workflow
// column) and Dispatch (agent attachment) are deliberately orthogonal
// enums; the legacy Locked boolean is derived, never stored authority.
package task

import (
	"time"

	"github.com/google/uuid"

	"foreman/pkg/protocol"
)

// Status is a task's workflow column.
type Status string

// Workflow statuses.
const (
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in-progress"
	StatusVerify     Status = "verify"
	StatusDone       Status = "done"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusInProgress, StatusVerify, StatusDone:
		return true
	}
	return false
}

// Dispatch tracks whether an agent process is actually attached to a
// task, independent of Status.
type Dispatch string

// Dispatch states.
const (
	DispatchNone     Dispatch = "none"
	DispatchQueued   Dispatch = "queued"
	DispatchStarting Dispatch = "starting"
	DispatchRunning  Dispatch = "running"
)

// Active reports whether d claims a live (or imminently live) session.
func (d Dispatch) Active() bool {
	return d == DispatchStarting || d == DispatchRunning
}

// Mode selects the agent's initial behavior on dispatch.
type Mode string

// Dispatch modes.
const (
	ModeCode Mode = "code"
	ModePlan Mode = "plan"
)

// MergeConflict records an unresolved merge, attached to a task only
// while it sits in verify because of that conflict.
type MergeConflict struct {
	Message string   `json:"message"`
	Files   []string `json:"files,omitempty"`
	Branch  string   `json:"branch,omitempty"`
}

// Task is the durable work-item record.
type Task struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	Status   Status   `json:"status"`
	Dispatch Dispatch `json:"dispatch"`
	Order    float64  `json:"order"`
	Mode     Mode     `json:"mode,omitempty"`

	// WorktreePath and Branch are set iff an isolated git workspace
	// currently exists for this task.
	WorktreePath  string         `json:"worktreePath,omitempty"`
	Branch        string         `json:"branch,omitempty"`
	MergeConflict *MergeConflict `json:"mergeConflict,omitempty"`

	// Agent-populated free text, cleared on reset.
	Findings   string `json:"findings,omitempty"`
	HumanSteps string `json:"humanSteps,omitempty"`
	AgentLog   string `json:"agentLog,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New creates a todo task with a fresh ID and timestamps.
func New(title, description string) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          uuid.NewString(),
		Title:       title,
		Description: description,
		Status:      StatusTodo,
		Dispatch:    DispatchNone,
		Mode:        ModeCode,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ShortID returns the identifier prefix used for branch, worktree, and
// session naming.
func (t *Task) ShortID() string {
	return protocol.ShortID(t.ID)
}

// Locked is the legacy alias for "an agent is attached". Retained for
// old call sites; always derived from Dispatch.
func (t *Task) Locked() bool {
	return t.Dispatch != DispatchNone
}

// HasWorkspace reports whether the task currently owns a worktree+branch.
func (t *Task) HasWorkspace() bool {
	return t.WorktreePath != "" && t.Branch != ""
}

// ResetEphemeral clears agent output, workspace references, and any
// conflict record. Used on the in-progress → todo transition.
func (t *Task) ResetEphemeral() {
	t.Findings = ""
	t.HumanSteps = ""
	t.AgentLog = ""
	t.WorktreePath = ""
	t.Branch = ""
	t.MergeConflict = nil
}

// ExecutionMode controls how many tasks a project dispatches at once.
type ExecutionMode string

// Execution modes.
const (
	ExecSequential ExecutionMode = "sequential"
	ExecParallel   ExecutionMode = "parallel"
)

// Project is the durable project record.
type Project struct {
	ID            string        `json:"id"`
	Path          string        `json:"path"`
	ExecutionMode ExecutionMode `json:"executionMode"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// NewProject creates a project with sequential execution by default.
func NewProject(path string) *Project {
	now := time.Now().UTC()
	return &Project{
		ID:            uuid.NewString(),
		Path:          path,
		ExecutionMode: ExecSequential,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
