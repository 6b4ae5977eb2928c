package state

import "time"

// SandboxMode controls what the codex child may touch on disk.
type SandboxMode string

const (
	SandboxReadOnly       SandboxMode = "read-only"
	SandboxWorkspaceWrite SandboxMode = "workspace-write"
	SandboxDangerFull     SandboxMode = "danger-full-access"
)

// ApprovalPolicy controls when the codex child escalates for approval.
type ApprovalPolicy string

const (
	ApprovalUntrusted ApprovalPolicy = "untrusted"
	ApprovalOnRequest ApprovalPolicy = "on-request"
	ApprovalOnFailure ApprovalPolicy = "on-failure"
	ApprovalNever     ApprovalPolicy = "never"
)

// ReasoningEffort selects the model reasoning budget.
type ReasoningEffort string

const (
	ReasoningXHigh   ReasoningEffort = "xhigh"
	ReasoningHigh    ReasoningEffort = "high"
	ReasoningMedium  ReasoningEffort = "medium"
	ReasoningLow     ReasoningEffort = "low"
	ReasoningMinimal ReasoningEffort = "minimal"
)

// AgentStatus is the runtime status of an agent.
type AgentStatus string

const (
	StatusIdle    AgentStatus = "idle"
	StatusWorking AgentStatus = "working"
	StatusError   AgentStatus = "error"
)

// TaskStatus is the lifecycle status of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in-progress"
	TaskCompleted  TaskStatus = "completed"
)

// AgentConfig describes an agent to be created. Zero fields take defaults.
type AgentConfig struct {
	Role           string          `json:"role"`
	Specialization string          `json:"specialization,omitempty"`
	Model          string          `json:"model,omitempty"`
	Sandbox        SandboxMode     `json:"sandbox,omitempty"`
	Approval       ApprovalPolicy  `json:"approval,omitempty"`
	Reasoning      ReasoningEffort `json:"reasoning,omitempty"`
	Lead           bool            `json:"lead,omitempty"`
	WorkDir        string          `json:"workDir,omitempty"`
	Instructions   string          `json:"instructions,omitempty"`
}

// Agent is a single long-running codex conversation plus its roster entry.
type Agent struct {
	ID             string          `json:"id"`
	Role           string          `json:"role"`
	Specialization string          `json:"specialization,omitempty"`
	Model          string          `json:"model"`
	Sandbox        SandboxMode     `json:"sandbox"`
	Approval       ApprovalPolicy  `json:"approval"`
	Reasoning      ReasoningEffort `json:"reasoning"`
	Lead           bool            `json:"lead"`
	WorkDir        string          `json:"workDir"`
	Instructions   string          `json:"instructions,omitempty"`

	// Runtime fields.
	ThreadID   string      `json:"threadId,omitempty"`
	Status     AgentStatus `json:"status"`
	LastOutput string      `json:"lastOutput,omitempty"`
	TaskIDs    []string    `json:"taskIds,omitempty"`
}

// Task is a unit of work assigned to one agent, gated by prerequisites.
type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	AssigneeID  string     `json:"assigneeId"`
	DependsOn   []string   `json:"dependsOn,omitempty"`
	Result      string     `json:"result,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	CompletedAt time.Time  `json:"completedAt,omitzero"`
}

// Team owns its agents and tasks exclusively.
type Team struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	CreatedAt time.Time        `json:"createdAt"`
	Agents    map[string]Agent `json:"agents"`
	Tasks     map[string]Task  `json:"tasks"`
}
