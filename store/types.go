// Package store defines the persistence contracts for the orchestration
// core: Teams, Executions, and ExecutionLogs. Concrete storage is external
// to the core; store/postgres ships one concrete adapter behind these
// interfaces.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// TeamStatus is the lifecycle status of a Team.
type TeamStatus string

const (
	TeamActive   TeamStatus = "ACTIVE"
	TeamInactive TeamStatus = "INACTIVE"
	TeamError    TeamStatus = "ERROR"
)

// NodeKind tags the three node variants as a flat enum rather than an
// inheritance hierarchy, matching core/config.go's enum-field style for
// tagging component kinds elsewhere in this repo.
type NodeKind string

const (
	KindGlobalSupervisor NodeKind = "GLOBAL_SUPERVISOR"
	KindNodeSupervisor   NodeKind = "NODE_SUPERVISOR"
	KindAgent            NodeKind = "AGENT"
)

// CoordinationStrategy selects dispatch order among a supervisor's
// already-ready children. It never affects readiness - edges do that.
type CoordinationStrategy string

const (
	StrategyRoundRobin  CoordinationStrategy = "ROUND_ROBIN"
	StrategyPriority    CoordinationStrategy = "PRIORITY"
	StrategyAdaptive    CoordinationStrategy = "ADAPTIVE"
	StrategyHierarchical CoordinationStrategy = "HIERARCHICAL"
	StrategyParallel    CoordinationStrategy = "PARALLEL"
	StrategySequential  CoordinationStrategy = "SEQUENTIAL"
)

// ModelRef identifies an externally-resolved LLM: (provider_tag, model_id).
type ModelRef struct {
	ProviderTag string `json:"provider_tag"`
	ModelID     string `json:"model_id"`
}

// AgentConfig is the per-node configuration for AGENT (and supervisor)
// nodes that actually call an LLM.
type AgentConfig struct {
	Role         string   `json:"role"`
	Instructions string   `json:"instructions"`
	ModelRef     ModelRef `json:"model_ref"`
	Tools        []string `json:"tools"`
	Temperature  float64  `json:"temperature"`
	MaxTokens    int      `json:"max_tokens"`
}

// Node is a vertex in a TopologyConfig.
type Node struct {
	ID                   string               `json:"id"`
	Name                 string               `json:"name"`
	Kind                 NodeKind             `json:"kind"`
	AgentConfig          AgentConfig          `json:"agent_config"`
	CoordinationStrategy CoordinationStrategy `json:"coordination_strategy,omitempty"`
}

// Edge connects two nodes; ConditionLabel doubles as a PRIORITY-strategy
// numeric priority string when present (missing = priority 0).
type Edge struct {
	SourceID       string `json:"source_id"`
	TargetID       string `json:"target_id"`
	ConditionLabel string `json:"condition_label,omitempty"`
}

// TopologyConfig is the declarative DAG blueprint for a Team.
type TopologyConfig struct {
	Nodes        []Node          `json:"nodes"`
	Edges        []Edge          `json:"edges"`
	EntryPoint   string          `json:"entry_point"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// DeepCopy returns an independent copy so that an Execution's
// topology_snapshot is never affected by later mutation of the owning Team.
func (t TopologyConfig) DeepCopy() TopologyConfig {
	nodes := make([]Node, len(t.Nodes))
	for i, n := range t.Nodes {
		nCopy := n
		nCopy.AgentConfig.Tools = append([]string(nil), n.AgentConfig.Tools...)
		nodes[i] = nCopy
	}
	edges := make([]Edge, len(t.Edges))
	copy(edges, t.Edges)
	var schema json.RawMessage
	if t.OutputSchema != nil {
		schema = append(json.RawMessage(nil), t.OutputSchema...)
	}
	return TopologyConfig{Nodes: nodes, Edges: edges, EntryPoint: t.EntryPoint, OutputSchema: schema}
}

// Team is a named, validated topology blueprint.
type Team struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Status         TeamStatus     `json:"status"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	MaxIterations  int            `json:"max_iterations"`
	Topology       TopologyConfig `json:"topology"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ExecStatus is an Execution's lifecycle status.
type ExecStatus string

const (
	ExecPending   ExecStatus = "PENDING"
	ExecRunning   ExecStatus = "RUNNING"
	ExecSuccess   ExecStatus = "SUCCESS"
	ExecFailed    ExecStatus = "FAILED"
	ExecTimeout   ExecStatus = "TIMEOUT"
	ExecCancelled ExecStatus = "CANCELLED"
)

// IsTerminal reports whether status is one of the four absorbing states.
func (s ExecStatus) IsTerminal() bool {
	switch s {
	case ExecSuccess, ExecFailed, ExecTimeout, ExecCancelled:
		return true
	default:
		return false
	}
}

// NodeStatus is a NodeResult's status.
type NodeStatus string

const (
	NodePending NodeStatus = "PENDING"
	NodeRunning NodeStatus = "RUNNING"
	NodeSuccess NodeStatus = "SUCCESS"
	NodeFailed  NodeStatus = "FAILED"
	NodeSkipped NodeStatus = "SKIPPED"
)

// NodeResult is the per-node outcome recorded on an Execution.
type NodeResult struct {
	Status      NodeStatus `json:"status"`
	Output      string     `json:"output"`
	Error       string     `json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ExecutionInput is the task payload supplied to trigger().
type ExecutionInput struct {
	Task       string                 `json:"task"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// ExecutionOutput is the final aggregated result, optionally structured.
type ExecutionOutput struct {
	Raw        string          `json:"raw,omitempty"`
	Structured json.RawMessage `json:"structured,omitempty"`
}

// Execution is one instantiation of a Team.
type Execution struct {
	ID               string                 `json:"id"`
	TeamID           string                 `json:"team_id"`
	TopologySnapshot TopologyConfig         `json:"topology_snapshot"`
	Input            ExecutionInput         `json:"input"`
	Output           *ExecutionOutput       `json:"output,omitempty"`
	OutputSchema     json.RawMessage        `json:"output_schema,omitempty"`
	ParseError       string                 `json:"parse_error,omitempty"`
	NodeResults      map[string]*NodeResult `json:"node_results"`
	Status           ExecStatus             `json:"status"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	DurationMs       int64                  `json:"duration_ms,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// ExecutionLog is one append-only ordered event record.
type ExecutionLog struct {
	ID           string          `json:"id"`
	ExecutionID  string          `json:"execution_id"`
	Sequence     int64           `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	EventType    string          `json:"event_type"`
	NodeID       string          `json:"node_id,omitempty"`
	AgentID      string          `json:"agent_id,omitempty"`
	SupervisorID string          `json:"supervisor_id,omitempty"`
	Message      string          `json:"message,omitempty"`
	ExtraData    json.RawMessage `json:"extra_data,omitempty"`
}

// ExecutionFilter restricts Executions.List.
type ExecutionFilter struct {
	TeamID        string
	Status        ExecStatus
	StartedAfter  *time.Time
	StartedBefore *time.Time
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
}

// LogFilter restricts ExecutionLogs.List.
type LogFilter struct {
	ExecutionID    string
	EventType      string
	NodeID         string
	SinceSequence  int64
	Limit          int
	Offset         int
}

// Teams is the repository contract for Team entities.
type Teams interface {
	Create(ctx context.Context, team *Team) error
	Get(ctx context.Context, id string) (*Team, error)
	GetByName(ctx context.Context, name string) (*Team, error)
	Update(ctx context.Context, team *Team) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, limit, offset int) ([]*Team, error)
}

// Executions is the repository contract for Execution entities.
type Executions interface {
	Create(ctx context.Context, exec *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	Update(ctx context.Context, exec *Execution) error
	List(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	// CountRunningByTeam reports RUNNING executions for a team, used to
	// reject Team deletion while a RUNNING execution still references it.
	CountRunningByTeam(ctx context.Context, teamID string) (int, error)
	// ListRunningOrPending supports startup recovery after a process restart.
	ListRunningOrPending(ctx context.Context) ([]*Execution, error)
	// DeleteOlderThan supports C7 retention sweeps; returns rows deleted.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// ExecutionLogs is the repository contract for the append-only log.
type ExecutionLogs interface {
	// Append persists a log row with the next monotone sequence for its
	// execution and returns the assigned sequence. Must be called under
	// the same per-execution ordering guarantee the Event Bus relies on.
	Append(ctx context.Context, log *ExecutionLog) (int64, error)
	List(ctx context.Context, filter LogFilter) ([]*ExecutionLog, error)
	DeleteByExecutionIDs(ctx context.Context, executionIDs []string) (int, error)
}
