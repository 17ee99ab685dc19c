// Package execution implements the orchestration core's Execution Manager
// (C2): admission, launch, tracking, cancellation, and timeout of
// Executions. Owns the process-wide running table and the admission
// semaphore, following core/circuit_breaker.go's guarded-state-machine
// style for the transitions around a run's lifecycle.
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/agentmesh/orchestrator/agentstep"
	"github.com/agentmesh/orchestrator/core"
	"github.com/agentmesh/orchestrator/graph"
	"github.com/agentmesh/orchestrator/store"
	"github.com/agentmesh/orchestrator/structuredoutput"
	"github.com/agentmesh/orchestrator/topology"
)

const defaultNMax = 100

type handle struct {
	token    *graph.CancelToken
	cancel   context.CancelFunc
	released chan struct{} // closed exactly once at terminal transition
}

// Manager is C2.
type Manager struct {
	teams      store.Teams
	executions store.Executions
	validator  *topology.Validator
	runner     *graph.Runner
	turns      graph.TurnFactory
	parser     *structuredoutput.Parser

	sem chan struct{}

	mu      sync.Mutex
	running map[string]*handle

	defaultTimeout time.Duration
	logger         core.ComponentAwareLogger
}

// Config configures a Manager from its environment-driven settings.
type Config struct {
	NMax                    int
	DefaultTimeout          time.Duration
	Teams                   store.Teams
	Executions              store.Executions
	Validator               *topology.Validator
	Runner                  *graph.Runner
	Turns                   graph.TurnFactory
	Parser                  *structuredoutput.Parser
	Logger                  core.ComponentAwareLogger
}

// New builds a Manager.
func New(cfg Config) *Manager {
	nmax := cfg.NMax
	if nmax <= 0 {
		nmax = defaultNMax
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	logger := cfg.Logger
	if logger != nil {
		logger = logger.WithComponent("orchestration/execution").(core.ComponentAwareLogger)
	}
	return &Manager{
		teams:          cfg.Teams,
		executions:     cfg.Executions,
		validator:      cfg.Validator,
		runner:         cfg.Runner,
		turns:          cfg.Turns,
		parser:         cfg.Parser,
		sem:            make(chan struct{}, nmax),
		running:        make(map[string]*handle),
		defaultTimeout: timeout,
		logger:         logger,
	}
}

// Trigger admits and launches a new Execution. Returns the created Execution
// (status RUNNING) once the background task has been spawned, or an error
// (ErrTeamNotActive, a validation FrameworkError, or
// ErrConcurrencyLimitExceeded) without ever creating a row.
func (m *Manager) Trigger(ctx context.Context, teamID string, input store.ExecutionInput, outputSchema json.RawMessage, timeoutSeconds int) (*store.Execution, error) {
	team, err := m.teams.Get(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if team.Status != store.TeamActive {
		return nil, core.ErrTeamNotActive
	}

	// Re-validate against the *current* registries: model/tool names may
	// have been removed since the team was created.
	result := m.validator.Validate(ctx, team.Topology)
	if !result.OK {
		return nil, core.NewFrameworkError("execution.Trigger", core.KindValidation,
			fmt.Errorf("topology re-validation failed: %d errors (stale model/tool references or topology drift)", len(result.Errors)))
	}

	select {
	case m.sem <- struct{}{}:
	default:
		return nil, core.ErrConcurrencyLimitExceeded
	}

	timeout := m.defaultTimeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}

	now := time.Now()
	exec := &store.Execution{
		ID:               uuid.NewString(),
		TeamID:           teamID,
		TopologySnapshot: team.Topology.DeepCopy(),
		Input:            input,
		OutputSchema:     outputSchema,
		NodeResults:      make(map[string]*store.NodeResult),
		Status:           store.ExecPending,
		CreatedAt:        now,
	}
	if err := m.executions.Create(ctx, exec); err != nil {
		<-m.sem
		return nil, err
	}

	exec.Status = store.ExecRunning
	exec.StartedAt = &now
	if err := m.executions.Update(ctx, exec); err != nil {
		<-m.sem
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(context.Background(), timeout)
	h := &handle{token: graph.NewCancelToken(), cancel: cancel, released: make(chan struct{})}

	m.mu.Lock()
	m.running[exec.ID] = h
	m.mu.Unlock()

	go m.supervise(runCtx, exec, h, timeout)

	return exec, nil
}

// supervise runs the Graph Runner to completion under a watchdog, then
// performs the single terminal transition (release-once semaphore, remove
// from running, persist final state).
func (m *Manager) supervise(ctx context.Context, exec *store.Execution, h *handle, timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.runner.Run(ctx, exec, h.token, m.turns)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Watchdog fired (runCtx timeout) or was externally cancelled without
		// the runner having observed it yet; trip the token and wait for the
		// runner to unwind through its own cancellation check.
		h.token.Cancel()
		<-done
		if ctx.Err() == context.DeadlineExceeded && exec.Status != store.ExecCancelled {
			exec.Status = store.ExecTimeout
			exec.ErrorMessage = fmt.Sprintf("timeout after %ds", int(timeout.Seconds()))
			now := time.Now()
			exec.CompletedAt = &now
		}
	}

	m.release(exec)
}

func (m *Manager) release(exec *store.Execution) {
	m.mu.Lock()
	h, ok := m.running[exec.ID]
	delete(m.running, exec.ID)
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-h.released:
		// already released - a double-release would be a fatal bug.
		if m.logger != nil {
			m.logger.ErrorWithContext(context.Background(), "double release of admission semaphore", map[string]interface{}{"execution_id": exec.ID})
		}
		return
	default:
		close(h.released)
	}
	h.cancel()
	<-m.sem

	m.applyStructuredOutput(exec)

	if err := m.executions.Update(context.Background(), exec); err != nil && m.logger != nil {
		m.logger.ErrorWithContext(context.Background(), "failed to persist terminal execution state", map[string]interface{}{
			"execution_id": exec.ID, "error": err.Error(),
		})
	}
}

// applyStructuredOutput runs the Structured Output Parser (C5) over a
// successful Execution's raw output when the team declared an
// output_schema, using the entry-point node's LLM for corrective retries.
// A validation failure only ever sets ParseError - it never flips Status.
func (m *Manager) applyStructuredOutput(exec *store.Execution) {
	if m.parser == nil || len(exec.OutputSchema) == 0 || exec.Status != store.ExecSuccess || exec.Output == nil {
		return
	}

	var retry structuredoutput.Retrier
	if m.turns != nil {
		var entry store.Node
		for _, n := range exec.TopologySnapshot.Nodes {
			if n.ID == exec.TopologySnapshot.EntryPoint {
				entry = n
				break
			}
		}
		if turn, err := m.turns(context.Background(), entry); err == nil {
			retry = func(ctx context.Context, priorOutput, validationError string) (string, error) {
				text, _, err := turn.Call(ctx, entry.AgentConfig.Instructions, []agentstep.Message{
					{Role: "assistant", Content: priorOutput},
					{Role: "user", Content: fmt.Sprintf("That output failed schema validation: %s. Reply with corrected JSON only.", validationError)},
				})
				return text, err
			}
		}
	}

	result := m.parser.Validate(context.Background(), exec.OutputSchema, exec.Output.Raw, retry)
	exec.Output.Structured = result.Structured
	exec.Output.Raw = result.Raw
	exec.ParseError = result.ParseError
}

// Cancel fails with ErrExecutionNotRunning unless the execution is
// currently tracked in running, otherwise trips its
// cancellation token. The actual CANCELLED transition and terminal event
// are recorded by the background task the next time it observes the token
// (graph.Runner checks it at every loop head).
func (m *Manager) Cancel(ctx context.Context, executionID string) error {
	m.mu.Lock()
	h, ok := m.running[executionID]
	m.mu.Unlock()
	if !ok {
		return core.ErrExecutionNotRunning
	}
	h.token.Cancel()
	return nil
}

// Get returns one Execution by id.
func (m *Manager) Get(ctx context.Context, executionID string) (*store.Execution, error) {
	return m.executions.Get(ctx, executionID)
}

// List returns Executions matching filter, defaulting and capping pagination
// (default 20, max 100).
func (m *Manager) List(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}
	return m.executions.List(ctx, filter)
}

// RunningCount reports the number of executions this process currently
// tracks as RUNNING, for the concurrency-bound testable property.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// RecoverOnStartup handles startup recovery: every Execution left RUNNING
// or PENDING by a prior process is rewritten to
// FAILED before the API opens. No attempt is made to resume in-flight work.
func RecoverOnStartup(ctx context.Context, executions store.Executions, logger core.ComponentAwareLogger) error {
	stale, err := executions.ListRunningOrPending(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, exec := range stale {
		exec.Status = store.ExecFailed
		exec.ErrorMessage = "host restart"
		exec.CompletedAt = &now
		if err := executions.Update(ctx, exec); err != nil {
			return fmt.Errorf("recovering execution %s: %w", exec.ID, err)
		}
	}
	if logger != nil && len(stale) > 0 {
		logger.InfoWithContext(ctx, "startup recovery swept stale executions", map[string]interface{}{"count": len(stale)})
	}
	return nil
}
