package graph

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentmesh/orchestrator/agentstep"
	"github.com/agentmesh/orchestrator/eventbus"
	"github.com/agentmesh/orchestrator/store"
)

type memLogs struct {
	mu   sync.Mutex
	rows []*store.ExecutionLog
}

func (m *memLogs) Append(ctx context.Context, log *store.ExecutionLog) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *log
	m.rows = append(m.rows, &cp)
	return log.Sequence, nil
}
func (m *memLogs) List(ctx context.Context, filter store.LogFilter) ([]*store.ExecutionLog, error) {
	return nil, nil
}
func (m *memLogs) DeleteByExecutionIDs(ctx context.Context, ids []string) (int, error) {
	return 0, nil
}

// scriptedTurn always succeeds with a fixed output and never requests a tool.
type scriptedTurn struct{ output string }

func (s *scriptedTurn) Call(ctx context.Context, systemPrompt string, transcript []agentstep.Message) (string, []agentstep.ToolCall, error) {
	return s.output, nil, nil
}

func turnsFor(outputs map[string]string) TurnFactory {
	return func(ctx context.Context, node store.Node) (agentstep.LLMTurn, error) {
		return &scriptedTurn{output: outputs[node.ID]}, nil
	}
}

func twoAgentTopology() store.TopologyConfig {
	return store.TopologyConfig{
		EntryPoint: "root",
		Nodes: []store.Node{
			{ID: "root", Kind: store.KindGlobalSupervisor, CoordinationStrategy: store.StrategyParallel},
			{ID: "a1", Kind: store.KindAgent},
			{ID: "a2", Kind: store.KindAgent},
		},
		Edges: []store.Edge{
			{SourceID: "root", TargetID: "a1"},
			{SourceID: "root", TargetID: "a2"},
		},
	}
}

func newTestRunner() *Runner {
	bus := eventbus.New(&memLogs{}, nil)
	step := agentstep.New(bus, nil)
	return New(bus, step, nil, nil, nil)
}

func TestRunSucceedsWhenAllAgentsSucceed(t *testing.T) {
	r := newTestRunner()
	exec := &store.Execution{ID: "e1", TopologySnapshot: twoAgentTopology(), Input: store.ExecutionInput{Task: "do it"}}
	turns := turnsFor(map[string]string{"a1": "out1", "a2": "out2"})

	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), exec, NewCancelToken(), turns)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not complete in time")
	}

	if exec.Status != store.ExecSuccess {
		t.Fatalf("expected SUCCESS, got %s (%s)", exec.Status, exec.ErrorMessage)
	}
	for _, id := range []string{"a1", "a2"} {
		if exec.NodeResults[id].Status != store.NodeSuccess {
			t.Fatalf("expected node %s SUCCESS, got %s", id, exec.NodeResults[id].Status)
		}
	}
}

// failingTurn always returns a permanent (non-transient) error so the agent
// step fails on its first attempt without retry delay.
type failingTurn struct{}

func (failingTurn) Call(ctx context.Context, systemPrompt string, transcript []agentstep.Message) (string, []agentstep.ToolCall, error) {
	return "", nil, &agentstep.HTTPError{Status: 400, Err: errParseFailure}
}

var errParseFailure = &stubError{"bad request"}

type stubError struct{ msg string }

func (e *stubError) Error() string { return e.msg }

func TestRunPropagatesSkipOnNodeFailure(t *testing.T) {
	r := newTestRunner()
	exec := &store.Execution{ID: "e2", TopologySnapshot: store.TopologyConfig{
		EntryPoint: "root",
		Nodes: []store.Node{
			{ID: "root", Kind: store.KindGlobalSupervisor},
			{ID: "a1", Kind: store.KindAgent},
			{ID: "a2", Kind: store.KindAgent},
		},
		Edges: []store.Edge{
			{SourceID: "root", TargetID: "a1"},
			{SourceID: "a1", TargetID: "a2"},
		},
	}, Input: store.ExecutionInput{Task: "do it"}}

	turns := func(ctx context.Context, node store.Node) (agentstep.LLMTurn, error) {
		if node.ID == "a1" {
			return failingTurn{}, nil
		}
		return &scriptedTurn{output: "never reached"}, nil
	}

	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), exec, NewCancelToken(), turns)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not complete in time")
	}

	if exec.Status != store.ExecFailed {
		t.Fatalf("expected FAILED, got %s", exec.Status)
	}
	if exec.NodeResults["a1"].Status != store.NodeFailed {
		t.Fatalf("expected a1 FAILED, got %s", exec.NodeResults["a1"].Status)
	}
	if exec.NodeResults["a2"].Status != store.NodeSkipped {
		t.Fatalf("expected a2 SKIPPED, got %s", exec.NodeResults["a2"].Status)
	}
}

func TestRunHonorsCancellation(t *testing.T) {
	r := newTestRunner()
	exec := &store.Execution{ID: "e3", TopologySnapshot: twoAgentTopology(), Input: store.ExecutionInput{Task: "do it"}}
	token := NewCancelToken()
	token.Cancel()

	turns := turnsFor(map[string]string{"a1": "out1", "a2": "out2"})
	done := make(chan struct{})
	go func() {
		r.Run(context.Background(), exec, token, turns)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not complete in time")
	}

	if exec.Status != store.ExecCancelled {
		t.Fatalf("expected CANCELLED, got %s", exec.Status)
	}
}
