package topology

import (
	"context"
	"testing"

	"github.com/agentmesh/orchestrator/core"
	"github.com/agentmesh/orchestrator/store"
)

type fakeModels struct{ known map[string]bool }

func (f *fakeModels) ResolveModel(ctx context.Context, provider, modelID string) (core.AIClient, error) {
	if f.known[provider+"/"+modelID] {
		return nil, nil
	}
	return nil, core.NewFrameworkError("fakeModels.ResolveModel", core.KindNotFound, nil)
}

type fakeTools struct{ known map[string]bool }

func (f *fakeTools) ResolveTool(ctx context.Context, name string) (core.ToolHandle, error) {
	if f.known[name] {
		return nil, nil
	}
	return nil, core.NewFrameworkError("fakeTools.ResolveTool", core.KindNotFound, nil)
}

func agentNode(id string, model string, tools ...string) store.Node {
	return store.Node{
		ID:   id,
		Name: id,
		Kind: store.KindAgent,
		AgentConfig: store.AgentConfig{
			ModelRef: store.ModelRef{ProviderTag: "openai", ModelID: model},
			Tools:    tools,
		},
	}
}

func validTopology() store.TopologyConfig {
	return store.TopologyConfig{
		EntryPoint: "root",
		Nodes: []store.Node{
			{ID: "root", Kind: store.KindGlobalSupervisor},
			agentNode("a1", "gpt-4"),
			agentNode("a2", "gpt-4"),
		},
		Edges: []store.Edge{
			{SourceID: "root", TargetID: "a1"},
			{SourceID: "root", TargetID: "a2"},
		},
	}
}

func newValidator() *Validator {
	return NewValidator(
		&fakeModels{known: map[string]bool{"openai/gpt-4": true}},
		&fakeTools{known: map[string]bool{"search": true}},
		nil,
	)
}

func TestValidateAcceptsWellFormedTopology(t *testing.T) {
	result := newValidator().Validate(context.Background(), validTopology())
	if !result.OK {
		t.Fatalf("expected OK, got errors: %+v", result.Errors)
	}
}

func TestValidateDetectsCycle(t *testing.T) {
	cfg := store.TopologyConfig{
		EntryPoint: "root",
		Nodes: []store.Node{
			{ID: "root", Kind: store.KindGlobalSupervisor},
			agentNode("a1", "gpt-4"),
			agentNode("a2", "gpt-4"),
		},
		Edges: []store.Edge{
			{SourceID: "root", TargetID: "a1"},
			{SourceID: "a1", TargetID: "a2"},
			{SourceID: "a2", TargetID: "a1"},
		},
	}
	result := newValidator().Validate(context.Background(), cfg)
	if result.OK {
		t.Fatal("expected validation failure for a cycle")
	}
	if !hasCode(result.Errors, CodeCycle) {
		t.Fatalf("expected CYCLE error, got %+v", result.Errors)
	}
}

func TestValidateDetectsUnreachableNode(t *testing.T) {
	cfg := validTopology()
	cfg.Nodes = append(cfg.Nodes, agentNode("orphan", "gpt-4"))
	result := newValidator().Validate(context.Background(), cfg)
	if result.OK {
		t.Fatal("expected validation failure for an unreachable node")
	}
	if !hasCode(result.Errors, CodeUnreachable) {
		t.Fatalf("expected UNREACHABLE error, got %+v", result.Errors)
	}
}

func TestValidateDetectsDanglingEdge(t *testing.T) {
	cfg := validTopology()
	cfg.Edges = append(cfg.Edges, store.Edge{SourceID: "a1", TargetID: "missing"})
	result := newValidator().Validate(context.Background(), cfg)
	if !hasCode(result.Errors, CodeDanglingEdge) {
		t.Fatalf("expected DANGLING_EDGE error, got %+v", result.Errors)
	}
}

func TestValidateDetectsUnknownModelAndTool(t *testing.T) {
	cfg := validTopology()
	cfg.Nodes = append(cfg.Nodes[:2:2], agentNode("a3", "does-not-exist", "missing-tool"))
	cfg.Edges = append(cfg.Edges, store.Edge{SourceID: "root", TargetID: "a3"})
	result := newValidator().Validate(context.Background(), cfg)
	if !hasCode(result.Errors, CodeUnknownModel) {
		t.Fatalf("expected UNKNOWN_MODEL error, got %+v", result.Errors)
	}
	if !hasCode(result.Errors, CodeUnknownTool) {
		t.Fatalf("expected UNKNOWN_TOOL error, got %+v", result.Errors)
	}
}

func TestValidateDetectsEmptySupervisor(t *testing.T) {
	cfg := store.TopologyConfig{
		EntryPoint: "root",
		Nodes: []store.Node{
			{ID: "root", Kind: store.KindGlobalSupervisor},
			{ID: "sup", Kind: store.KindNodeSupervisor},
		},
		Edges: []store.Edge{{SourceID: "root", TargetID: "sup"}},
	}
	result := newValidator().Validate(context.Background(), cfg)
	if !hasCode(result.Errors, CodeEmptySupervisor) {
		t.Fatalf("expected EMPTY_SUPERVISOR error, got %+v", result.Errors)
	}
}

func TestValidateDetectsMultipleEntryPoints(t *testing.T) {
	cfg := store.TopologyConfig{
		Nodes: []store.Node{
			{ID: "root1", Kind: store.KindGlobalSupervisor},
			{ID: "root2", Kind: store.KindGlobalSupervisor},
		},
	}
	result := newValidator().Validate(context.Background(), cfg)
	if !hasCode(result.Errors, CodeMultipleEntry) {
		t.Fatalf("expected MULTIPLE_ENTRY_POINTS error, got %+v", result.Errors)
	}
}

func TestValidateAccumulatesAllErrors(t *testing.T) {
	cfg := store.TopologyConfig{
		Nodes: []store.Node{
			{ID: "root1", Kind: store.KindGlobalSupervisor},
			{ID: "root2", Kind: store.KindGlobalSupervisor},
		},
		Edges: []store.Edge{{SourceID: "root1", TargetID: "missing"}},
	}
	result := newValidator().Validate(context.Background(), cfg)
	if len(result.Errors) < 2 {
		t.Fatalf("expected the validator to accumulate multiple errors rather than short-circuit, got %+v", result.Errors)
	}
}

func hasCode(errs []ValidationError, code ErrorCode) bool {
	for _, e := range errs {
		if e.Code == code {
			return true
		}
	}
	return false
}
