// Package topology implements the orchestration core's Topology Validator
// (C1): parsing and validating a declarative DAG of team nodes before it is
// accepted as a Team or re-validated at trigger time.
package topology

import (
	"context"
	"fmt"

	"github.com/agentmesh/orchestrator/core"
	"github.com/agentmesh/orchestrator/store"
)

// ErrorCode enumerates every structured validation defect kind.
type ErrorCode string

const (
	CodeCycle            ErrorCode = "CYCLE"
	CodeUnreachable      ErrorCode = "UNREACHABLE"
	CodeDuplicateID      ErrorCode = "DUPLICATE_ID"
	CodeDanglingEdge     ErrorCode = "DANGLING_EDGE"
	CodeUnknownModel     ErrorCode = "UNKNOWN_MODEL"
	CodeUnknownTool      ErrorCode = "UNKNOWN_TOOL"
	CodeTooDeep          ErrorCode = "TOO_DEEP"
	CodeEmptySupervisor  ErrorCode = "EMPTY_SUPERVISOR"
	CodeNoEntryPoint     ErrorCode = "NO_ENTRY_POINT"
	CodeMultipleEntry    ErrorCode = "MULTIPLE_ENTRY_POINTS"
)

const (
	maxNodes = 100
	maxDepth = 10
)

// ValidationError is one defect found in a TopologyConfig.
type ValidationError struct {
	Code    ErrorCode `json:"code"`
	Path    string    `json:"path"`
	Message string    `json:"message"`
}

// ValidationResult is the full outcome: either OK (Errors empty) or a
// complete list of every defect found - the validator never short-circuits.
type ValidationResult struct {
	OK     bool              `json:"ok"`
	Errors []ValidationError `json:"errors"`
}

// Validator checks topologies against the full set of structural and
// reference rules. It depends on the external model/tool registries only
// for existence checks
// (rule 6), never for content.
type Validator struct {
	models core.ModelRegistry
	tools  core.ToolRegistry
	logger core.ComponentAwareLogger
}

// NewValidator builds a Validator. logger may be nil.
func NewValidator(models core.ModelRegistry, tools core.ToolRegistry, logger core.ComponentAwareLogger) *Validator {
	if logger != nil {
		logger = logger.WithComponent("orchestration/topology").(core.ComponentAwareLogger)
	}
	return &Validator{models: models, tools: tools, logger: logger}
}

// Validate runs every rule against cfg, accumulating every violation
// rather than stopping at the first.
func (v *Validator) Validate(ctx context.Context, cfg store.TopologyConfig) ValidationResult {
	var errs []ValidationError

	byID := make(map[string]store.Node, len(cfg.Nodes))
	seen := make(map[string]bool, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		if seen[n.ID] {
			errs = append(errs, ValidationError{Code: CodeDuplicateID, Path: n.ID, Message: fmt.Sprintf("duplicate node id %q", n.ID)})
			continue
		}
		seen[n.ID] = true
		byID[n.ID] = n
	}

	if len(cfg.Nodes) == 0 {
		errs = append(errs, ValidationError{Code: CodeNoEntryPoint, Path: "", Message: "topology has no nodes"})
		return ValidationResult{OK: false, Errors: errs}
	}
	if len(cfg.Nodes) > maxNodes {
		errs = append(errs, ValidationError{Code: CodeTooDeep, Path: "", Message: fmt.Sprintf("topology has %d nodes, exceeds max %d", len(cfg.Nodes), maxNodes)})
	}

	// Rule 2: every edge endpoint references a defined node.
	children := make(map[string][]string, len(byID))
	inDegree := make(map[string]int, len(byID))
	for id := range byID {
		inDegree[id] = 0
	}
	for _, e := range cfg.Edges {
		_, sourceOK := byID[e.SourceID]
		_, targetOK := byID[e.TargetID]
		if !sourceOK {
			errs = append(errs, ValidationError{Code: CodeDanglingEdge, Path: e.SourceID + "->" + e.TargetID, Message: fmt.Sprintf("edge source %q is not a defined node", e.SourceID)})
		}
		if !targetOK {
			errs = append(errs, ValidationError{Code: CodeDanglingEdge, Path: e.SourceID + "->" + e.TargetID, Message: fmt.Sprintf("edge target %q is not a defined node", e.TargetID)})
		}
		if sourceOK && targetOK {
			children[e.SourceID] = append(children[e.SourceID], e.TargetID)
			inDegree[e.TargetID]++
		}
	}

	// Rule 3: exactly one in-degree-0 node, matching entry_point, kind GLOBAL_SUPERVISOR.
	var roots []string
	for id := range byID {
		if inDegree[id] == 0 {
			roots = append(roots, id)
		}
	}
	switch {
	case len(roots) == 0:
		errs = append(errs, ValidationError{Code: CodeNoEntryPoint, Path: "", Message: "no node has in-degree 0"})
	case len(roots) > 1:
		errs = append(errs, ValidationError{Code: CodeMultipleEntry, Path: fmt.Sprintf("%v", roots), Message: "more than one node has in-degree 0"})
	default:
		root := roots[0]
		if cfg.EntryPoint != "" && cfg.EntryPoint != root {
			errs = append(errs, ValidationError{Code: CodeNoEntryPoint, Path: cfg.EntryPoint, Message: fmt.Sprintf("declared entry_point %q does not match computed root %q", cfg.EntryPoint, root)})
		}
		if n, ok := byID[root]; ok && n.Kind != store.KindGlobalSupervisor {
			errs = append(errs, ValidationError{Code: CodeNoEntryPoint, Path: root, Message: "entry point node must be kind GLOBAL_SUPERVISOR"})
		}
	}

	// Rule 4: cycle detection via DFS three-color marking.
	if cyclePath, found := detectCycle(byID, children); found {
		errs = append(errs, ValidationError{Code: CodeCycle, Path: cyclePath, Message: "topology contains a cycle"})
	}

	// Rule 5 + 7: reachability and depth via BFS from entry point.
	entry := cfg.EntryPoint
	if entry == "" && len(roots) == 1 {
		entry = roots[0]
	}
	depth := make(map[string]int)
	if entry != "" {
		if _, ok := byID[entry]; ok {
			depth[entry] = 0
			queue := []string{entry}
			for len(queue) > 0 {
				cur := queue[0]
				queue = queue[1:]
				for _, c := range children[cur] {
					if _, visited := depth[c]; !visited {
						depth[c] = depth[cur] + 1
						queue = append(queue, c)
					}
				}
			}
		}
		for id := range byID {
			if _, reached := depth[id]; !reached {
				errs = append(errs, ValidationError{Code: CodeUnreachable, Path: id, Message: fmt.Sprintf("node %q is unreachable from entry point", id)})
			}
		}
		for id, d := range depth {
			if d > maxDepth {
				errs = append(errs, ValidationError{Code: CodeTooDeep, Path: id, Message: fmt.Sprintf("node %q is at depth %d, exceeds max %d", id, d, maxDepth)})
			}
		}
	}

	// Rule 6: model/tool resolution for every AGENT node.
	for _, n := range cfg.Nodes {
		if n.Kind != store.KindAgent {
			continue
		}
		if v.models != nil {
			if _, err := v.models.ResolveModel(ctx, n.AgentConfig.ModelRef.ProviderTag, n.AgentConfig.ModelRef.ModelID); err != nil {
				errs = append(errs, ValidationError{Code: CodeUnknownModel, Path: n.ID, Message: fmt.Sprintf("model %s/%s does not resolve: %v", n.AgentConfig.ModelRef.ProviderTag, n.AgentConfig.ModelRef.ModelID, err)})
			}
		}
		if v.tools != nil {
			for _, tool := range n.AgentConfig.Tools {
				if _, err := v.tools.ResolveTool(ctx, tool); err != nil {
					errs = append(errs, ValidationError{Code: CodeUnknownTool, Path: n.ID + "/" + tool, Message: fmt.Sprintf("tool %q does not resolve: %v", tool, err)})
				}
			}
		}
	}

	// Rule 8: every NODE_SUPERVISOR has at least one AGENT descendant.
	for _, n := range cfg.Nodes {
		if n.Kind != store.KindNodeSupervisor {
			continue
		}
		if !hasAgentDescendant(n.ID, byID, children, make(map[string]bool)) {
			errs = append(errs, ValidationError{Code: CodeEmptySupervisor, Path: n.ID, Message: fmt.Sprintf("supervisor %q has no AGENT descendant", n.ID)})
		}
	}

	if v.logger != nil {
		v.logger.InfoWithContext(ctx, "topology validated", map[string]interface{}{
			"node_count":  len(cfg.Nodes),
			"error_count": len(errs),
		})
	}

	return ValidationResult{OK: len(errs) == 0, Errors: errs}
}

// detectCycle runs DFS with three-color marking (white/grey/black). A back
// edge onto a grey node is a cycle; the path from the cycle's start to the
// repeated node is returned for the error message.
func detectCycle(byID map[string]store.Node, children map[string][]string) (string, bool) {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(byID))
	var path []string
	var cyclePath string
	found := false

	var visit func(id string)
	visit = func(id string) {
		if found {
			return
		}
		color[id] = grey
		path = append(path, id)
		for _, c := range children[id] {
			if found {
				return
			}
			switch color[c] {
			case white:
				visit(c)
			case grey:
				cyclePath = joinPath(append(append([]string{}, path...), c))
				found = true
				return
			}
		}
		path = path[:len(path)-1]
		color[id] = black
	}

	// Deterministic iteration order for stable error messages.
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	for _, id := range ids {
		if color[id] == white {
			visit(id)
		}
		if found {
			break
		}
	}
	return cyclePath, found
}

func joinPath(ids []string) string {
	out := ids[0]
	for _, id := range ids[1:] {
		out += "->" + id
	}
	return out
}

func hasAgentDescendant(id string, byID map[string]store.Node, children map[string][]string, visited map[string]bool) bool {
	if visited[id] {
		return false
	}
	visited[id] = true
	for _, c := range children[id] {
		n, ok := byID[c]
		if !ok {
			continue
		}
		if n.Kind == store.KindAgent {
			return true
		}
		if hasAgentDescendant(c, byID, children, visited) {
			return true
		}
	}
	return false
}
