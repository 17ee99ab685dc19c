// Package graph implements the orchestration core's Graph Runner (C3):
// driving one Execution through its DAG - scheduling ready nodes, fanning
// out parallel branches, applying the supervisor's coordination_strategy to
// dispatch order, propagating failure as SKIPPED, and aggregating terminal
// outputs. A worker pool reads ready work and writes completions back over a
// channel, each dispatched unit wrapped in deferred panic recovery.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/agentmesh/orchestrator/agentstep"
	"github.com/agentmesh/orchestrator/core"
	"github.com/agentmesh/orchestrator/eventbus"
	"github.com/agentmesh/orchestrator/store"
)

// TurnFactory builds the LLMTurn used to drive a single node's agentstep
// execution, given the node's resolved model client.
type TurnFactory func(ctx context.Context, node store.Node) (agentstep.LLMTurn, error)

// Synthesizer produces the GLOBAL_SUPERVISOR's final synthesized output
// from its terminal descendants' outputs via one real LLM call over the
// collected terminal outputs, not a string concatenation.
type Synthesizer func(ctx context.Context, supervisor store.Node, task string, terminalOutputs map[string]string) (string, error)

// Runner drives one Execution end-to-end.
type Runner struct {
	bus         *eventbus.Bus
	step        *agentstep.Step
	tools       core.ToolRegistry
	synthesize  Synthesizer
	logger      core.ComponentAwareLogger
}

// New builds a Runner. synthesize may be nil, in which case the terminal
// output is always the concatenation of terminal-node outputs.
func New(bus *eventbus.Bus, step *agentstep.Step, tools core.ToolRegistry, synthesize Synthesizer, logger core.ComponentAwareLogger) *Runner {
	if logger != nil {
		logger = logger.WithComponent("orchestration/graph").(core.ComponentAwareLogger)
	}
	return &Runner{bus: bus, step: step, tools: tools, synthesize: synthesize, logger: logger}
}

type index struct {
	byID       map[string]store.Node
	children   map[string][]string // declaration order preserved
	parents    map[string][]string
	depth      map[string]int
	edgeLabels map[string]string // "source|target" -> condition_label
}

func buildIndex(cfg store.TopologyConfig) index {
	idx := index{
		byID:       make(map[string]store.Node, len(cfg.Nodes)),
		children:   make(map[string][]string),
		parents:    make(map[string][]string),
		depth:      make(map[string]int),
		edgeLabels: make(map[string]string),
	}
	for _, n := range cfg.Nodes {
		idx.byID[n.ID] = n
	}
	for _, e := range cfg.Edges {
		idx.children[e.SourceID] = append(idx.children[e.SourceID], e.TargetID)
		idx.parents[e.TargetID] = append(idx.parents[e.TargetID], e.SourceID)
		if e.ConditionLabel != "" {
			idx.edgeLabels[e.SourceID+"|"+e.TargetID] = e.ConditionLabel
		}
	}
	if cfg.EntryPoint != "" {
		idx.depth[cfg.EntryPoint] = 0
		queue := []string{cfg.EntryPoint}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, c := range idx.children[cur] {
				if _, ok := idx.depth[c]; !ok {
					idx.depth[c] = idx.depth[cur] + 1
					queue = append(queue, c)
				}
			}
		}
	}
	return idx
}

type completion struct {
	nodeID string
	result *store.NodeResult
}

// supervisorGate serializes dispatch for a supervisor's children when its
// coordination_strategy requires one-at-a-time or level-at-a-time release.
type supervisorGate struct {
	strategy store.CoordinationStrategy
	pending  []string // ordered by declaration, or by descending priority
	active   map[string]bool
}

// Run drives exec through its topology_snapshot to completion, mutating
// exec in place (Status, NodeResults, Output, timestamps). turns resolves
// the LLMTurn used for each AGENT node's agentstep execution.
func (r *Runner) Run(ctx context.Context, exec *store.Execution, token *CancelToken, turns TurnFactory) {
	idx := buildIndex(exec.TopologySnapshot)
	if exec.NodeResults == nil {
		exec.NodeResults = make(map[string]*store.NodeResult)
	}
	for id := range idx.byID {
		exec.NodeResults[id] = &store.NodeResult{Status: store.NodePending}
	}

	r.publish(ctx, exec.ID, eventbus.EventExecutionStarted, "", "", nil)

	gates := make(map[string]*supervisorGate)
	inFlight := make(map[string]bool)
	completions := make(chan completion, 16)
	dispatchCount := 0

	ready := []string{exec.TopologySnapshot.EntryPoint}

	for len(ready) > 0 || dispatchCount > 0 {
		if token.Cancelled() {
			r.skipAllNonTerminal(ctx, exec, idx, "cancelled")
			r.finalizeCancelled(ctx, exec)
			return
		}

		toDispatch := r.gateDispatch(ready, idx, gates)
		ready = nil

		for _, id := range toDispatch {
			node := idx.byID[id]
			inFlight[id] = true
			r.publish(ctx, exec.ID, eventbus.EventNodeEntered, id, "", nil)

			if node.Kind == store.KindAgent {
				dispatchCount++
				go r.dispatchAgent(ctx, exec, idx, node, token, turns, completions)
				continue
			}

			// Supervisor nodes do not themselves run an LLM turn as part of
			// scheduling (the GLOBAL_SUPERVISOR's synthesis call happens once,
			// at termination, over terminal outputs) - their job here is to
			// decide and publish their children's dispatch order.
			order := childDispatchOrder(node, idx.children[id], idx)
			extra, _ := json.Marshal(map[string]interface{}{"order": order, "strategy": node.CoordinationStrategy})
			r.publish(ctx, exec.ID, eventbus.EventSupervisorDecision, id, "", extra)

			now := time.Now()
			exec.NodeResults[id] = &store.NodeResult{Status: store.NodeSuccess, StartedAt: &now, CompletedAt: &now}
			inFlight[id] = false
			r.onNodeDone(ctx, exec, idx, gates, id)
			ready = append(ready, r.computeReady(exec, idx, inFlight)...)
		}

		if dispatchCount == 0 {
			continue
		}

		select {
		case c := <-completions:
			dispatchCount--
			inFlight[c.nodeID] = false
			exec.NodeResults[c.nodeID] = c.result

			if c.result.Status == store.NodeSuccess {
				r.publish(ctx, exec.ID, eventbus.EventNodeCompleted, c.nodeID, "", nil)
			} else {
				extra, _ := json.Marshal(map[string]string{"error": c.result.Error})
				r.publish(ctx, exec.ID, eventbus.EventNodeFailed, c.nodeID, "", extra)
				r.propagateSkip(ctx, exec, idx, c.nodeID)
			}
			r.onNodeDone(ctx, exec, idx, gates, c.nodeID)
			ready = append(ready, r.computeReady(exec, idx, inFlight)...)

		case <-ctx.Done():
			token.Cancel()
		case <-token.Done():
		}
	}

	r.finalize(ctx, exec, idx)
}

func (r *Runner) dispatchAgent(ctx context.Context, exec *store.Execution, idx index, node store.Node, token *CancelToken, turns TurnFactory, out chan<- completion) {
	defer func() {
		if p := recover(); p != nil {
			now := time.Now()
			out <- completion{nodeID: node.ID, result: &store.NodeResult{
				Status:      store.NodeFailed,
				Error:       fmt.Sprintf("panic: %v\n%s", p, debug.Stack()),
				CompletedAt: &now,
			}}
		}
	}()

	turn, err := turns(ctx, node)
	if err != nil {
		now := time.Now()
		out <- completion{nodeID: node.ID, result: &store.NodeResult{
			Status: store.NodeFailed, Error: err.Error(), StartedAt: &now, CompletedAt: &now,
		}}
		return
	}

	upstream := make(map[string]string)
	for _, p := range idx.parents[node.ID] {
		if nr := exec.NodeResults[p]; nr != nil {
			upstream[p] = nr.Output
		}
	}

	result := r.step.Execute(ctx, agentstep.Input{
		ExecutionID:     exec.ID,
		Node:            node,
		UpstreamOutputs: upstream,
		Task:            exec.Input.Task,
		Parameters:      exec.Input.Parameters,
		MaxIterations:   50,
		Turn:            turn,
		Tools:           r.tools,
	})
	out <- completion{nodeID: node.ID, result: result}
}

// computeReady returns every node whose predecessors are all SUCCESS and
// which is neither terminal, in flight, nor already queued. A node with a
// FAILED predecessor is never returned here: propagateSkip marks it SKIPPED
// the moment its ancestor fails, so by the time computeReady runs it is
// already terminal and excluded by the first check.
func (r *Runner) computeReady(exec *store.Execution, idx index, inFlight map[string]bool) []string {
	var out []string
	for id := range idx.byID {
		res := exec.NodeResults[id]
		if res == nil || res.Status != store.NodePending || inFlight[id] {
			continue
		}
		allParentsSuccess := true
		for _, p := range idx.parents[id] {
			pr := exec.NodeResults[p]
			if pr == nil || pr.Status != store.NodeSuccess {
				allParentsSuccess = false
				break
			}
		}
		if allParentsSuccess {
			out = append(out, id)
		}
	}
	sort.Strings(out) // deterministic order for otherwise-unordered ready batches
	return out
}

// gateDispatch filters newly-ready nodes through their governing
// supervisor's coordination_strategy, edges decide
// readiness, the coordination strategy decides dispatch order/grouping among nodes
// already ready.
func (r *Runner) gateDispatch(ready []string, idx index, gates map[string]*supervisorGate) []string {
	var out []string
	for _, id := range ready {
		parent := soleSupervisorParent(id, idx)
		if parent == "" {
			out = append(out, id)
			continue
		}
		node := idx.byID[parent]
		switch node.CoordinationStrategy {
		case store.StrategySequential, store.StrategyRoundRobin, store.StrategyPriority:
			gate := gates[parent]
			if gate == nil {
				gate = &supervisorGate{strategy: node.CoordinationStrategy, active: make(map[string]bool)}
				gates[parent] = gate
			}
			gate.pending = append(gate.pending, id)
		case store.StrategyHierarchical:
			// released level-by-level in onNodeDone; queue here, release below.
			gate := gates[parent]
			if gate == nil {
				gate = &supervisorGate{strategy: node.CoordinationStrategy, active: make(map[string]bool)}
				gates[parent] = gate
			}
			gate.pending = append(gate.pending, id)
		default: // PARALLEL, ADAPTIVE, or none
			out = append(out, id)
		}
	}

	for parentID, gate := range gates {
		if len(gate.active) > 0 || len(gate.pending) == 0 {
			continue
		}
		switch gate.strategy {
		case store.StrategyHierarchical:
			minDepth := -1
			for _, id := range gate.pending {
				if minDepth == -1 || idx.depth[id] < minDepth {
					minDepth = idx.depth[id]
				}
			}
			var level, rest []string
			for _, id := range gate.pending {
				if idx.depth[id] == minDepth {
					level = append(level, id)
				} else {
					rest = append(rest, id)
				}
			}
			gate.pending = rest
			for _, id := range level {
				gate.active[id] = true
			}
			out = append(out, level...)
		case store.StrategyPriority:
			sortByPriority(gate.pending, idx, parentID)
			next := gate.pending[0]
			gate.pending = gate.pending[1:]
			gate.active[next] = true
			out = append(out, next)
		default: // SEQUENTIAL, ROUND_ROBIN: declaration order, one at a time
			next := gate.pending[0]
			gate.pending = gate.pending[1:]
			gate.active[next] = true
			out = append(out, next)
		}
	}
	return out
}

func sortByPriority(ids []string, idx index, parentID string) {
	priority := edgePriorities(idx, parentID)
	sort.SliceStable(ids, func(i, j int) bool {
		return priority[ids[i]] >= priority[ids[j]]
	})
}

// edgePriorities reads the PRIORITY strategy's numeric priority from each
// edge's optional condition_label (missing = 0).
func edgePriorities(idx index, parentID string) map[string]int {
	out := make(map[string]int, len(idx.children[parentID]))
	for _, childID := range idx.children[parentID] {
		label := idx.edgeLabels[parentID+"|"+childID]
		priority := 0
		if label != "" {
			if p, err := strconv.Atoi(label); err == nil {
				priority = p
			}
		}
		out[childID] = priority
	}
	return out
}

func (r *Runner) onNodeDone(ctx context.Context, exec *store.Execution, idx index, gates map[string]*supervisorGate, nodeID string) {
	parent := soleSupervisorParent(nodeID, idx)
	if parent == "" {
		return
	}
	if gate := gates[parent]; gate != nil {
		delete(gate.active, nodeID)
	}
}

// soleSupervisorParent returns nodeID's single parent when that parent is a
// supervisor, or "" when nodeID has zero or more-than-one parents (strategy
// gating only applies to the common single-parent, supervisor-owned case).
func soleSupervisorParent(nodeID string, idx index) string {
	parents := idx.parents[nodeID]
	if len(parents) != 1 {
		return ""
	}
	p := idx.byID[parents[0]]
	if p.Kind == store.KindGlobalSupervisor || p.Kind == store.KindNodeSupervisor {
		return parents[0]
	}
	return ""
}

func childDispatchOrder(node store.Node, children []string, idx index) []string {
	out := append([]string(nil), children...)
	if node.CoordinationStrategy == store.StrategyPriority {
		sortByPriority(out, idx, node.ID)
	}
	return out
}

// propagateSkip marks every descendant reachable from failedID as SKIPPED,
// with error referencing failedID. Already-terminal
// descendants are left untouched.
func (r *Runner) propagateSkip(ctx context.Context, exec *store.Execution, idx index, failedID string) {
	var walk func(id string)
	visited := make(map[string]bool)
	walk = func(id string) {
		for _, c := range idx.children[id] {
			if visited[c] {
				continue
			}
			visited[c] = true
			res := exec.NodeResults[c]
			if res != nil && (res.Status == store.NodePending || res.Status == store.NodeRunning) {
				now := time.Now()
				res.Status = store.NodeSkipped
				res.Error = "upstream failed: " + failedID
				res.CompletedAt = &now
				extra, _ := json.Marshal(map[string]string{"error": res.Error})
				r.publish(ctx, exec.ID, eventbus.EventNodeSkipped, c, "", extra)
			}
			walk(c)
		}
	}
	walk(failedID)
}

func (r *Runner) skipAllNonTerminal(ctx context.Context, exec *store.Execution, idx index, reason string) {
	for id, res := range exec.NodeResults {
		if res.Status == store.NodePending || res.Status == store.NodeRunning {
			now := time.Now()
			res.Status = store.NodeSkipped
			res.Error = reason
			res.CompletedAt = &now
			extra, _ := json.Marshal(map[string]string{"error": reason})
			r.publish(ctx, exec.ID, eventbus.EventNodeSkipped, id, "", extra)
		}
		_ = idx
	}
}

// finalize computes the termination outcome and publishes
// exactly one terminal event.
func (r *Runner) finalize(ctx context.Context, exec *store.Execution, idx index) {
	var terminalIDs []string // out-degree-0 nodes, in declaration order
	for _, n := range exec.TopologySnapshot.Nodes {
		if len(idx.children[n.ID]) == 0 {
			terminalIDs = append(terminalIDs, n.ID)
		}
	}

	anyTerminalSuccess := false
	allSuccessOrSkipped := true
	for _, res := range exec.NodeResults {
		switch res.Status {
		case store.NodeSuccess, store.NodeSkipped:
		default:
			allSuccessOrSkipped = false
		}
	}
	var outputs []string
	for _, id := range terminalIDs {
		res := exec.NodeResults[id]
		if res.Status == store.NodeSuccess {
			anyTerminalSuccess = true
			outputs = append(outputs, res.Output)
		}
	}

	now := time.Now()
	exec.CompletedAt = &now
	if exec.StartedAt != nil {
		exec.DurationMs = now.Sub(*exec.StartedAt).Milliseconds()
	}

	if allSuccessOrSkipped && anyTerminalSuccess {
		exec.Status = store.ExecSuccess
		exec.Output = &store.ExecutionOutput{Raw: strings.Join(outputs, "\n")}

		if r.synthesize != nil {
			if supervisor, ok := idx.byID[exec.TopologySnapshot.EntryPoint]; ok && supervisor.Kind == store.KindGlobalSupervisor {
				terminalOutputs := make(map[string]string, len(terminalIDs))
				for _, id := range terminalIDs {
					if res := exec.NodeResults[id]; res.Status == store.NodeSuccess {
						terminalOutputs[id] = res.Output
					}
				}
				if synthesized, err := r.synthesize(ctx, supervisor, exec.Input.Task, terminalOutputs); err == nil {
					exec.Output = &store.ExecutionOutput{Raw: synthesized}
				} else if r.logger != nil {
					r.logger.ErrorWithContext(ctx, "global supervisor synthesis failed, falling back to concatenation", map[string]interface{}{
						"execution_id": exec.ID, "error": err.Error(),
					})
				}
			}
		}

		r.publish(ctx, exec.ID, eventbus.EventExecutionCompleted, "", "", nil)
	} else {
		exec.Status = store.ExecFailed
		exec.ErrorMessage = "one or more nodes failed without a successful terminal output"
		exec.Output = &store.ExecutionOutput{Raw: strings.Join(outputs, "\n")}
		r.publish(ctx, exec.ID, eventbus.EventExecutionFailed, "", "", nil)
	}
}

// finalizeCancelled records the CANCELLED terminal state after a
// cancellation token trip, bypassing the normal success/failure computation
// since cancellation always wins over node outcomes - an operator cancel is
// its own absorbing transition in the execution status state machine.
func (r *Runner) finalizeCancelled(ctx context.Context, exec *store.Execution) {
	now := time.Now()
	exec.CompletedAt = &now
	if exec.StartedAt != nil {
		exec.DurationMs = now.Sub(*exec.StartedAt).Milliseconds()
	}
	exec.Status = store.ExecCancelled
	r.publish(ctx, exec.ID, eventbus.EventExecutionCancelled, "", "", nil)
}

func (r *Runner) publish(ctx context.Context, executionID, eventType, nodeID, supervisorID string, extra json.RawMessage) {
	if r.bus == nil {
		return
	}
	_, err := r.bus.Publish(ctx, eventbus.PublishInput{
		ExecutionID:  executionID,
		EventType:    eventType,
		NodeID:       nodeID,
		SupervisorID: supervisorID,
		ExtraData:    extra,
	})
	if err != nil && r.logger != nil {
		r.logger.ErrorWithContext(ctx, "failed to publish event", map[string]interface{}{
			"execution_id": executionID, "event_type": eventType, "error": err.Error(),
		})
	}
}

