// Package agentstep implements the orchestration core's Agent Step (C4):
// executing a single node end-to-end - prompt build, LLM call, tool-call
// loop, and the transient/permanent retry split. Uses a status-code
// routing table to classify failures and resilience/retry.go's backoff
// loop for the retry policy itself (1s, 2s, 4s; three retries, four
// attempts total).
package agentstep

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentmesh/orchestrator/core"
	"github.com/agentmesh/orchestrator/eventbus"
	"github.com/agentmesh/orchestrator/resilience"
	"github.com/agentmesh/orchestrator/store"
)

// retryPolicy backs off 1s, 2s, 4s (three retries, four attempts total),
// no jitter so the schedule is deterministic.
var retryPolicy = &resilience.RetryConfig{
	MaxAttempts:   4,
	InitialDelay:  1 * time.Second,
	MaxDelay:      4 * time.Second,
	BackoffFactor: 2.0,
	JitterEnabled: false,
}

// StatusCoded is implemented by LLM/tool errors that carry an HTTP status,
// following orchestration/error_analyzer.go's routing table: 400,404,409,422
// might be fixable (treated here as permanent - the caller, not a retry,
// must fix the input); 408,429,5xx are transient; 401,403,405 fail
// immediately.
type StatusCoded interface {
	StatusCode() int
}

// HTTPError is a minimal StatusCoded error for provider clients that do not
// already carry one.
type HTTPError struct {
	Status int
	Err    error
}

func (e *HTTPError) Error() string   { return e.Err.Error() }
func (e *HTTPError) Unwrap() error   { return e.Err }
func (e *HTTPError) StatusCode() int { return e.Status }

// isTransient classifies an error: network errors, 5xx, and 429 are
// transient; auth (401/403/405) and other 4xx (400/404/409/422)
// are permanent. Errors that don't carry a status code (network dial
// failures, context deadline) are treated as transient, since those are
// exactly the network-failure case the policy is meant to retry.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var sc StatusCoded
	if se, ok := err.(StatusCoded); ok {
		sc = se
	}
	if sc == nil {
		return true
	}
	switch sc.StatusCode() {
	case 408, 429:
		return true
	default:
		return sc.StatusCode() >= 500
	}
}

// ToolCall is one parsed tool invocation request from an LLM response.
type ToolCall struct {
	Name  string
	Input json.RawMessage
}

// LLMTurn abstracts one LLM call + response so agentstep doesn't depend on
// a specific provider wire format; the caller of Execute adapts its
// core.AIClient response into this shape (real providers encode tool calls
// differently, e.g. OpenAI's function_call vs Anthropic's tool_use blocks).
type LLMTurn interface {
	// Call sends systemPrompt + the running transcript and returns the
	// assistant's text plus any requested tool calls.
	Call(ctx context.Context, systemPrompt string, transcript []Message) (text string, calls []ToolCall, err error)
}

// Message is one entry in the node's prompt transcript.
type Message struct {
	Role    string // "system", "user", "assistant", "tool"
	Content string
}

// Step executes a single node.
type Step struct {
	bus    *eventbus.Bus
	logger core.ComponentAwareLogger
}

// New builds a Step.
func New(bus *eventbus.Bus, logger core.ComponentAwareLogger) *Step {
	if logger != nil {
		logger = logger.WithComponent("orchestration/agentstep").(core.ComponentAwareLogger)
	}
	return &Step{bus: bus, logger: logger}
}

// Input bundles everything Execute needs for one node.
type Input struct {
	ExecutionID   string
	Node          store.Node
	UpstreamOutputs map[string]string // node_id -> output, already-completed predecessors
	Task          string
	Parameters    map[string]interface{}
	MaxIterations int
	Turn          LLMTurn
	Tools         core.ToolRegistry
}

// Execute runs the node end-to-end, returning the final NodeResult. It
// never returns a Go error for an LLM/tool failure - that is recorded as
// NodeStatus FAILED in the result: transient errors are retried, permanent
// ones surface directly as NodeResult.FAILED.
func (s *Step) Execute(ctx context.Context, in Input) *store.NodeResult {
	started := time.Now()
	result := &store.NodeResult{Status: store.NodeRunning, StartedAt: &started}

	transcript := s.buildPrompt(in)
	maxIter := in.MaxIterations
	if maxIter <= 0 {
		maxIter = 50
	}

	var finalText string
	attempts := 0

	for iter := 0; iter < maxIter; iter++ {
		var text string
		var calls []ToolCall

		callErr := resilience.Retry(ctx, retryPolicy, func() error {
			attempts++
			var err error
			text, calls, err = in.Turn.Call(ctx, in.Node.AgentConfig.Instructions, transcript)
			if err != nil && isTransient(err) {
				if s.bus != nil {
					_, _ = s.bus.Publish(ctx, eventbus.PublishInput{
						ExecutionID: in.ExecutionID,
						EventType:   eventbus.EventLLMRetry,
						NodeID:      in.Node.ID,
						Message:     err.Error(),
					})
				}
				return err
			}
			return err
		})
		if callErr != nil {
			completed := time.Now()
			result.Status = store.NodeFailed
			result.Error = callErr.Error()
			result.Attempts = attempts
			result.CompletedAt = &completed
			return result
		}

		if len(calls) == 0 {
			finalText = text
			break
		}

		transcript = append(transcript, Message{Role: "assistant", Content: text})
		for _, call := range calls {
			toolStart := time.Now()
			output, err := s.invokeTool(ctx, in, call)
			duration := time.Since(toolStart)

			if s.bus != nil {
				hash := sha256.Sum256(output)
				extra, _ := json.Marshal(map[string]interface{}{
					"tool":        call.Name,
					"input":       json.RawMessage(call.Input),
					"output_hash": hex.EncodeToString(hash[:]),
					"duration_ms": duration.Milliseconds(),
				})
				_, _ = s.bus.Publish(ctx, eventbus.PublishInput{
					ExecutionID: in.ExecutionID,
					EventType:   eventbus.EventToolCall,
					NodeID:      in.Node.ID,
					ExtraData:   extra,
				})
			}

			if err != nil {
				completed := time.Now()
				result.Status = store.NodeFailed
				result.Error = fmt.Sprintf("tool %q failed: %v", call.Name, err)
				result.Attempts = attempts
				result.CompletedAt = &completed
				return result
			}
			transcript = append(transcript, Message{Role: "tool", Content: string(output)})
		}
		finalText = text
	}

	completed := time.Now()
	result.Status = store.NodeSuccess
	result.Output = finalText
	result.Attempts = attempts
	result.CompletedAt = &completed
	return result
}

func (s *Step) buildPrompt(in Input) []Message {
	var sb strings.Builder
	sb.WriteString(in.Task)
	if len(in.UpstreamOutputs) > 0 {
		sb.WriteString("\n\nUpstream results:\n")
		for id, out := range in.UpstreamOutputs {
			fmt.Fprintf(&sb, "- %s: %s\n", id, out)
		}
	}
	if len(in.Parameters) > 0 {
		params, _ := json.Marshal(in.Parameters)
		sb.WriteString("\n\nParameters: ")
		sb.Write(params)
	}
	return []Message{{Role: "user", Content: sb.String()}}
}

func (s *Step) invokeTool(ctx context.Context, in Input, call ToolCall) (json.RawMessage, error) {
	if in.Tools == nil {
		return nil, core.NewFrameworkError("agentstep.invokeTool", core.KindNotFound,
			fmt.Errorf("no tool registry configured, cannot resolve %q", call.Name))
	}
	tool, err := in.Tools.ResolveTool(ctx, call.Name)
	if err != nil {
		return nil, err
	}
	return tool.Invoke(ctx, call.Input)
}
