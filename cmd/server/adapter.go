package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentmesh/orchestrator/agentstep"
	"github.com/agentmesh/orchestrator/core"
	"github.com/agentmesh/orchestrator/store"
)

// aiTurn adapts a resolved core.AIClient (whose GenerateResponse knows
// nothing of tool calls) into agentstep.LLMTurn, by convention-encoding
// requested tool invocations as a trailing fenced JSON block the model is
// instructed to emit - a prompt-convention approach to giving
// plain-completion models tool access without a native function-calling API.
type aiTurn struct {
	client core.AIClient
	agent  store.AgentConfig
}

type toolCallBlock struct {
	ToolCalls []struct {
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"tool_calls"`
}

const toolCallFence = "```tool_calls"

func (t *aiTurn) Call(ctx context.Context, systemPrompt string, transcript []agentstep.Message) (string, []agentstep.ToolCall, error) {
	var sb strings.Builder
	for _, m := range transcript {
		fmt.Fprintf(&sb, "[%s] %s\n", m.Role, m.Content)
	}

	resp, err := t.client.GenerateResponse(ctx, sb.String(), &core.AIOptions{
		Model:        t.agent.ModelRef.ModelID,
		Temperature:  float32(t.agent.Temperature),
		MaxTokens:    t.agent.MaxTokens,
		SystemPrompt: systemPrompt,
	})
	if err != nil {
		return "", nil, err
	}

	text, calls := extractToolCalls(resp.Content)
	return text, calls, nil
}

// extractToolCalls splits a trailing ```tool_calls fenced JSON block off the
// response text, returning the remaining prose plus the parsed calls. A
// response with no such block is passed through unchanged.
func extractToolCalls(content string) (string, []agentstep.ToolCall) {
	idx := strings.LastIndex(content, toolCallFence)
	if idx < 0 {
		return content, nil
	}
	rest := content[idx+len(toolCallFence):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return content, nil
	}
	var block toolCallBlock
	if err := json.Unmarshal([]byte(rest[:end]), &block); err != nil {
		return content, nil
	}
	calls := make([]agentstep.ToolCall, 0, len(block.ToolCalls))
	for _, c := range block.ToolCalls {
		calls = append(calls, agentstep.ToolCall{Name: c.Name, Input: c.Input})
	}
	return strings.TrimSpace(content[:idx]), calls
}

// synthesize implements graph.Synthesizer: one LLM call over every terminal
// node's output, asked to produce the team's final answer to task.
func synthesize(ctx context.Context, turn agentstep.LLMTurn, supervisor store.Node, task string, terminalOutputs map[string]string) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Original task: %s\n\nTerminal agent outputs:\n", task)
	for id, out := range terminalOutputs {
		fmt.Fprintf(&sb, "- %s: %s\n", id, out)
	}
	text, _, err := turn.Call(ctx, supervisor.AgentConfig.Instructions, []agentstep.Message{
		{Role: "user", Content: sb.String()},
	})
	return text, err
}
