// Package structuredoutput implements the orchestration core's Structured
// Output Parser (C5): validating a candidate final output string against an
// optional JSON Schema, with a bounded corrective-retry loop that reprompts
// the terminal LLM with the validation error instead of failing outright.
package structuredoutput

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentmesh/orchestrator/core"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

const maxAttempts = 3

// Retrier re-invokes the terminal LLM with a corrective prompt appending
// the prior output and the validation error, returning a new candidate
// output string.
type Retrier func(ctx context.Context, priorOutput string, validationError string) (string, error)

// Result is C5's outcome: either Structured is set (parse_error empty) or
// Raw plus ParseError are set - a structured-output failure is recoverable,
// never forces the execution FAILED.
type Result struct {
	Structured json.RawMessage
	Raw        string
	ParseError string
}

// Parser validates candidate outputs against a JSON Schema.
type Parser struct {
	logger core.ComponentAwareLogger
}

// New builds a Parser.
func New(logger core.ComponentAwareLogger) *Parser {
	if logger != nil {
		logger = logger.WithComponent("orchestration/structuredoutput").(core.ComponentAwareLogger)
	}
	return &Parser{logger: logger}
}

// Validate parses the candidate as JSON, validates it against the schema,
// and on failure retries the terminal LLM up to maxAttempts total
// attempts with a corrective prompt. If retry is nil, only the first
// attempt's candidate is checked.
func (p *Parser) Validate(ctx context.Context, schema json.RawMessage, candidate string, retry Retrier) Result {
	compiled, err := compileSchema(schema)
	if err != nil {
		return Result{Raw: candidate, ParseError: fmt.Sprintf("invalid schema: %v", err)}
	}

	current := candidate
	var lastErr string

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var parsed interface{}
		if err := json.Unmarshal([]byte(current), &parsed); err != nil {
			lastErr = fmt.Sprintf("invalid JSON: %v", err)
		} else if err := compiled.Validate(parsed); err != nil {
			lastErr = err.Error()
		} else {
			raw, _ := json.Marshal(parsed)
			return Result{Structured: raw}
		}

		if attempt == maxAttempts || retry == nil {
			break
		}
		next, err := retry(ctx, current, lastErr)
		if err != nil {
			lastErr = fmt.Sprintf("%s (retry failed: %v)", lastErr, err)
			break
		}
		current = next
	}

	if p.logger != nil {
		p.logger.WarnWithContext(ctx, "structured output validation ultimately failed", map[string]interface{}{
			"error": lastErr,
		})
	}
	return Result{Raw: current, ParseError: lastErr}
}

func compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	const resourceName = "schema.json"
	if err := compiler.AddResource(resourceName, bytes.NewReader(schema)); err != nil {
		return nil, err
	}
	return compiler.Compile(resourceName)
}
