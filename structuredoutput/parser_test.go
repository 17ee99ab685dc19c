package structuredoutput

import (
	"context"
	"testing"
)

const personSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"age": {"type": "integer"}
	},
	"required": ["name", "age"]
}`

func TestValidateAcceptsWellFormedCandidateOnFirstAttempt(t *testing.T) {
	p := New(nil)
	result := p.Validate(context.Background(), []byte(personSchema), `{"name":"Ada","age":36}`, nil)
	if result.ParseError != "" {
		t.Fatalf("expected no parse error, got %q", result.ParseError)
	}
	if len(result.Structured) == 0 {
		t.Fatal("expected Structured to be populated")
	}
}

func TestValidateRecoversViaCorrectiveRetry(t *testing.T) {
	p := New(nil)
	calls := 0
	retry := func(ctx context.Context, priorOutput, validationError string) (string, error) {
		calls++
		return `{"name":"Ada","age":36}`, nil
	}
	result := p.Validate(context.Background(), []byte(personSchema), `{"name":"Ada"}`, retry)
	if result.ParseError != "" {
		t.Fatalf("expected eventual success, got parse error %q", result.ParseError)
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 retry call, got %d", calls)
	}
}

func TestValidateGivesUpAfterMaxAttemptsAndNeverErrors(t *testing.T) {
	p := New(nil)
	calls := 0
	retry := func(ctx context.Context, priorOutput, validationError string) (string, error) {
		calls++
		return `{"name":"still missing age"}`, nil
	}
	result := p.Validate(context.Background(), []byte(personSchema), `{"name":"missing age"}`, retry)
	if result.ParseError == "" {
		t.Fatal("expected a parse error after exhausting retries")
	}
	if calls != maxAttempts-1 {
		t.Fatalf("expected %d retry calls (maxAttempts-1), got %d", maxAttempts-1, calls)
	}
}

func TestValidateWithNilRetrierChecksOnlyFirstAttempt(t *testing.T) {
	p := New(nil)
	result := p.Validate(context.Background(), []byte(personSchema), `not json`, nil)
	if result.ParseError == "" {
		t.Fatal("expected a parse error for invalid JSON with no retrier")
	}
	if result.Raw != "not json" {
		t.Fatalf("expected Raw to retain the original candidate, got %q", result.Raw)
	}
}

func TestValidateInvalidSchemaReportsParseError(t *testing.T) {
	p := New(nil)
	result := p.Validate(context.Background(), []byte(`not a schema`), `{"name":"Ada","age":36}`, nil)
	if result.ParseError == "" {
		t.Fatal("expected a parse error for an invalid schema")
	}
}
