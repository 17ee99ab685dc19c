// Package retention implements the orchestration core's Retention &
// Redaction component (C7): a daily sweep that deletes expired Executions
// and their logs, and an outbound redactor that masks provider credentials
// before any payload leaves the process boundary, following the repo's
// style of a small, focused middleware-shaped helper for background
// maintenance work.
package retention

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/agentmesh/orchestrator/core"
	"github.com/agentmesh/orchestrator/store"
	"github.com/robfig/cron/v3"
)

const defaultRetentionDays = 30

// Sweeper runs the daily retention deletion.
type Sweeper struct {
	executions store.Executions
	days       int
	logger     core.ComponentAwareLogger
	cronHandle cron.EntryID
	c          *cron.Cron
}

// NewSweeper builds a Sweeper. schedule is a standard 5-field cron
// expression, default "0 2 * * *" for a daily run at 02:00.
func NewSweeper(executions store.Executions, days int, schedule string, logger core.ComponentAwareLogger) (*Sweeper, error) {
	if days <= 0 {
		days = defaultRetentionDays
	}
	if schedule == "" {
		schedule = "0 2 * * *"
	}
	if logger != nil {
		logger = logger.WithComponent("orchestration/retention").(core.ComponentAwareLogger)
	}
	s := &Sweeper{executions: executions, days: days, logger: logger, c: cron.New()}
	id, err := s.c.AddFunc(schedule, func() { s.Sweep(context.Background()) })
	if err != nil {
		return nil, err
	}
	s.cronHandle = id
	return s, nil
}

// Start launches the cron scheduler in the background.
func (s *Sweeper) Start() { s.c.Start() }

// Stop halts the cron scheduler, waiting for any in-flight sweep to finish.
func (s *Sweeper) Stop() { s.c.Stop() }

// Sweep deletes every Execution (and its logs, via ON DELETE CASCADE in the
// store implementation) older than the retention window. Idempotent:
// running it twice on an unchanged dataset deletes nothing the second time,
// since the cutoff only ever advances.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -s.days)
	n, err := s.executions.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		if s.logger != nil {
			s.logger.ErrorWithContext(ctx, "retention sweep failed", map[string]interface{}{"error": err.Error()})
		}
		return 0, err
	}
	if s.logger != nil {
		s.logger.InfoWithContext(ctx, "retention sweep completed", map[string]interface{}{"deleted": n, "cutoff": cutoff})
	}
	return n, nil
}

// secretPatterns match the fixed set of provider API-key formats this
// component redacts, plus explicit credential-shaped JSON fields.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{20,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{32,}`),
}

var jsonFieldPattern = regexp.MustCompile(`(?i)"(api_key|secret_key)"\s*:\s*"[^"]*"`)

const redactedPlaceholder = "***REDACTED***"

// RedactString substitutes every secret-pattern match in s with
// ***REDACTED***. Outbound-only: callers apply it to API responses and SSE
// frames, never to stored data, which stays unmasked for forensic use.
func RedactString(s string) string {
	s = jsonFieldPattern.ReplaceAllStringFunc(s, func(match string) string {
		loc := jsonFieldPattern.FindStringSubmatch(match)
		if len(loc) < 2 {
			return match
		}
		return `"` + loc[1] + `":"` + redactedPlaceholder + `"`
	})
	for _, p := range secretPatterns {
		s = p.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}

// RedactJSON applies RedactString to the serialized form of raw and returns
// the result re-wrapped as json.RawMessage, for use on ExecutionLog
// ExtraData and ExecutionOutput payloads before they cross the boundary.
func RedactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	return json.RawMessage(RedactString(string(raw)))
}

// RedactExecution returns a deep-redacted copy of exec suitable for an API
// response or SSE frame. The stored exec (passed by the repository layer)
// is never mutated.
func RedactExecution(exec store.Execution) store.Execution {
	out := exec
	out.Input.Task = RedactString(exec.Input.Task)
	if exec.Output != nil {
		redactedOutput := store.ExecutionOutput{
			Raw:        RedactString(exec.Output.Raw),
			Structured: RedactJSON(exec.Output.Structured),
		}
		out.Output = &redactedOutput
	}
	out.ParseError = RedactString(exec.ParseError)
	out.ErrorMessage = RedactString(exec.ErrorMessage)
	if exec.NodeResults != nil {
		results := make(map[string]*store.NodeResult, len(exec.NodeResults))
		for id, nr := range exec.NodeResults {
			redacted := *nr
			redacted.Output = RedactString(nr.Output)
			redacted.Error = RedactString(nr.Error)
			results[id] = &redacted
		}
		out.NodeResults = results
	}
	return out
}

// RedactLog returns a redacted copy of one ExecutionLog for streaming.
func RedactLog(log store.ExecutionLog) store.ExecutionLog {
	out := log
	out.Message = RedactString(log.Message)
	out.ExtraData = RedactJSON(log.ExtraData)
	return out
}
