package retention

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentmesh/orchestrator/store"
)

type memExecutions struct {
	mu       sync.Mutex
	rows     []*store.Execution
	deleted  int
	deleteErr error
}

func (m *memExecutions) Create(ctx context.Context, exec *store.Execution) error { return nil }
func (m *memExecutions) Get(ctx context.Context, id string) (*store.Execution, error) {
	return nil, nil
}
func (m *memExecutions) Update(ctx context.Context, exec *store.Execution) error { return nil }
func (m *memExecutions) List(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	return nil, nil
}
func (m *memExecutions) CountRunningByTeam(ctx context.Context, teamID string) (int, error) {
	return 0, nil
}
func (m *memExecutions) ListRunningOrPending(ctx context.Context) ([]*store.Execution, error) {
	return nil, nil
}
func (m *memExecutions) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deleteErr != nil {
		return 0, m.deleteErr
	}
	var kept []*store.Execution
	deleted := 0
	for _, e := range m.rows {
		if e.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	m.rows = kept
	m.deleted += deleted
	return deleted, nil
}

func TestSweepDeletesOnlyExpiredExecutions(t *testing.T) {
	now := time.Now()
	execs := &memExecutions{rows: []*store.Execution{
		{ID: "old", CreatedAt: now.AddDate(0, 0, -60)},
		{ID: "recent", CreatedAt: now.AddDate(0, 0, -1)},
	}}
	sweeper, err := NewSweeper(execs, 30, "0 2 * * *", nil)
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	n, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deletion, got %d", n)
	}
	if len(execs.rows) != 1 || execs.rows[0].ID != "recent" {
		t.Fatalf("expected only the recent execution to survive, got %+v", execs.rows)
	}
}

func TestSweepIsIdempotentOnceCutoffStopsAdvancing(t *testing.T) {
	now := time.Now()
	execs := &memExecutions{rows: []*store.Execution{
		{ID: "old", CreatedAt: now.AddDate(0, 0, -60)},
	}}
	sweeper, err := NewSweeper(execs, 30, "0 2 * * *", nil)
	if err != nil {
		t.Fatalf("NewSweeper: %v", err)
	}
	if _, err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	n, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected second sweep to delete nothing, got %d", n)
	}
}

func TestRedactStringMasksSecretPatterns(t *testing.T) {
	input := `token=sk-abcdefghijklmnopqrstuvwxyz012345 and sk-ant-REDACTED`
	got := RedactString(input)
	if got == input {
		t.Fatal("expected secrets to be masked")
	}
	if !strings.Contains(got, redactedPlaceholder) {
		t.Fatalf("expected output to contain %q, got %q", redactedPlaceholder, got)
	}
}

func TestRedactStringMasksJSONCredentialFields(t *testing.T) {
	input := `{"api_key":"super-secret","other":"value"}`
	got := RedactString(input)
	if strings.Contains(got, "super-secret") {
		t.Fatalf("expected api_key value to be redacted, got %q", got)
	}
	if !strings.Contains(got, `"other":"value"`) {
		t.Fatalf("expected unrelated fields untouched, got %q", got)
	}
}

func TestRedactExecutionDoesNotMutateOriginal(t *testing.T) {
	exec := store.Execution{
		Input:  store.ExecutionInput{Task: "call sk-abcdefghijklmnopqrstuvwxyz012345"},
		Output: &store.ExecutionOutput{Raw: "fine"},
	}
	redacted := RedactExecution(exec)
	if redacted.Input.Task == exec.Input.Task {
		t.Fatal("expected the redacted copy's task to differ from the original")
	}
	if exec.Input.Task != "call sk-abcdefghijklmnopqrstuvwxyz012345" {
		t.Fatal("expected the original Execution to remain unmodified")
	}
}
