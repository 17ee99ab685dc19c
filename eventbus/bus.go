// Package eventbus implements the orchestration core's Event Bus (C6): a
// per-execution, ordered pub/sub log with durable replay and resumable
// subscriptions. Every event is persisted before it is published, so a
// subscriber that reconnects can always resume from since_sequence instead
// of missing events dropped during a gap in the stream.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/agentmesh/orchestrator/core"
	"github.com/agentmesh/orchestrator/store"
)

// Event type taxonomy.
const (
	EventExecutionStarted   = "execution_started"
	EventSupervisorDecision = "supervisor_decision"
	EventNodeEntered        = "node_entered"
	EventNodeCompleted      = "node_completed"
	EventNodeFailed         = "node_failed"
	EventNodeSkipped        = "node_skipped"
	EventToolCall           = "tool_call"
	EventLLMRetry           = "llm_retry"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionTimeout   = "execution_timeout"
	EventExecutionCancelled = "execution_cancelled"
	EventHeartbeat          = "heartbeat"
)

var terminalEvents = map[string]bool{
	EventExecutionCompleted: true,
	EventExecutionFailed:    true,
	EventExecutionTimeout:   true,
	EventExecutionCancelled: true,
}

const (
	subscriberBufferSize = 128
	heartbeatInterval    = 30 * time.Second
	terminalFlushGrace   = 60 * time.Second
)

type subscriber struct {
	ch chan store.ExecutionLog
}

type topic struct {
	mu           sync.Mutex
	nextSequence int64
	subscribers  map[int]*subscriber
	nextSubID    int
	closeTimer   *time.Timer
}

// Bus is one process-wide Event Bus. Each execution gets its own topic;
// there is no single global event broker shared across executions.
type Bus struct {
	logs   store.ExecutionLogs
	mu     sync.Mutex
	topics map[string]*topic
	logger core.ComponentAwareLogger
}

// New builds a Bus backed by logs for persistence.
func New(logs store.ExecutionLogs, logger core.ComponentAwareLogger) *Bus {
	if logger != nil {
		logger = logger.WithComponent("orchestration/eventbus").(core.ComponentAwareLogger)
	}
	return &Bus{logs: logs, topics: make(map[string]*topic), logger: logger}
}

func (b *Bus) topicFor(executionID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[executionID]
	if !ok {
		t = &topic{subscribers: make(map[int]*subscriber)}
		b.topics[executionID] = t
	}
	return t
}

// PublishInput is everything callers supply for a single event; ExecutionID,
// Sequence and Timestamp are assigned by Publish.
type PublishInput struct {
	ExecutionID  string
	EventType    string
	NodeID       string
	AgentID      string
	SupervisorID string
	Message      string
	ExtraData    []byte
}

// Publish assigns the next monotone sequence for in.ExecutionID, persists
// the log row, then delivers it to every live subscriber - in that order,
// so no subscriber can ever observe an event that is not already durable.
func (b *Bus) Publish(ctx context.Context, in PublishInput) (store.ExecutionLog, error) {
	t := b.topicFor(in.ExecutionID)

	t.mu.Lock()
	t.nextSequence++
	seq := t.nextSequence
	log := store.ExecutionLog{
		ID:           uuid.NewString(),
		ExecutionID:  in.ExecutionID,
		Sequence:     seq,
		Timestamp:    time.Now(),
		EventType:    in.EventType,
		NodeID:       in.NodeID,
		AgentID:      in.AgentID,
		SupervisorID: in.SupervisorID,
		Message:      in.Message,
		ExtraData:    in.ExtraData,
	}

	if _, err := b.logs.Append(ctx, &log); err != nil {
		t.nextSequence--
		t.mu.Unlock()
		return store.ExecutionLog{}, err
	}

	b.broadcastLocked(t, log)
	terminal := terminalEvents[in.EventType]
	t.mu.Unlock()

	if terminal {
		b.scheduleFlush(in.ExecutionID, t)
	}
	return log, nil
}

// broadcastLocked delivers log to every live subscriber of t. A subscriber
// whose buffer is full is disconnected rather than allowed to block the
// execution; it must reconnect with its last-received sequence for
// lossless resumption.
func (b *Bus) broadcastLocked(t *topic, log store.ExecutionLog) {
	for id, sub := range t.subscribers {
		select {
		case sub.ch <- log:
		default:
			close(sub.ch)
			delete(t.subscribers, id)
		}
	}
}

func (b *Bus) scheduleFlush(executionID string, t *topic) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closeTimer != nil {
		return
	}
	t.closeTimer = time.AfterFunc(terminalFlushGrace, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		t.mu.Lock()
		for _, sub := range t.subscribers {
			close(sub.ch)
		}
		t.subscribers = nil
		t.mu.Unlock()
		delete(b.topics, executionID)
	})
}

// Subscribe returns a channel of events for executionID. If sinceSequence
// is > 0, the persisted log is replayed first for sequence > sinceSequence,
// then live events are forwarded with no gap and no duplication: the
// subscriber's live channel is registered under the topic lock *before* the
// snapshot sequence is read, so anything published after the snapshot
// arrives on the live channel and anything at or before it comes from the
// replay, so a resuming subscriber never misses or duplicates an event.
func (b *Bus) Subscribe(ctx context.Context, executionID string, sinceSequence int64) (<-chan store.ExecutionLog, error) {
	t := b.topicFor(executionID)

	t.mu.Lock()
	snapshot := t.nextSequence
	t.nextSubID++
	id := t.nextSubID
	sub := &subscriber{ch: make(chan store.ExecutionLog, subscriberBufferSize)}
	t.subscribers[id] = sub
	t.mu.Unlock()

	out := make(chan store.ExecutionLog, subscriberBufferSize)
	go func() {
		defer close(out)
		defer func() {
			t.mu.Lock()
			delete(t.subscribers, id)
			t.mu.Unlock()
		}()

		replayed, err := b.logs.List(ctx, store.LogFilter{
			ExecutionID:   executionID,
			SinceSequence: sinceSequence,
			Limit:         0, // unbounded: replay is a correctness requirement, not a page
		})
		if err == nil {
			for _, l := range replayed {
				if l.Sequence > snapshot {
					continue // will arrive via the live channel below
				}
				select {
				case out <- *l:
				case <-ctx.Done():
					return
				}
			}
		}

		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case ev, ok := <-sub.ch:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				ticker.Reset(heartbeatInterval)
			case <-ticker.C:
				t.mu.Lock()
				next := t.nextSequence
				t.mu.Unlock()
				hb := store.ExecutionLog{
					ExecutionID: executionID,
					Sequence:    next,
					Timestamp:   time.Now(),
					EventType:   EventHeartbeat,
				}
				select {
				case out <- hb:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
