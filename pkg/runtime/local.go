package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/agentfleet/fleetd/pkg/clock"
	"github.com/agentfleet/fleetd/pkg/models"
	"github.com/agentfleet/fleetd/pkg/store"
)

// Local is the in-process runtime: sandboxes are mailbox records rather
// than real isolation, and posted events land in the durable outbox so
// they flow through the same bus as everything else.
type Local struct {
	outbox store.OutboxStore
	clock  clock.Clock

	mu        sync.Mutex
	sandboxes map[string]*sandbox
}

type sandbox struct {
	params  SpawnParams
	mailbox []Message
}

// NewLocal creates an in-process runtime.
func NewLocal(outbox store.OutboxStore, clk clock.Clock) *Local {
	return &Local{
		outbox:    outbox,
		clock:     clk,
		sandboxes: make(map[string]*sandbox),
	}
}

var _ AgentRuntime = (*Local)(nil)

// Spawn registers a sandbox record and returns its handle.
func (l *Local) Spawn(_ context.Context, p SpawnParams) (string, error) {
	id := fmt.Sprintf("sbx-%s", uuid.New().String())
	l.mu.Lock()
	l.sandboxes[id] = &sandbox{params: p}
	l.mu.Unlock()

	slog.Info("Sandbox spawned",
		"sandbox_id", id,
		"task_id", p.TaskID,
		"agent_id", p.AgentID,
		"kind", p.Kind)
	return id, nil
}

// Inject queues a message into the sandbox's mailbox.
func (l *Local) Inject(_ context.Context, sandboxID, content string, msgType MessageType) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sbx, ok := l.sandboxes[sandboxID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSandbox, sandboxID)
	}

	msg := Message{
		ID:         uuid.New().String(),
		Content:    content,
		Type:       msgType,
		EnqueuedAt: l.clock.Now(),
	}
	sbx.mailbox = append(sbx.mailbox, msg)
	return msg.ID, nil
}

// PollMessages drains the mailbox in FIFO order.
func (l *Local) PollMessages(_ context.Context, sandboxID string) ([]Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sbx, ok := l.sandboxes[sandboxID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSandbox, sandboxID)
	}
	out := sbx.mailbox
	sbx.mailbox = nil
	return out, nil
}

// PostEvent appends a sandbox-originated event to the outbox.
func (l *Local) PostEvent(ctx context.Context, sandboxID string, ev models.SystemEvent) error {
	l.mu.Lock()
	_, ok := l.sandboxes[sandboxID]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSandbox, sandboxID)
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = l.clock.Now()
	}
	return l.outbox.AppendEvents(ctx, ev)
}

// Terminate removes the sandbox record.
func (l *Local) Terminate(_ context.Context, sandboxID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.sandboxes[sandboxID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSandbox, sandboxID)
	}
	delete(l.sandboxes, sandboxID)
	slog.Info("Sandbox terminated", "sandbox_id", sandboxID, "reason", reason)
	return nil
}
