// Package runtime defines the execution boundary between the control
// plane and agent sandboxes, with an in-process implementation used for
// local execution and tests.
package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/agentfleet/fleetd/pkg/models"
)

// ErrUnknownSandbox is returned for operations on a sandbox id the
// runtime does not hold.
var ErrUnknownSandbox = errors.New("unknown sandbox")

// MessageType classifies messages injected into a sandbox.
type MessageType string

// Injectable message types.
const (
	MessageUser          MessageType = "user_message"
	MessageGuardianNudge MessageType = "guardian_nudge"
	MessageInterrupt     MessageType = "interrupt"
	MessageSystem        MessageType = "system"
)

// Message is one queued item in a sandbox's inbound mailbox.
type Message struct {
	ID         string      `json:"id"`
	Content    string      `json:"content"`
	Type       MessageType `json:"message_type"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// SpawnParams describes the sandbox to start for a task.
type SpawnParams struct {
	TaskID        string
	AgentID       string
	Phase         string
	Kind          models.AgentKind
	ExecutionMode string
	ProjectID     string
	ExtraEnv      map[string]string
}

// AgentRuntime is the sole boundary between the control plane and
// execution. Implementations wrap a sandbox substrate; the control
// plane never reaches past this interface.
type AgentRuntime interface {
	// Spawn starts a sandbox for a task and returns its handle.
	Spawn(ctx context.Context, p SpawnParams) (string, error)

	// Inject queues a message into the sandbox's mailbox and returns the
	// queued message id.
	Inject(ctx context.Context, sandboxID, content string, msgType MessageType) (string, error)

	// PollMessages drains the sandbox's mailbox FIFO; messages are
	// consumed on read.
	PollMessages(ctx context.Context, sandboxID string) ([]Message, error)

	// PostEvent carries a sandbox-originated event into the control plane.
	PostEvent(ctx context.Context, sandboxID string, ev models.SystemEvent) error

	// Terminate stops the sandbox.
	Terminate(ctx context.Context, sandboxID, reason string) error
}
