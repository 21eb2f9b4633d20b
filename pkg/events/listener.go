package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

// notifyPollWindow bounds WaitForNotification so queued LISTEN/UNLISTEN
// commands get a turn on the shared connection.
const notifyPollWindow = 100 * time.Millisecond

// Redial backoff bounds after the LISTEN connection drops.
const (
	redialBase = time.Second
	redialMax  = 30 * time.Second
)

// ErrListenerDown is returned when a LISTEN is requested before Start or
// after Stop.
var ErrListenerDown = errors.New("LISTEN connection not established")

// Broadcaster receives raw NOTIFY payloads for a channel. The WebSocket
// connection manager implements this to fan drained events out to
// subscribed clients, including events drained by other pods.
type Broadcaster interface {
	Broadcast(channel string, payload []byte)
}

// listenCmd is a LISTEN/UNLISTEN statement queued for the receive loop,
// the sole goroutine allowed to touch the pgx connection.
type listenCmd struct {
	sql    string
	result chan error
}

// NotifyListener holds a dedicated PostgreSQL connection, LISTENs on
// event channels, and hands incoming notifications to a Broadcaster.
// Each pod runs one listener so WebSocket clients see events regardless
// of which pod drained them.
type NotifyListener struct {
	connString string
	sink       Broadcaster

	mu       sync.Mutex // guards conn and channels
	conn     *pgx.Conn
	channels map[string]bool

	// cmdCh serializes LISTEN/UNLISTEN through the receive loop to avoid
	// the "conn busy" race between WaitForNotification and Exec.
	cmdCh   chan listenCmd
	running atomic.Bool

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewNotifyListener creates a listener that dispatches notifications to
// the given sink.
func NewNotifyListener(connString string, sink Broadcaster) *NotifyListener {
	return &NotifyListener{
		connString: connString,
		sink:       sink,
		channels:   make(map[string]bool),
		cmdCh:      make(chan listenCmd, 16),
	}
}

// Start establishes the dedicated LISTEN connection and begins receiving.
func (l *NotifyListener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("connect for LISTEN: %w", err)
	}
	l.setConn(conn)
	l.running.Store(true)

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("NotifyListener started")
	return nil
}

// Listen issues LISTEN for a channel. Idempotent; the statement runs on
// the receive loop, never directly.
func (l *NotifyListener) Listen(ctx context.Context, channel string) error {
	l.mu.Lock()
	known := l.channels[channel]
	l.mu.Unlock()
	if known {
		return nil
	}
	if !l.running.Load() {
		return ErrListenerDown
	}

	sanitized := pgx.Identifier{channel}.Sanitize()
	if err := l.exec(ctx, "LISTEN "+sanitized); err != nil {
		return fmt.Errorf("LISTEN %s: %w", sanitized, err)
	}

	l.mu.Lock()
	l.channels[channel] = true
	l.mu.Unlock()
	slog.Debug("Listening on NOTIFY channel", "channel", channel)
	return nil
}

// Unlisten issues UNLISTEN for a channel. A no-op for channels never
// listened on or after Stop.
func (l *NotifyListener) Unlisten(ctx context.Context, channel string) error {
	l.mu.Lock()
	known := l.channels[channel]
	l.mu.Unlock()
	if !known || !l.running.Load() {
		return nil
	}

	sanitized := pgx.Identifier{channel}.Sanitize()
	if err := l.exec(ctx, "UNLISTEN "+sanitized); err != nil {
		return fmt.Errorf("UNLISTEN %s: %w", sanitized, err)
	}

	l.mu.Lock()
	delete(l.channels, channel)
	l.mu.Unlock()
	return nil
}

// exec queues a statement for the receive loop and waits for its result.
func (l *NotifyListener) exec(ctx context.Context, sql string) error {
	cmd := listenCmd{sql: sql, result: make(chan error, 1)}
	select {
	case l.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receiveLoop owns the pgx connection: it alternates between draining
// queued commands and short notification waits, redialing on errors.
func (l *NotifyListener) receiveLoop(ctx context.Context) {
	for ctx.Err() == nil {
		select {
		case cmd := <-l.cmdCh:
			cmd.result <- l.runCmd(ctx, cmd.sql)
			continue
		default:
		}

		conn := l.current()
		if conn == nil {
			l.redial(ctx)
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, notifyPollWindow)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		switch {
		case err == nil:
			l.sink.Broadcast(notification.Channel, []byte(notification.Payload))
		case ctx.Err() != nil:
			return
		case waitCtx.Err() != nil:
			// Idle window elapsed; loop around to service commands.
		default:
			slog.Error("NOTIFY receive error", "error", err)
			l.redial(ctx)
		}
	}
}

func (l *NotifyListener) runCmd(ctx context.Context, sql string) error {
	conn := l.current()
	if conn == nil {
		return ErrListenerDown
	}
	_, err := conn.Exec(ctx, sql)
	return err
}

func (l *NotifyListener) current() *pgx.Conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

func (l *NotifyListener) setConn(conn *pgx.Conn) {
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
}

// redial re-establishes the LISTEN connection with exponential backoff
// and re-issues LISTEN for every registered channel, so a dropped
// connection never silently loses subscriptions.
func (l *NotifyListener) redial(ctx context.Context) {
	if conn := l.current(); conn != nil {
		_ = conn.Close(ctx)
		l.setConn(nil)
	}

	backoff := redialBase
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, l.connString)
		if err != nil {
			slog.Error("LISTEN redial failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, redialMax)
			continue
		}

		l.mu.Lock()
		l.conn = conn
		for ch := range l.channels {
			sanitized := pgx.Identifier{ch}.Sanitize()
			if _, err := conn.Exec(ctx, "LISTEN "+sanitized); err != nil {
				slog.Error("Re-LISTEN failed", "channel", ch, "error", err)
			}
		}
		l.mu.Unlock()

		slog.Info("NotifyListener reconnected")
		return
	}
}

// Stop signals the receive loop to exit, waits for it, then closes the
// connection.
func (l *NotifyListener) Stop(ctx context.Context) {
	l.running.Store(false)

	if l.cancelLoop != nil {
		l.cancelLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	if conn := l.current(); conn != nil {
		_ = conn.Close(ctx)
		l.setConn(nil)
	}
}
