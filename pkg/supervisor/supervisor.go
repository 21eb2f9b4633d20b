// Package supervisor runs the background control loops: heartbeat
// monitoring, stuck-workflow diagnosis, anomaly scoring, approval
// timeouts and blocking detection. Every loop is idempotent and
// restart-safe; a failing tick logs and waits for the next cadence.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Loop cadences. The approval poller reads its cadence from config; the
// rest are fixed.
const (
	heartbeatInterval = 10 * time.Second
	timeoutInterval   = 30 * time.Second
	stuckInterval     = 60 * time.Second
	anomalyInterval   = 60 * time.Second
	blockingInterval  = 300 * time.Second
)

// Loop is one supervised control loop. Tick runs a single iteration and
// is the unit tests drive directly.
type Loop interface {
	Name() string
	Interval() time.Duration
	Tick(ctx context.Context) error
}

// Supervisor owns a set of loops and runs each on its own cadence.
type Supervisor struct {
	loops []Loop
}

// New creates a Supervisor over the given loops.
func New(loops ...Loop) *Supervisor {
	return &Supervisor{loops: loops}
}

// Run starts every loop and blocks until the context is cancelled and
// all loops have drained.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, loop := range s.loops {
		wg.Add(1)
		go func(l Loop) {
			defer wg.Done()
			runLoop(ctx, l)
		}(loop)
	}
	wg.Wait()
}

// runLoop ticks the loop at its cadence until cancellation. Errors are
// logged and never kill the loop.
func runLoop(ctx context.Context, l Loop) {
	log := slog.With("loop", l.Name())
	log.Info("Supervisor loop started", "interval", l.Interval())

	ticker := time.NewTicker(l.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Supervisor loop stopped")
			return
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				log.Error("Supervisor tick failed", "error", err)
			}
		}
	}
}
