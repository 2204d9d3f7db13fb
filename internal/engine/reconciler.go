package engine

import (
	"context"
	"sync"
	"time"

	"github.com/outpost-labs/treasury-service/pkg/logger"
)

// Reconciler periodically re-checks parked attempts against the chain so
// that reservations held by timed-out confirmations eventually settle
// without operator intervention.
type Reconciler struct {
	engine   *Engine
	interval time.Duration
	log      *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewReconciler creates a reconciler polling at the given interval.
func NewReconciler(engine *Engine, interval time.Duration, log *logger.Logger) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("reconciler")
	}
	return &Reconciler{engine: engine, interval: interval, log: log}
}

func (r *Reconciler) Name() string { return "reconciler" }

// Start begins the background polling loop.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.engine.ReconcileOnce(runCtx)
			}
		}
	}()

	r.log.Info("reconciler started")
	return nil
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return nil
}
