package relay

import (
	"context"
	"sync"
	"time"

	"github.com/R3E-Network/oracle-relay/internal/app/domain/request"
	"github.com/R3E-Network/oracle-relay/internal/app/ledger"
	"github.com/R3E-Network/oracle-relay/internal/app/metrics"
	"github.com/R3E-Network/oracle-relay/internal/app/system"
	"github.com/R3E-Network/oracle-relay/pkg/logger"
)

var _ system.Service = (*Watcher)(nil)

// Watcher polls the ledger event log and hands every RequestAdded event for
// its oracle identity to the fulfiller once. The cursor lives in memory; a
// restart may skip events, which the sweeper covers.
type Watcher struct {
	ledger    ledger.Ledger
	fulfiller *Fulfiller
	log       *logger.Logger
	chain     string
	oracle    request.Identity
	interval  time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	cursor  uint64
	sem     chan struct{}
}

// NewWatcher constructs a lifecycle-managed event watcher. workers bounds
// concurrent fulfilment dispatches per watcher.
func NewWatcher(led ledger.Ledger, fulfiller *Fulfiller, chain string, oracle request.Identity, interval time.Duration, workers int, log *logger.Logger) *Watcher {
	if log == nil {
		log = logger.NewDefault("relay-watcher")
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if workers <= 0 {
		workers = 4
	}
	return &Watcher{
		ledger:    led,
		fulfiller: fulfiller,
		log:       log.WithField("chain", chain).WithField("oracle", string(oracle)),
		chain:     chain,
		oracle:    oracle,
		interval:  interval,
		sem:       make(chan struct{}, workers),
	}
}

func (w *Watcher) Name() string { return "relay-watcher-" + w.chain + "-" + string(w.oracle) }

func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				w.tick(runCtx)
			}
		}
	}()

	w.log.Info("event watcher started")
	return nil
}

func (w *Watcher) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	w.running = false
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.log.Info("event watcher stopped")
	return nil
}

func (w *Watcher) tick(ctx context.Context) {
	listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	w.mu.Lock()
	cursor := w.cursor
	w.mu.Unlock()

	events, next, err := w.ledger.EventsSince(listCtx, cursor)
	if err != nil {
		w.log.WithError(err).Warn("event watcher tick failed")
		return
	}

	// Advance before dispatching so an event is never delivered twice even
	// if the fulfilment attempt fails.
	w.mu.Lock()
	w.cursor = next
	w.mu.Unlock()

	matched := 0
	for _, ev := range events {
		if ev.Kind != request.EventRequestAdded {
			continue
		}
		if ev.Request.Oracle != w.oracle {
			continue
		}
		matched++
		w.dispatch(ctx, ev.Request)
	}
	metrics.RecordWatcherDispatch(w.chain, string(w.oracle), matched)
}

// dispatch runs one fulfilment attempt asynchronously, bounded by the
// worker semaphore. Failures are logged, never propagated to the tick loop.
func (w *Watcher) dispatch(ctx context.Context, req request.Request) {
	select {
	case w.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()

		if err := w.fulfiller.Execute(ctx, req); err != nil {
			w.log.WithError(err).
				WithField("request_id", req.ID).
				Warn("event-sourced fulfilment failed")
		}
	}()
}
