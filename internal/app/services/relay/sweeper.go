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

var _ system.Service = (*Sweeper)(nil)

// Sweeper periodically re-dispatches every unfulfilled request assigned to
// its oracle identity. It is the sole retry mechanism: together with the
// ledger's duplicate rejection it gives at-least-once attempt delivery and
// at-most-once state mutation.
type Sweeper struct {
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
	sem     chan struct{}
}

// NewSweeper constructs a lifecycle-managed reconciliation sweeper.
func NewSweeper(led ledger.Ledger, fulfiller *Fulfiller, chain string, oracle request.Identity, interval time.Duration, workers int, log *logger.Logger) *Sweeper {
	if log == nil {
		log = logger.NewDefault("relay-sweeper")
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if workers <= 0 {
		workers = 4
	}
	return &Sweeper{
		ledger:    led,
		fulfiller: fulfiller,
		log:       log.WithField("chain", chain).WithField("oracle", string(oracle)),
		chain:     chain,
		oracle:    oracle,
		interval:  interval,
		sem:       make(chan struct{}, workers),
	}
}

func (s *Sweeper) Name() string { return "relay-sweeper-" + s.chain + "-" + string(s.oracle) }

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.tick(runCtx)
			}
		}
	}()

	s.log.Info("reconciliation sweeper started")
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("reconciliation sweeper stopped")
	return nil
}

func (s *Sweeper) tick(ctx context.Context) {
	listCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	reqs, err := s.ledger.ListUnfulfilled(listCtx, s.oracle)
	if err != nil {
		s.log.WithError(err).Warn("reconciliation sweep failed")
		return
	}
	if len(reqs) == 0 {
		return
	}

	s.log.WithField("count", len(reqs)).Info("re-dispatching unfulfilled requests")
	metrics.RecordSweepDispatch(s.chain, string(s.oracle), len(reqs))

	for _, req := range reqs {
		s.dispatch(ctx, req)
	}
}

func (s *Sweeper) dispatch(ctx context.Context, req request.Request) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()

		if err := s.fulfiller.Execute(ctx, req); err != nil {
			s.log.WithError(err).
				WithField("request_id", req.ID).
				Warn("sweep fulfilment failed")
		}
	}()
}
