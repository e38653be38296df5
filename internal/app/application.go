// Package app wires the relay together: one watcher/fulfiller/sweeper
// triple per configured (chain, oracle identity) pair, all driven by the
// system manager.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	_ "github.com/lib/pq"

	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/oracle-relay/internal/app/domain/request"
	"github.com/R3E-Network/oracle-relay/internal/app/ledger"
	"github.com/R3E-Network/oracle-relay/internal/app/ledger/memory"
	"github.com/R3E-Network/oracle-relay/internal/app/ledger/postgres"
	"github.com/R3E-Network/oracle-relay/internal/app/services/relay"
	"github.com/R3E-Network/oracle-relay/internal/app/system"
	"github.com/R3E-Network/oracle-relay/internal/config"
	"github.com/R3E-Network/oracle-relay/pkg/logger"
)

// Application ties the per-chain relay triples together and manages their
// lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger
	ledgers map[string]ledger.Ledger
	dbs     []*sqlx.DB
}

// New builds the application from chain configuration. Chains with
// incomplete configuration are skipped with a notice, never a startup
// failure.
func New(cfg *config.Config, chains *config.ChainsConfig, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	app := &Application{
		manager: system.NewManager(),
		log:     log,
		ledgers: make(map[string]ledger.Ledger),
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}

	for _, chain := range chains.Chains {
		if err := chain.Validate(); err != nil {
			log.WithField("chain", chain.Name).Infof("skipping chain: %v", err)
			continue
		}

		pollInterval, err := chain.PollInterval()
		if err != nil {
			log.WithError(err).WithField("chain", chain.Name).Info("skipping chain: bad poll schedule")
			continue
		}
		sweepInterval, err := chain.SweepPeriod()
		if err != nil {
			log.WithError(err).WithField("chain", chain.Name).Info("skipping chain: bad sweep interval")
			continue
		}

		// Open the ledger only once the chain is fully validated, so a
		// skipped chain never holds a live handle or open connection.
		led, err := app.openLedger(chain)
		if err != nil {
			log.WithError(err).WithField("chain", chain.Name).Info("skipping chain: ledger unavailable")
			continue
		}
		app.ledgers[chain.Name] = led

		for _, addr := range chain.OracleAddresses {
			oracle := request.Identity(addr)
			fulfiller := relay.NewFulfiller(led, chain.Name, oracle, httpClient, log)
			watcher := relay.NewWatcher(led, fulfiller, chain.Name, oracle, pollInterval, cfg.Workers, log)
			sweeper := relay.NewSweeper(led, fulfiller, chain.Name, oracle, sweepInterval, cfg.Workers, log)

			if err := app.manager.Register(watcher); err != nil {
				return nil, fmt.Errorf("register %s: %w", watcher.Name(), err)
			}
			if err := app.manager.Register(sweeper); err != nil {
				return nil, fmt.Errorf("register %s: %w", sweeper.Name(), err)
			}
			log.WithField("chain", chain.Name).
				WithField("oracle", addr).
				Info("relay configured")
		}
	}

	return app, nil
}

func (a *Application) openLedger(chain config.ChainConfig) (ledger.Ledger, error) {
	if chain.DatabaseDSN == "memory" {
		return memory.New(request.Identity(chain.Owner)), nil
	}

	db, err := sqlx.Open("postgres", chain.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping ledger database: %w", err)
	}

	led := postgres.New(db)
	if err := led.EnsureSchema(ctx, request.Identity(chain.Owner)); err != nil {
		db.Close()
		return nil, err
	}

	a.dbs = append(a.dbs, db)
	return led, nil
}

// Ledger returns the ledger handle for a chain, for operator tooling and
// tests.
func (a *Application) Ledger(chain string) (ledger.Ledger, bool) {
	led, ok := a.ledgers[chain]
	return led, ok
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(svc system.Service) error {
	return a.manager.Register(svc)
}

// Start begins all registered runners.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all runners, then closes database handles.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	for _, db := range a.dbs {
		if closeErr := db.Close(); closeErr != nil {
			a.log.WithError(closeErr).Warn("error closing ledger database")
		}
	}
	return err
}
