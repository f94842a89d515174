package main

import (
	"github.com/rs/zerolog"

	"github.com/sawpanic/signaldesk/internal/config"
	"github.com/sawpanic/signaldesk/internal/lifecycle"
	"github.com/sawpanic/signaldesk/internal/net/circuit"
	"github.com/sawpanic/signaldesk/internal/persistence/state"
	"github.com/sawpanic/signaldesk/internal/scheduler"
)

// offlineEngine opens the state file for operator commands. It has no market
// data or chat transport and must not run while the service is running.
func offlineEngine(cfg config.Config, logger zerolog.Logger) (*scheduler.Engine, *state.Store, error) {
	store := newStore(cfg, logger)
	st, err := openState(store, cfg, false, logger)
	if err != nil {
		return nil, store, err
	}
	e := scheduler.New(cfg.Engine, st, scheduler.Deps{
		Store:     store,
		Quota:     circuit.NewQuota(cfg.Breaker),
		Limits:    cfg.Limits,
		Lifecycle: lifecycle.New(cfg.Lifecycle),
		Log:       logger,
	})
	return e, store, nil
}
