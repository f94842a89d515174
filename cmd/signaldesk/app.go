package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/signaldesk/internal/config"
	"github.com/sawpanic/signaldesk/internal/data/cache"
	"github.com/sawpanic/signaldesk/internal/infrastructure/db"
	opshttp "github.com/sawpanic/signaldesk/internal/interfaces/http"
	"github.com/sawpanic/signaldesk/internal/lifecycle"
	"github.com/sawpanic/signaldesk/internal/models"
	"github.com/sawpanic/signaldesk/internal/net/circuit"
	"github.com/sawpanic/signaldesk/internal/notify"
	"github.com/sawpanic/signaldesk/internal/persistence"
	"github.com/sawpanic/signaldesk/internal/persistence/state"
	"github.com/sawpanic/signaldesk/internal/providers/twelvedata"
	"github.com/sawpanic/signaldesk/internal/scheduler"
	"github.com/sawpanic/signaldesk/internal/strategy"
)

const recoveryHint = `The assistant stopped because its trading state could not be persisted or read.
Nothing was traded automatically. Before restarting:
  signaldesk state verify              inspect the primary and backup files
  signaldesk state restore-backup      replace a damaged primary with the backup
Check free disk space and permissions on the state directory.`

func newStore(cfg config.Config, logger zerolog.Logger) *state.Store {
	return state.NewStore(cfg.State.Path, cfg.State.Backup, state.WithLogger(logger))
}

// openState loads the persisted state. A fresh state is created only when
// neither file exists and create is set.
func openState(store *state.Store, cfg config.Config, create bool, logger zerolog.Logger) (*models.PersistedState, error) {
	st, report, err := store.Load()
	switch {
	case err == nil:
		if report.RecoveredFromBackup() {
			logger.Warn().AnErr("primary_error", report.PrimaryErr).Msg("running from backup state")
		}
		return st, nil
	case errors.Is(err, state.ErrNoState) && create:
		if err := os.MkdirAll(filepath.Dir(store.PrimaryPath()), 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
		st = models.NewState(time.Now(), cfg.Breaker.DailyBudget, cfg.Breaker.Reserve)
		if err := store.Init(st); err != nil {
			return nil, err
		}
		logger.Info().Str("path", store.PrimaryPath()).Msg("initialized new state")
		return st, nil
	default:
		return nil, err
	}
}

type app struct {
	engine  *scheduler.Engine
	server  *opshttp.Server
	tg      *notify.Telegram
	cleanup []func()
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

// build wires every component from cfg.
func build(ctx context.Context, cfg config.Config, st *models.PersistedState, store *state.Store, logger zerolog.Logger) (*app, error) {
	a := &app{}

	// The configured budget wins over the one recorded in older state files.
	st.Breaker.DailyBudget = cfg.Breaker.DailyBudget
	st.Breaker.Reserve = cfg.Breaker.Reserve

	c, err := cache.NewAuto(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Prefix)
	if err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unavailable, using in-memory cache")
	}
	if r, ok := c.(*cache.Redis); ok {
		a.cleanup = append(a.cleanup, func() { r.Close() })
	}

	var journal scheduler.Journal
	var dbHealth persistence.RepositoryHealth
	if cfg.Database.Enabled {
		mgr, err := db.NewManager(cfg.Database)
		if err != nil {
			logger.Warn().Err(err).Msg("journal database unavailable, continuing without audit journal")
		} else {
			if err := mgr.Migrate(ctx); err != nil {
				mgr.Close()
				return nil, fmt.Errorf("journal migration: %w", err)
			}
			journal = mgr.Journal()
			dbHealth = mgr.Health()
			a.cleanup = append(a.cleanup, func() { mgr.Close() })
		}
	}

	notifier, tg, err := notify.New(cfg.Telegram, cache.Offsets{C: c, Key: cache.KeyPollOffset}, logger)
	switch {
	case errors.Is(err, notify.ErrNotConfigured):
		logger.Warn().Msg("TELEGRAM_BOT_TOKEN not set, notifications go to the log (dry run)")
	case err != nil:
		return nil, err
	}
	a.tg = tg

	market := twelvedata.NewClient(cfg.MarketData)
	cfg.Breaker.Host = market.Host()

	metrics := opshttp.NewMetricsRegistry()
	var engine *scheduler.Engine
	hub := opshttp.NewHub(func() scheduler.Status { return engine.Status(time.Now()) }, logger)

	engine = scheduler.New(cfg.Engine, st, scheduler.Deps{
		Store:      store,
		Quota:      circuit.NewQuota(cfg.Breaker),
		Limits:     cfg.Limits,
		Lifecycle:  lifecycle.New(cfg.Lifecycle),
		Market:     market,
		Generator:  strategy.NewMeanReversion(cfg.Strategy, nil, cfg.Sizing, cfg.Limits, logger),
		Notifier:   notifier,
		Journal:    journal,
		Cache:      c,
		Publishers: []scheduler.Publisher{metrics, hub},
		Log:        logger,
	})
	a.engine = engine

	if cfg.HTTP.Enabled {
		health := opshttp.NewHealthHandler(engine, dbHealth, version, buildStamp)
		a.server = opshttp.NewServer(cfg.HTTP, engine, health, metrics, hub, logger)
	}
	return a, nil
}
