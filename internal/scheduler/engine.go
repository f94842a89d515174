// Package scheduler runs the control loop: the single owner of the trading
// state. Market-data ticks and trader events are applied one at a time as
// transactions that are persisted before they become visible.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/signaldesk/internal/data/cache"
	"github.com/sawpanic/signaldesk/internal/events"
	"github.com/sawpanic/signaldesk/internal/gates"
	"github.com/sawpanic/signaldesk/internal/lifecycle"
	"github.com/sawpanic/signaldesk/internal/models"
	"github.com/sawpanic/signaldesk/internal/net/circuit"
	"github.com/sawpanic/signaldesk/internal/notify"
	"github.com/sawpanic/signaldesk/internal/persistence"
	"github.com/sawpanic/signaldesk/internal/persistence/state"
)

// MarketData supplies fully closed bars, oldest first.
type MarketData interface {
	ClosedBars(ctx context.Context, symbol, interval string, n int, now time.Time) ([]models.Bar, error)
}

// Generator proposes at most one trade from recent bars.
type Generator interface {
	Propose(bars []models.Bar, now time.Time) (*gates.Candidate, bool)
	Lookback() int
}

// Store persists the state. Any error is treated as fatal.
type Store interface {
	Save(st *models.PersistedState) error
}

// Journal receives committed lifecycle events for audit.
type Journal interface {
	AppendBatch(ctx context.Context, entries []persistence.JournalEntry) error
}

// Update is what a Publisher sees after each transaction.
type Update struct {
	Entries []persistence.JournalEntry
	Status  Status
	SaveErr error
}

// Publisher observes committed transitions. Publish must not block.
type Publisher interface {
	Publish(u Update)
}

// Config holds loop cadence and instrument settings.
type Config struct {
	Symbol       string        `yaml:"symbol"`
	Interval     string        `yaml:"interval"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Heartbeat    time.Duration `yaml:"heartbeat"`
	StatusTTL    time.Duration `yaml:"status_ttl"`
	Window       Window        `yaml:"window"`
}

// DefaultConfig polls EUR/USD 15 minute bars every 15 minutes.
func DefaultConfig() Config {
	return Config{
		Symbol:       "EUR/USD",
		Interval:     "15min",
		PollInterval: 15 * time.Minute,
		Heartbeat:    30 * time.Minute,
		StatusTTL:    time.Hour,
		Window:       DefaultWindow(),
	}
}

// Deps are the engine's collaborators. Journal, Cache and Publishers are optional.
type Deps struct {
	Store      Store
	Quota      *circuit.Quota
	Limits     gates.Limits
	Lifecycle  *lifecycle.Manager
	Market     MarketData
	Generator  Generator
	Notifier   notify.Notifier
	Journal    Journal
	Cache      cache.Cache
	Publishers []Publisher
	Clock      func() time.Time
	Log        zerolog.Logger
}

// Engine owns the persisted state. Tick and Handle are called from the control
// loop goroutine only; Status and Signals may be called from anywhere.
type Engine struct {
	cfg   Config
	d     Deps
	log   zerolog.Logger
	inbox chan events.Event

	mu       sync.Mutex
	state    *models.PersistedState
	fatal    error
	lastBar  *models.Bar
	degraded bool
	lastErr  string

	// control loop only
	inWindow      bool
	lastHeartbeat time.Time
}

// New takes ownership of st, which must have been loaded or initialized by the store.
func New(cfg Config, st *models.PersistedState, d Deps) *Engine {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Lifecycle == nil {
		d.Lifecycle = lifecycle.New(lifecycle.DefaultConfig())
	}
	if d.Quota == nil {
		d.Quota = circuit.NewQuota(circuit.DefaultConfig())
	}
	if d.Notifier == nil {
		d.Notifier = notify.LogNotifier{Log: d.Log}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	// No call survives a restart, so a recorded trial cannot still be in flight.
	st.Breaker.TrialInFlight = false
	return &Engine{
		cfg:   cfg,
		d:     d,
		log:   d.Log.With().Str("component", "engine").Logger(),
		inbox: make(chan events.Event, 16),
		state: st,
	}
}

// Inbox is where transports deliver parsed trader events.
func (e *Engine) Inbox() chan<- events.Event { return e.inbox }

// Run is the control loop. It returns nil on cancellation and the error when
// the state can no longer be persisted.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.log.Info().
		Str("symbol", e.cfg.Symbol).
		Str("interval", e.cfg.Interval).
		Dur("poll", e.cfg.PollInterval).
		Msg("control loop started")

	if err := e.Tick(ctx, e.d.Clock()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("control loop stopped")
			return nil
		case <-ticker.C:
			if err := e.Tick(ctx, e.d.Clock()); err != nil {
				return err
			}
		case ev := <-e.inbox:
			if err := e.Handle(ctx, ev, e.d.Clock()); err != nil {
				return err
			}
		}
	}
}

// Tick runs one polling cycle at now.
func (e *Engine) Tick(ctx context.Context, now time.Time) error {
	rec, err := e.txn(now, nil)
	e.after(ctx, rec, err)
	if err != nil {
		return err
	}

	inWindow := e.cfg.Window.Contains(now)
	e.windowChange(ctx, now, inWindow)
	if !inWindow {
		e.log.Debug().Dur("opens_in", e.cfg.Window.Until(now).Round(time.Minute)).Msg("outside trading window")
		return nil
	}

	var decision circuit.Decision
	rec, err = e.txn(now, func(st *models.PersistedState, rec *recorder) error {
		decision = e.d.Quota.Permit(&st.Breaker, now)
		for _, t := range decision.Transitions {
			rec.record(persistence.KindBreakerTransition, nil, map[string]interface{}{"transition": t})
		}
		return nil
	})
	e.after(ctx, rec, err)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		e.log.Warn().Str("reason", decision.Reason).Msg("market data call denied, skipping cycle")
		e.heartbeat(ctx, now)
		return nil
	}

	bars, fetchErr := e.d.Market.ClosedBars(ctx, e.cfg.Symbol, e.cfg.Interval, e.lookback(), now)
	if fetchErr != nil && ctx.Err() != nil {
		return nil
	}
	if fetchErr == nil && len(bars) == 0 {
		fetchErr = errors.New("no closed bars returned")
	}

	rec, err = e.txn(now, func(st *models.PersistedState, rec *recorder) error {
		if t := e.d.Quota.Record(&st.Breaker, fetchErr == nil, now); t != "" {
			rec.record(persistence.KindBreakerTransition, nil, map[string]interface{}{"transition": t})
			rec.notify(notify.Message{Text: fmt.Sprintf("Market data circuit %s", t)})
		}
		if fetchErr == nil {
			e.process(st, rec, bars, now)
		}
		return nil
	})
	if fetchErr != nil {
		e.log.Warn().Err(fetchErr).Msg("market data fetch failed, retrying next cycle")
	}
	if err == nil {
		e.mu.Lock()
		if fetchErr != nil {
			e.degraded, e.lastErr = true, fetchErr.Error()
		} else {
			last := bars[len(bars)-1]
			e.degraded, e.lastErr, e.lastBar = false, "", &last
		}
		e.mu.Unlock()
	}
	e.after(ctx, rec, err)
	if err != nil {
		return err
	}

	e.heartbeat(ctx, now)
	return nil
}

// process evaluates open positions and the generator against fresh bars. Runs
// inside a transaction. Every fetched bar is checked oldest first, so a level
// crossed during a skipped cycle is still seen; a closed position is not
// evaluated again and bars before the fill are ignored.
func (e *Engine) process(st *models.PersistedState, rec *recorder, bars []models.Bar, now time.Time) {
	last := bars[len(bars)-1]
	repeat := e.lastBar != nil && e.lastBar.Timestamp.Equal(last.Timestamp)

	for _, b := range bars {
		for _, c := range e.d.Lifecycle.Evaluate(st, b, now) {
			rec.record(persistence.KindPositionClosed, &c.Signal, closureDetail(c))
			rec.notify(notify.Message{Text: closureMessage(c)})
			e.log.Info().Int64("signal_id", c.Signal.ID).Str("reason", string(c.Reason)).Float64("pnl", c.PnL).Msg("position closed")
		}
	}

	if repeat || e.d.Generator == nil {
		return
	}
	cand, ok := e.d.Generator.Propose(bars, now)
	if !ok {
		return
	}

	res := gates.Evaluate(*cand, st.Daily, e.d.Limits)
	if !res.Admitted {
		rec.record(persistence.KindRiskRejected, nil, map[string]interface{}{
			"reason":    string(res.Reason),
			"detail":    res.Detail,
			"direction": string(cand.Direction),
			"entry":     cand.Entry,
			"risk":      cand.RiskAmount,
		})
		rec.notify(notify.Message{Text: fmt.Sprintf("Signal rejected: %s (%s)", res.Reason, res.Detail)})
		e.log.Warn().Str("reason", string(res.Reason)).Str("detail", res.Detail).Msg("candidate rejected by risk gate")
		return
	}

	sig := e.d.Lifecycle.Create(st, *cand, now)
	rec.record(persistence.KindSignalCreated, &sig, map[string]interface{}{
		"direction":   string(sig.Direction),
		"entry":       sig.Entry,
		"stop_loss":   sig.StopLoss,
		"take_profit": sig.TakeProfit,
		"lots":        sig.Lots,
		"confidence":  sig.Confidence,
	})
	rec.notify(notify.Message{
		Text:    signalMessage(sig, e.d.Lifecycle.Deadline(sig)),
		Buttons: notify.DecisionButtons(sig.ID),
	})
	e.log.Info().Int64("signal_id", sig.ID).Str("direction", string(sig.Direction)).Float64("entry", sig.Entry).Msg("signal created")
}

// Handle applies one trader event and replies. Only a persistence failure is returned.
func (e *Engine) Handle(ctx context.Context, ev events.Event, now time.Time) error {
	var (
		reply string
		rec   *recorder
		err   error
	)

	switch ev := ev.(type) {
	case events.ChoicePressed:
		rec, err = e.txn(now, func(st *models.PersistedState, rec *recorder) error {
			ack, err := e.d.Lifecycle.Decide(st, ev.SignalID, ev.Choice, now)
			if err != nil {
				return err
			}
			if ev.Choice == models.ChoiceRejected {
				rec.record(persistence.KindSignalDecided, &ack.Signal, map[string]interface{}{"choice": string(ev.Choice)})
			}
			reply = ack.Message
			return nil
		})
	case events.Exec:
		rec, err = e.txn(now, func(st *models.PersistedState, rec *recorder) error {
			if _, err := e.d.Lifecycle.Execute(st, ev.SignalID, ev.Price, ev.Lots, now); err != nil {
				return err
			}
			sig, _ := st.Signal(ev.SignalID)
			rec.record(persistence.KindSignalExecuted, sig, map[string]interface{}{"fill_price": ev.Price, "lots": ev.Lots})
			reply = executedMessage(*sig)
			return nil
		})
	case events.Close:
		rec, err = e.txn(now, func(st *models.PersistedState, rec *recorder) error {
			c, err := e.d.Lifecycle.Close(st, ev.SignalID, ev.Price, now)
			if err != nil {
				return err
			}
			rec.record(persistence.KindPositionClosed, &c.Signal, closureDetail(c))
			reply = closureMessage(c)
			return nil
		})
	case events.Query:
		rec, err = e.txn(now, nil)
		if err == nil {
			reply = e.query(ev.Kind, now)
		}
	case events.Malformed:
		rec, err = e.txn(now, nil)
		reply = fmt.Sprintf("Could not understand %q: %s\n\n%s", ev.Raw, ev.Reason, events.Usage)
	default:
		reply = events.Usage
	}

	var fatal *state.FatalError
	var inv *lifecycle.InvariantError
	switch {
	case err == nil:
	case errors.As(err, &fatal):
		e.after(ctx, rec, err)
		return err
	case lifecycle.IsUserError(err):
		e.log.Info().Err(err).Msg("command refused")
		reply = "Refused: " + err.Error()
	case errors.As(err, &inv):
		e.log.Error().Int64("signal_id", inv.SignalID).Str("rule", inv.Rule).Str("detail", inv.Detail).Msg("invariant violation")
		reply = fmt.Sprintf("Signal #%d: command refused, internal consistency check failed", inv.SignalID)
	default:
		e.log.Error().Err(err).Msg("command failed")
		reply = "Command failed: " + err.Error()
	}

	if rec == nil {
		rec = &recorder{now: now}
	}
	if reply != "" {
		rec.notify(notify.Message{Text: reply})
	}
	e.after(ctx, rec, nil)
	return nil
}

// Reset closes the market-data breaker. Operator action.
func (e *Engine) Reset(ctx context.Context, now time.Time) error {
	rec, err := e.txn(now, func(st *models.PersistedState, rec *recorder) error {
		e.d.Quota.Reset(&st.Breaker)
		rec.record(persistence.KindBreakerTransition, nil, map[string]interface{}{"transition": "reset -> closed"})
		return nil
	})
	e.after(ctx, rec, err)
	return err
}

// txn applies fn to a copy of the state and swaps the copy in only after it is
// saved. Day rollover and expiry run first; when fn fails the state keeps only
// their effect.
func (e *Engine) txn(now time.Time, fn func(st *models.PersistedState, rec *recorder) error) (*recorder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec := &recorder{now: now}
	if e.fatal != nil {
		return rec, e.fatal
	}

	house := e.state.Clone()
	if e.housekeep(house, rec, now) {
		if err := e.commit(house); err != nil {
			return rec, err
		}
	}
	if fn == nil {
		return rec, nil
	}

	work := e.state.Clone()
	mark, outMark := len(rec.entries), len(rec.outbox)
	if err := fn(work, rec); err != nil {
		rec.entries, rec.outbox = rec.entries[:mark], rec.outbox[:outMark]
		return rec, err
	}
	if err := e.commit(work); err != nil {
		return rec, err
	}
	return rec, nil
}

func (e *Engine) commit(st *models.PersistedState) error {
	if err := e.d.Store.Save(st); err != nil {
		var fatal *state.FatalError
		if !errors.As(err, &fatal) {
			err = &state.FatalError{Op: "save", Err: err}
		}
		e.fatal = err
		e.log.Error().Err(err).Msg("state save failed, stopping")
		return err
	}
	e.state = st
	return nil
}

func (e *Engine) housekeep(st *models.PersistedState, rec *recorder, now time.Time) bool {
	rolled := e.d.Lifecycle.RollDay(st, now)
	if rolled {
		e.log.Info().Str("day", st.Daily.Day).Int("open_positions", st.Daily.OpenPositions).Msg("daily counters reset")
	}
	expired := e.d.Lifecycle.Expire(st, now)
	for _, id := range expired {
		sig, _ := st.Signal(id)
		rec.record(persistence.KindSignalExpired, sig, nil)
		rec.notify(notify.Message{Text: fmt.Sprintf("Signal #%d expired without a decision", id)})
		e.log.Info().Int64("signal_id", id).Msg("signal expired")
	}
	return rolled || len(expired) > 0
}

// after delivers the side effects of a transaction outside the lock.
func (e *Engine) after(ctx context.Context, rec *recorder, saveErr error) {
	if rec == nil {
		rec = &recorder{now: e.d.Clock()}
	}
	if saveErr != nil {
		rec.notify(notify.Message{Text: "State could not be saved. The assistant has stopped; operator action required."})
	}
	for _, msg := range rec.outbox {
		if err := e.d.Notifier.Notify(ctx, msg); err != nil {
			e.log.Warn().Err(err).Msg("notification failed")
		}
	}
	if e.d.Journal != nil && len(rec.entries) > 0 {
		jctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := e.d.Journal.AppendBatch(jctx, rec.entries); err != nil {
			e.log.Warn().Err(err).Int("entries", len(rec.entries)).Msg("journal write failed")
		}
		cancel()
	}

	st := e.Status(rec.now)
	for _, p := range e.d.Publishers {
		p.Publish(Update{Entries: rec.entries, Status: st, SaveErr: saveErr})
	}
	if e.d.Cache != nil {
		if b, err := json.Marshal(st); err == nil {
			if err := e.d.Cache.Set(ctx, cache.KeyStatus, b, e.cfg.StatusTTL); err != nil {
				e.log.Debug().Err(err).Msg("status cache write failed")
			}
		}
	}
}

func (e *Engine) windowChange(ctx context.Context, now time.Time, inWindow bool) {
	if inWindow == e.inWindow {
		return
	}
	e.inWindow = inWindow
	var text string
	if inWindow {
		text = fmt.Sprintf("Trading window open until %s UTC", e.cfg.Window.Close(now).Format("15:04"))
	} else {
		text = summaryMessage(e.Status(now))
	}
	if err := e.d.Notifier.Notify(ctx, notify.Message{Text: text}); err != nil {
		e.log.Warn().Err(err).Msg("notification failed")
	}
}

func (e *Engine) heartbeat(ctx context.Context, now time.Time) {
	if e.cfg.Heartbeat <= 0 || (!e.lastHeartbeat.IsZero() && now.Sub(e.lastHeartbeat) < e.cfg.Heartbeat) {
		return
	}
	if err := e.d.Notifier.Notify(ctx, notify.Message{Text: heartbeatMessage(e.Status(now))}); err != nil {
		e.log.Warn().Err(err).Msg("heartbeat failed")
		return
	}
	e.lastHeartbeat = now
}

func (e *Engine) lookback() int {
	if e.d.Generator == nil {
		return 1
	}
	if n := e.d.Generator.Lookback(); n > 0 {
		return n
	}
	return 1
}

// Fatal returns the persistence error that stopped the engine, if any.
func (e *Engine) Fatal() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatal
}

// OpenPosition is an open position with its floating P&L at the last close.
type OpenPosition struct {
	Signal   models.Signal `json:"signal"`
	Floating float64       `json:"floating_pnl"`
}

// Status is a consistent snapshot for heartbeats, queries and the ops surface.
type Status struct {
	Time            time.Time                   `json:"time"`
	Symbol          string                      `json:"symbol"`
	TradingOpen     bool                        `json:"trading_open"`
	Degraded        bool                        `json:"degraded"`
	LastError       string                      `json:"last_error,omitempty"`
	Stopped         bool                        `json:"stopped"`
	LastBar         *models.Bar                 `json:"last_bar,omitempty"`
	Breaker         circuit.Status              `json:"breaker"`
	Daily           models.DailyRisk            `json:"daily"`
	Stats           models.Stats                `json:"stats"`
	Balance         float64                     `json:"balance"`
	Floating        float64                     `json:"floating_pnl"`
	LossAllowance   float64                     `json:"daily_loss_allowance"`
	Pending         []models.Signal             `json:"pending"`
	Open            []OpenPosition              `json:"open"`
	SignalsByStatus map[models.SignalStatus]int `json:"signals_by_status"`
}

// Status reports the engine as of now.
func (e *Engine) Status(now time.Time) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked(now)
}

func (e *Engine) statusLocked(now time.Time) Status {
	st := e.state
	s := Status{
		Time:            now.UTC(),
		Symbol:          e.cfg.Symbol,
		TradingOpen:     e.cfg.Window.Contains(now),
		Degraded:        e.degraded,
		LastError:       e.lastErr,
		Stopped:         e.fatal != nil,
		Breaker:         e.d.Quota.Status(st.Breaker, now),
		Daily:           st.Daily,
		Stats:           st.Stats,
		Pending:         st.Pending(),
		Open:            []OpenPosition{},
		SignalsByStatus: map[models.SignalStatus]int{},
	}
	if s.Pending == nil {
		s.Pending = []models.Signal{}
	}
	if e.lastBar != nil {
		bar := *e.lastBar
		s.LastBar = &bar
	}
	for _, sig := range st.Signals {
		s.SignalsByStatus[sig.Status]++
	}
	for _, pos := range st.OpenPositions() {
		sig, ok := st.Signal(pos.SignalID)
		if !ok {
			continue
		}
		op := OpenPosition{Signal: *sig}
		if s.LastBar != nil && sig.Execution != nil {
			op.Floating = lifecycle.PnL(sig.Direction, sig.Execution.FillPrice, s.LastBar.Close, sig.Execution.Lots, lifecycle.StandardLot)
		}
		s.Open = append(s.Open, op)
	}
	if s.LastBar != nil {
		s.Floating = e.d.Lifecycle.Floating(st, e.cfg.Symbol, s.LastBar.Close)
	}
	s.Balance = e.d.Limits.Capital + st.Stats.TotalPnL
	s.LossAllowance = e.d.Limits.MaxDailyLoss() + st.Daily.RealizedPnL
	if s.LossAllowance < 0 {
		s.LossAllowance = 0
	}
	return s
}

// Signals returns up to limit signals, newest first.
func (e *Engine) Signals(limit int) []models.Signal {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Signal, len(e.state.Signals))
	copy(out, e.state.Signals)
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (e *Engine) query(kind events.QueryKind, now time.Time) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.statusLocked(now)
	switch kind {
	case events.QueryStatus:
		return statusMessage(s)
	case events.QueryTrades:
		return tradesMessage(e.state, 10)
	case events.QueryBalance:
		return balanceMessage(s)
	default:
		return events.Usage
	}
}

type recorder struct {
	now     time.Time
	entries []persistence.JournalEntry
	outbox  []notify.Message
}

func (r *recorder) record(kind persistence.EventKind, sig *models.Signal, detail map[string]interface{}) {
	entry := persistence.JournalEntry{Timestamp: r.now.UTC(), Kind: kind, Detail: detail}
	if sig != nil {
		id := sig.ID
		entry.SignalID = &id
		entry.Symbol = sig.Symbol
	}
	r.entries = append(r.entries, entry)
}

func (r *recorder) notify(msg notify.Message) {
	r.outbox = append(r.outbox, msg)
}

func closureDetail(c lifecycle.Closure) map[string]interface{} {
	return map[string]interface{}{
		"reason":     string(c.Reason),
		"exit_price": c.ExitPrice,
		"pnl":        c.PnL,
	}
}
