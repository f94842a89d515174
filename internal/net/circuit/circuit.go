package circuit

import (
	"fmt"
	"time"

	"github.com/sawpanic/signaldesk/internal/models"
	"github.com/sawpanic/signaldesk/internal/net/ratelimit"
)

// Config represents circuit breaker configuration
type Config struct {
	Host             string        `yaml:"-"`                 // Upstream host used for the per-minute bucket
	DailyBudget      int           `yaml:"daily_budget"`      // Calls the upstream grants per UTC day
	Reserve          int           `yaml:"reserve"`           // Calls held back for emergencies
	FailureThreshold int           `yaml:"failure_threshold"` // Consecutive failures to open circuit
	Cooldown         time.Duration `yaml:"cooldown"`          // Time to wait before transitioning to half-open
	PerMinute        int           `yaml:"per_minute"`        // Per-minute ceiling, 0 disables
}

// DefaultConfig mirrors the Twelve Data free tier.
func DefaultConfig() Config {
	return Config{
		Host:             "api.twelvedata.com",
		DailyBudget:      800,
		Reserve:          60,
		FailureThreshold: 5,
		Cooldown:         5 * time.Minute,
		PerMinute:        8,
	}
}

// Decision is the answer to a permit request. A denial is not an error.
type Decision struct {
	Allowed bool
	Reason  string
	// Transitions lists the state changes the check made, in order.
	Transitions []string
}

// Quota gates calls to the rate-limited upstream. It holds no persistent state of its
// own: every method operates on the caller's models.BreakerState so the control loop
// can persist each transition together with the rest of the trading state.
type Quota struct {
	config  Config
	limiter *ratelimit.Limiter
}

// NewQuota creates a breaker with the given configuration
func NewQuota(config Config) *Quota {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	return &Quota{config: config, limiter: ratelimit.PerMinute(config.PerMinute)}
}

// Config returns the active configuration.
func (q *Quota) Config() Config { return q.config }

// Permit decides whether one outbound call may proceed at now and, if so, counts it.
func (q *Quota) Permit(st *models.BreakerState, now time.Time) Decision {
	var d Decision
	if q.rollDay(st, now) {
		d.Transitions = append(d.Transitions, "daily reset")
	}

	switch st.State {
	case models.BreakerOpen:
		if st.OpenedAt != nil && now.Sub(*st.OpenedAt) < q.config.Cooldown {
			d.Reason = fmt.Sprintf("circuit open, retry after %s", st.OpenedAt.Add(q.config.Cooldown).Format(time.RFC3339))
			return d
		}
		st.State = models.BreakerHalfOpen
		st.TrialInFlight = false
		d.Transitions = append(d.Transitions, "open -> half-open")
	case models.BreakerHalfOpen:
		if st.TrialInFlight {
			d.Reason = "circuit half-open, trial call in flight"
			return d
		}
	}

	if st.CallsToday+st.Reserve >= st.DailyBudget {
		d.Reason = fmt.Sprintf("daily budget reached (%d/%d, reserve %d)", st.CallsToday, st.DailyBudget, st.Reserve)
		return d
	}

	if !q.limiter.Allow(q.config.Host, now) {
		d.Reason = fmt.Sprintf("per-minute limit reached (%d/min)", q.config.PerMinute)
		return d
	}

	st.CallsToday++
	if st.State == models.BreakerHalfOpen {
		st.TrialInFlight = true
	}
	d.Allowed = true
	return d
}

// Record updates the failure state with the outcome of a permitted call.
// It returns a description of the transition, or "" when the mode did not change.
func (q *Quota) Record(st *models.BreakerState, success bool, now time.Time) string {
	switch st.State {
	case models.BreakerHalfOpen:
		st.TrialInFlight = false
		if success {
			st.State = models.BreakerClosed
			st.ConsecutiveFailures = 0
			st.OpenedAt = nil
			return "half-open -> closed"
		}
		st.ConsecutiveFailures++
		q.open(st, now)
		return "half-open -> open"
	case models.BreakerOpen:
		// A late result for a call permitted before the circuit opened.
		if !success {
			st.ConsecutiveFailures++
		}
		return ""
	default:
		if success {
			st.ConsecutiveFailures = 0
			return ""
		}
		st.ConsecutiveFailures++
		if st.ConsecutiveFailures >= q.config.FailureThreshold {
			q.open(st, now)
			return "closed -> open"
		}
		return ""
	}
}

// Reset forces the breaker closed. Operator action; the daily counter is untouched.
func (q *Quota) Reset(st *models.BreakerState) {
	st.State = models.BreakerClosed
	st.ConsecutiveFailures = 0
	st.OpenedAt = nil
	st.TrialInFlight = false
	q.limiter.Reset()
}

// Status is a read-only view of the breaker.
type Status struct {
	State               models.BreakerMode `json:"state"`
	CallsToday          int                `json:"calls_today"`
	DailyBudget         int                `json:"daily_budget"`
	Reserve             int                `json:"reserve"`
	Remaining           int                `json:"remaining"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	NextReset           time.Time          `json:"next_reset"`
	RetryAt             *time.Time         `json:"retry_at,omitempty"`
}

// Status reports the breaker as seen at now without mutating it.
func (q *Quota) Status(st models.BreakerState, now time.Time) Status {
	calls := st.CallsToday
	if st.Day != now.UTC().Format(models.DayLayout) {
		calls = 0
	}
	remaining := st.DailyBudget - st.Reserve - calls
	if remaining < 0 {
		remaining = 0
	}
	s := Status{
		State:               st.State,
		CallsToday:          calls,
		DailyBudget:         st.DailyBudget,
		Reserve:             st.Reserve,
		Remaining:           remaining,
		ConsecutiveFailures: st.ConsecutiveFailures,
		NextReset:           nextMidnight(now),
	}
	if st.State == models.BreakerOpen && st.OpenedAt != nil {
		retry := st.OpenedAt.Add(q.config.Cooldown)
		s.RetryAt = &retry
	}
	return s
}

// IsHealthy returns true if the upstream is admitting calls normally.
func (s Status) IsHealthy() bool {
	return s.State == models.BreakerClosed && s.Remaining > 0
}

func (q *Quota) open(st *models.BreakerState, now time.Time) {
	opened := now.UTC()
	st.State = models.BreakerOpen
	st.OpenedAt = &opened
	st.TrialInFlight = false
}

// rollDay resets the daily counter at the first check of a new UTC day. Budget and
// reserve follow the configuration so an operator change applies from the next day.
func (q *Quota) rollDay(st *models.BreakerState, now time.Time) bool {
	day := now.UTC().Format(models.DayLayout)
	if st.Day == day {
		return false
	}
	st.Day = day
	st.CallsToday = 0
	if q.config.DailyBudget > 0 {
		st.DailyBudget = q.config.DailyBudget
		st.Reserve = q.config.Reserve
	}
	return true
}

func nextMidnight(now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
