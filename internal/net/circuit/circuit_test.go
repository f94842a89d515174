package circuit

import (
	"testing"
	"time"

	"github.com/sawpanic/signaldesk/internal/models"
)

var t0 = time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		Host:             "test",
		DailyBudget:      800,
		Reserve:          60,
		FailureThreshold: 3,
		Cooldown:         5 * time.Minute,
	}
}

func freshState() *models.BreakerState {
	return &models.NewState(t0, 800, 60).Breaker
}

func TestQuotaClosed(t *testing.T) {
	q := NewQuota(testConfig())
	st := freshState()

	d := q.Permit(st, t0)
	if !d.Allowed {
		t.Fatalf("Expected permit in closed state, got %q", d.Reason)
	}
	if st.CallsToday != 1 {
		t.Errorf("Expected 1 call counted, got %d", st.CallsToday)
	}
}

func TestQuotaBudgetReserve(t *testing.T) {
	q := NewQuota(testConfig())
	st := freshState()
	st.CallsToday = 739

	if d := q.Permit(st, t0); !d.Allowed {
		t.Fatalf("Expected call 740 to be permitted, got %q", d.Reason)
	}
	// 740 + 60 >= 800
	if d := q.Permit(st, t0); d.Allowed {
		t.Errorf("Expected denial once calls+reserve reaches budget")
	}
	if st.CallsToday != 740 {
		t.Errorf("Denied permit must not count, got %d", st.CallsToday)
	}
}

func TestQuotaNeverExceedsBudget(t *testing.T) {
	q := NewQuota(testConfig())
	st := freshState()

	permitted := 0
	for i := 0; i < 1000; i++ {
		if q.Permit(st, t0.Add(time.Duration(i)*time.Second)).Allowed {
			permitted++
			q.Record(st, true, t0)
		}
		if st.CallsToday+st.Reserve > st.DailyBudget {
			t.Fatalf("Budget exceeded after %d permits", permitted)
		}
	}
	if permitted != 740 {
		t.Errorf("Expected 740 permits, got %d", permitted)
	}
}

func TestQuotaDailyReset(t *testing.T) {
	q := NewQuota(testConfig())
	st := freshState()
	st.CallsToday = 740

	if q.Permit(st, t0).Allowed {
		t.Fatalf("Expected exhausted budget to deny")
	}

	next := t0.Add(15 * time.Hour) // 00:00 UTC next day
	d := q.Permit(st, next)
	if !d.Allowed {
		t.Fatalf("Expected permit after UTC rollover, got %q", d.Reason)
	}
	if len(d.Transitions) != 1 || d.Transitions[0] != "daily reset" {
		t.Errorf("Expected daily reset transition, got %q", d.Transitions)
	}
	if st.Day != "2025-01-07" || st.CallsToday != 1 {
		t.Errorf("Expected fresh counter for 2025-01-07, got %s/%d", st.Day, st.CallsToday)
	}
}

func TestQuotaDailyResetAndHalfOpenInOneCheck(t *testing.T) {
	q := NewQuota(testConfig())
	st := freshState()
	opened := t0
	st.State = models.BreakerOpen
	st.OpenedAt = &opened
	st.CallsToday = 200

	d := q.Permit(st, t0.Add(15*time.Hour))
	if !d.Allowed {
		t.Fatalf("Expected trial permit on the new day, got %q", d.Reason)
	}
	want := []string{"daily reset", "open -> half-open"}
	if len(d.Transitions) != len(want) || d.Transitions[0] != want[0] || d.Transitions[1] != want[1] {
		t.Errorf("Expected transitions %q, got %q", want, d.Transitions)
	}
}

func TestQuotaOpensAfterThreshold(t *testing.T) {
	q := NewQuota(testConfig())
	st := freshState()

	for i := 0; i < 3; i++ {
		if !q.Permit(st, t0).Allowed {
			t.Fatalf("Expected permit %d", i)
		}
		q.Record(st, false, t0)
	}

	if st.State != models.BreakerOpen {
		t.Fatalf("Expected open after 3 failures, got %s", st.State)
	}
	if st.OpenedAt == nil || !st.OpenedAt.Equal(t0) {
		t.Errorf("Expected opened_at %s, got %v", t0, st.OpenedAt)
	}
	if q.Permit(st, t0.Add(4*time.Minute)).Allowed {
		t.Errorf("Expected denial during cooldown")
	}
}

func TestQuotaSuccessResetsFailures(t *testing.T) {
	q := NewQuota(testConfig())
	st := freshState()

	q.Permit(st, t0)
	q.Record(st, false, t0)
	q.Permit(st, t0)
	q.Record(st, false, t0)
	q.Permit(st, t0)
	q.Record(st, true, t0)

	if st.ConsecutiveFailures != 0 || st.State != models.BreakerClosed {
		t.Errorf("Expected closed with no failures, got %s/%d", st.State, st.ConsecutiveFailures)
	}
}

func TestQuotaHalfOpen(t *testing.T) {
	q := NewQuota(testConfig())
	st := freshState()
	opened := t0
	st.State = models.BreakerOpen
	st.OpenedAt = &opened
	st.ConsecutiveFailures = 3

	after := t0.Add(5 * time.Minute)
	d := q.Permit(st, after)
	if !d.Allowed {
		t.Fatalf("Expected trial permit after cooldown, got %q", d.Reason)
	}
	if st.State != models.BreakerHalfOpen || !st.TrialInFlight {
		t.Fatalf("Expected half-open with trial in flight, got %s/%v", st.State, st.TrialInFlight)
	}
	if q.Permit(st, after).Allowed {
		t.Errorf("Expected only one trial call in half-open")
	}

	if tr := q.Record(st, true, after); tr != "half-open -> closed" {
		t.Errorf("Unexpected transition %q", tr)
	}
	if st.State != models.BreakerClosed || st.ConsecutiveFailures != 0 || st.OpenedAt != nil {
		t.Errorf("Expected clean closed state, got %+v", st)
	}
}

func TestQuotaHalfOpenFailureReopens(t *testing.T) {
	q := NewQuota(testConfig())
	st := freshState()
	opened := t0
	st.State = models.BreakerOpen
	st.OpenedAt = &opened

	trial := t0.Add(6 * time.Minute)
	if !q.Permit(st, trial).Allowed {
		t.Fatalf("Expected trial permit")
	}
	q.Record(st, false, trial)

	if st.State != models.BreakerOpen {
		t.Fatalf("Expected open after failed trial, got %s", st.State)
	}
	if !st.OpenedAt.Equal(trial) {
		t.Errorf("Expected cooldown restarted at %s, got %s", trial, st.OpenedAt)
	}
	if q.Permit(st, trial.Add(time.Minute)).Allowed {
		t.Errorf("Expected denial in restarted cooldown")
	}
}

func TestQuotaPerMinute(t *testing.T) {
	cfg := testConfig()
	cfg.PerMinute = 8
	q := NewQuota(cfg)
	st := freshState()

	for i := 0; i < 8; i++ {
		if !q.Permit(st, t0).Allowed {
			t.Fatalf("Expected permit %d within the minute", i)
		}
	}
	if q.Permit(st, t0).Allowed {
		t.Errorf("Expected ninth call in the same instant to be denied")
	}
	if st.CallsToday != 8 {
		t.Errorf("Expected 8 counted calls, got %d", st.CallsToday)
	}
}

func TestQuotaReset(t *testing.T) {
	q := NewQuota(testConfig())
	st := freshState()
	opened := t0
	st.State = models.BreakerOpen
	st.OpenedAt = &opened
	st.ConsecutiveFailures = 5
	st.CallsToday = 100

	q.Reset(st)

	if st.State != models.BreakerClosed || st.ConsecutiveFailures != 0 {
		t.Errorf("Expected closed after reset, got %s/%d", st.State, st.ConsecutiveFailures)
	}
	if st.CallsToday != 100 {
		t.Errorf("Reset must keep the daily counter, got %d", st.CallsToday)
	}
}

func TestQuotaStatus(t *testing.T) {
	q := NewQuota(testConfig())
	st := freshState()
	st.CallsToday = 40
	opened := t0
	st.State = models.BreakerOpen
	st.OpenedAt = &opened

	s := q.Status(*st, t0.Add(time.Minute))
	if s.Remaining != 700 {
		t.Errorf("Expected 700 remaining, got %d", s.Remaining)
	}
	if s.RetryAt == nil || !s.RetryAt.Equal(t0.Add(5*time.Minute)) {
		t.Errorf("Unexpected retry_at %v", s.RetryAt)
	}
	if !s.NextReset.Equal(time.Date(2025, 1, 7, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected next reset %s", s.NextReset)
	}
	if s.IsHealthy() {
		t.Errorf("Open breaker must not report healthy")
	}

	tomorrow := q.Status(*st, t0.Add(24*time.Hour))
	if tomorrow.CallsToday != 0 {
		t.Errorf("Expected stale day to read as zero calls, got %d", tomorrow.CallsToday)
	}
}
