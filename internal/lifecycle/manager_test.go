package lifecycle

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/signaldesk/internal/gates"
	"github.com/sawpanic/signaldesk/internal/models"
)

var t0 = time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)

func longCandidate() gates.Candidate {
	return gates.Candidate{
		Symbol: "EUR/USD", Direction: models.Long,
		Entry: 1.0845, StopLoss: 1.0825, TakeProfit: 1.0885,
		Lots: 0.05, Confidence: 0.7, RiskAmount: 10, RiskReward: 2,
	}
}

func stateWithSignal7(t *testing.T) (*Manager, *models.PersistedState) {
	t.Helper()
	m := New(DefaultConfig())
	st := models.NewState(t0, 800, 60)
	st.NextSignalID = 7
	sig := m.Create(st, longCandidate(), t0)
	require.Equal(t, int64(7), sig.ID)
	require.Equal(t, models.StatusPending, sig.Status)
	return m, st
}

func TestSignal7StopLossScenario(t *testing.T) {
	m, st := stateWithSignal7(t)

	pos, err := m.Execute(st, 7, 1.08450, 0.05, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.PositionOpen, pos.Status)
	assert.Equal(t, 1, st.Daily.TradesToday)
	assert.Equal(t, 1, st.Daily.OpenPositions)

	sig, _ := st.Signal(7)
	require.NotNil(t, sig.Execution)
	assert.Equal(t, models.StatusExecuted, sig.Status)

	bar := models.Bar{Symbol: "EUR/USD", Open: 1.0840, High: 1.0843, Low: 1.08200, Close: 1.0822, Timestamp: t0.Add(15 * time.Minute)}
	closures := m.Evaluate(st, bar, t0.Add(30*time.Minute))
	require.Len(t, closures, 1)
	assert.Equal(t, models.CloseStopLoss, closures[0].Reason)
	assert.Equal(t, 1.08250, closures[0].ExitPrice)
	assert.Equal(t, -10.0, closures[0].PnL)

	assert.Equal(t, models.PositionClosed, st.Positions[7].Status)
	assert.Equal(t, -10.0, st.Daily.RealizedPnL)
	assert.Equal(t, 0, st.Daily.OpenPositions)
	assert.Equal(t, 1, st.Daily.TradesToday)
	assert.Equal(t, models.Stats{ClosedTrades: 1, Losses: 1, TotalPnL: -10}, st.Stats)
}

func TestStopCheckedBeforeTarget(t *testing.T) {
	m, st := stateWithSignal7(t)
	_, err := m.Execute(st, 7, 1.0845, 0.05, t0)
	require.NoError(t, err)

	wide := models.Bar{Symbol: "EUR/USD", High: 1.0900, Low: 1.0800, Timestamp: t0.Add(15 * time.Minute)}
	closures := m.Evaluate(st, wide, t0.Add(time.Hour))
	require.Len(t, closures, 1)
	assert.Equal(t, models.CloseStopLoss, closures[0].Reason)
}

func TestTakeProfitShort(t *testing.T) {
	m := New(DefaultConfig())
	st := models.NewState(t0, 800, 60)
	c := gates.Candidate{Symbol: "EUR/USD", Direction: models.Short, Entry: 1.0845, StopLoss: 1.0865, TakeProfit: 1.0805, Lots: 0.1, RiskReward: 2}
	sig := m.Create(st, c, t0)
	_, err := m.Execute(st, sig.ID, 1.0845, 0.1, t0)
	require.NoError(t, err)

	none := m.Evaluate(st, models.Bar{Symbol: "EUR/USD", High: 1.0850, Low: 1.0820, Timestamp: t0.Add(15 * time.Minute)}, t0)
	assert.Empty(t, none)

	closures := m.Evaluate(st, models.Bar{Symbol: "EUR/USD", High: 1.0850, Low: 1.0800, Timestamp: t0.Add(30 * time.Minute)}, t0)
	require.Len(t, closures, 1)
	assert.Equal(t, models.CloseTakeProfit, closures[0].Reason)
	assert.Equal(t, 40.0, closures[0].PnL)
	assert.Equal(t, 1, st.Stats.Wins)
}

func TestEvaluateIgnoresOtherSymbols(t *testing.T) {
	m, st := stateWithSignal7(t)
	_, err := m.Execute(st, 7, 1.0845, 0.05, t0)
	require.NoError(t, err)

	assert.Empty(t, m.Evaluate(st, models.Bar{Symbol: "GBP/USD", High: 2, Low: 0.5, Timestamp: t0.Add(15 * time.Minute)}, t0))
	assert.Equal(t, models.PositionOpen, st.Positions[7].Status)
}

func TestEvaluateIgnoresBarsClosedBeforeFill(t *testing.T) {
	m, st := stateWithSignal7(t)
	_, err := m.Execute(st, 7, 1.0845, 0.05, t0.Add(20*time.Minute))
	require.NoError(t, err)

	stale := models.Bar{Symbol: "EUR/USD", High: 1.0850, Low: 1.0810, Timestamp: t0.Add(15 * time.Minute)}
	assert.Empty(t, m.Evaluate(st, stale, t0.Add(21*time.Minute)))
	assert.Equal(t, 1, st.Daily.OpenPositions)
}

func TestCloseNeverExecuted(t *testing.T) {
	m, st := stateWithSignal7(t)
	before := st.Clone()

	_, err := m.Close(st, 7, 1.0850, t0.Add(time.Minute))
	assert.ErrorIs(t, err, ErrStateMismatch)
	assert.True(t, IsUserError(err))
	assert.Equal(t, before, st)

	_, err = m.Close(st, 99, 1.0850, t0)
	assert.ErrorIs(t, err, ErrUnknownSignal)
}

func TestManualClose(t *testing.T) {
	m, st := stateWithSignal7(t)
	_, err := m.Execute(st, 7, 1.0845, 0.05, t0)
	require.NoError(t, err)

	c, err := m.Close(st, 7, 1.0865, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, models.CloseManual, c.Reason)
	assert.Equal(t, 10.0, c.PnL)

	_, err = m.Close(st, 7, 1.0865, t0.Add(time.Hour))
	assert.ErrorIs(t, err, ErrStateMismatch, "already closed")
}

func TestDecide(t *testing.T) {
	m, st := stateWithSignal7(t)

	ack, err := m.Decide(st, 7, models.ChoiceExecuted, t0)
	require.NoError(t, err)
	assert.Contains(t, ack.Message, "EXEC 7")
	sig, _ := st.Signal(7)
	assert.Equal(t, models.StatusPending, sig.Status)

	_, err = m.Decide(st, 7, models.ChoicePending, t0)
	require.NoError(t, err)

	_, err = m.Decide(st, 7, models.ChoiceRejected, t0.Add(time.Minute))
	require.NoError(t, err)
	sig, _ = st.Signal(7)
	assert.Equal(t, models.StatusRejected, sig.Status)
	assert.Equal(t, 0, st.Daily.TradesToday)
	assert.Empty(t, st.Positions)

	_, err = m.Execute(st, 7, 1.0845, 0.05, t0.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrStateMismatch)
}

func TestExpiry(t *testing.T) {
	m, st := stateWithSignal7(t)

	assert.Empty(t, m.Expire(st, t0.Add(29*time.Minute)))

	late := t0.Add(31 * time.Minute)
	_, err := m.Execute(st, 7, 1.0845, 0.05, late)
	assert.ErrorIs(t, err, ErrSignalExpired)
	sig, _ := st.Signal(7)
	assert.Equal(t, models.StatusPending, sig.Status, "user errors leave state unchanged")

	assert.Equal(t, []int64{7}, m.Expire(st, late))
	sig, _ = st.Signal(7)
	assert.Equal(t, models.StatusExpired, sig.Status)

	_, err = m.Execute(st, 7, 1.0845, 0.05, late)
	assert.ErrorIs(t, err, ErrSignalExpired)
	assert.Equal(t, 0, st.Daily.TradesToday)
}

func TestExecuteInvalidFill(t *testing.T) {
	m, st := stateWithSignal7(t)
	_, err := m.Execute(st, 7, 0, 0.05, t0)
	assert.ErrorIs(t, err, ErrInvalidFill)
	_, err = m.Execute(st, 7, 1.08, -1, t0)
	assert.ErrorIs(t, err, ErrInvalidFill)
	_, err = m.Execute(st, 7, math.NaN(), 0.05, t0)
	assert.ErrorIs(t, err, ErrInvalidFill)
	_, err = m.Execute(st, 7, 1.08, math.Inf(1), t0)
	assert.ErrorIs(t, err, ErrInvalidFill)
	assert.Empty(t, st.Positions)
}

func TestCloseRejectsNonFinitePrice(t *testing.T) {
	m, st := stateWithSignal7(t)
	_, err := m.Execute(st, 7, 1.0845, 0.05, t0)
	require.NoError(t, err)
	before := st.Clone()

	for _, price := range []float64{math.Inf(1), math.Inf(-1), math.NaN()} {
		_, err = m.Close(st, 7, price, t0.Add(time.Minute))
		assert.ErrorIs(t, err, ErrInvalidFill)
	}
	assert.Equal(t, before, st)
}

func TestSecondPositionIsInvariantViolation(t *testing.T) {
	m, st := stateWithSignal7(t)
	st.Positions[7] = &models.Position{SignalID: 7, Status: models.PositionOpen}

	_, err := m.Execute(st, 7, 1.0845, 0.05, t0)
	var inv *InvariantError
	require.True(t, errors.As(err, &inv))
	assert.Equal(t, int64(7), inv.SignalID)
	assert.False(t, IsUserError(err))
	assert.Equal(t, 0, st.Daily.TradesToday)
}

func TestRollDay(t *testing.T) {
	m, st := stateWithSignal7(t)
	_, err := m.Execute(st, 7, 1.0845, 0.05, t0)
	require.NoError(t, err)
	st.Daily.RealizedPnL = -42

	assert.False(t, m.RollDay(st, t0.Add(time.Hour)))
	assert.True(t, m.RollDay(st, t0.Add(14*time.Hour)))
	assert.Equal(t, models.DailyRisk{Day: "2025-03-05", OpenPositions: 1}, st.Daily)
}

func TestFloating(t *testing.T) {
	m, st := stateWithSignal7(t)
	_, err := m.Execute(st, 7, 1.0845, 0.05, t0)
	require.NoError(t, err)
	assert.Equal(t, 5.0, m.Floating(st, "EUR/USD", 1.0855))
	assert.Equal(t, 0.0, m.Floating(st, "GBP/USD", 1.0855))
}

func TestPnL(t *testing.T) {
	assert.Equal(t, -10.0, PnL(models.Long, 1.08450, 1.08250, 0.05, StandardLot))
	assert.Equal(t, 10.0, PnL(models.Short, 1.08450, 1.08250, 0.05, StandardLot))
	assert.Equal(t, 0.33, PnL(models.Long, 1.00000, 1.00003, 0.11, StandardLot))
}
