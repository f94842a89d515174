package events

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sawpanic/signaldesk/internal/models"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want Event
	}{
		{"EXEC 7 1.08450 0.05", Exec{SignalID: 7, Price: 1.0845, Lots: 0.05}},
		{"exec #7 1.08450 0.05", Exec{SignalID: 7, Price: 1.0845, Lots: 0.05}},
		{"/exec 7 1.0845 0.05", Exec{SignalID: 7, Price: 1.0845, Lots: 0.05}},
		{"  CLOSE 3 1.0900 ", Close{SignalID: 3, Price: 1.09}},
		{"/status", Query{Kind: QueryStatus}},
		{"/trades@signaldesk_bot", Query{Kind: QueryTrades}},
		{"/start", Query{Kind: QueryHelp}},
		{"BALANCE", Query{Kind: QueryBalance}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseCommand(tt.in), tt.in)
	}
}

func TestParseCommandMalformed(t *testing.T) {
	for _, in := range []string{
		"",
		"EXEC 7 1.0845",
		"EXEC seven 1.0845 0.05",
		"EXEC 7 -1 0.05",
		"EXEC 7 1.0845 0",
		"EXEC 0 1.0845 0.05",
		"CLOSE 7",
		"CLOSE 7 abc",
		"EXEC 7 NaN 0.05",
		"EXEC 7 1.0845 Inf",
		"EXEC 7 1e400 0.05",
		"CLOSE 7 +Inf",
		"CLOSE 7 nan",
		"buy now",
	} {
		ev := ParseCommand(in)
		m, ok := ev.(Malformed)
		if assert.True(t, ok, "%q parsed as %#v", in, ev) {
			assert.Equal(t, in, m.Raw)
			assert.NotEmpty(t, m.Reason)
		}
	}
}

func TestParseCallback(t *testing.T) {
	assert.Equal(t, ChoicePressed{SignalID: 12, Choice: models.ChoiceExecuted}, ParseCallback("executed_12"))
	assert.Equal(t, ChoicePressed{SignalID: 12, Choice: models.ChoiceRejected}, ParseCallback("rejected_12"))
	assert.Equal(t, ChoicePressed{SignalID: 3, Choice: models.ChoicePending}, ParseCallback(CallbackData(models.ChoicePending, 3)))

	for _, in := range []string{"executed", "approve_12", "rejected_x", "pending_-1"} {
		_, ok := ParseCallback(in).(Malformed)
		assert.True(t, ok, in)
	}
}
