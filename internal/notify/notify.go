// Package notify delivers messages to the trader and collects their replies.
package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/sawpanic/signaldesk/internal/events"
	"github.com/sawpanic/signaldesk/internal/models"
)

// Button is one inline choice attached to a message.
type Button struct {
	Text string
	Data string
}

// Message is a notification, optionally with inline buttons on a single row.
type Message struct {
	Text    string
	Buttons []Button
}

// Notifier sends messages to the trader.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// DecisionButtons returns the Executed / Rejected / Pending row for a signal.
func DecisionButtons(id int64) []Button {
	return []Button{
		{Text: "Executed", Data: events.CallbackData(models.ChoiceExecuted, id)},
		{Text: "Rejected", Data: events.CallbackData(models.ChoiceRejected, id)},
		{Text: "Pending", Data: events.CallbackData(models.ChoicePending, id)},
	}
}

// LogNotifier writes messages to the log instead of a chat. Used for dry runs.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Notify(_ context.Context, msg Message) error {
	ev := n.Log.Info().Str("text", msg.Text)
	if len(msg.Buttons) > 0 {
		data := make([]string, len(msg.Buttons))
		for i, b := range msg.Buttons {
			data[i] = b.Data
		}
		ev = ev.Strs("buttons", data)
	}
	ev.Msg("notification")
	return nil
}
