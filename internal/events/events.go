// Package events turns raw chat input into typed inbound events. Nothing past
// this package inspects message text.
package events

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/sawpanic/signaldesk/internal/models"
)

// Event is one inbound trader action.
type Event interface {
	isEvent()
}

// ChoicePressed is an inline button press on a signal notification.
type ChoicePressed struct {
	SignalID int64
	Choice   models.Choice
}

// Exec reports the trader's manual fill.
type Exec struct {
	SignalID int64
	Price    float64
	Lots     float64
}

// Close asks to close an open position at Price.
type Close struct {
	SignalID int64
	Price    float64
}

// QueryKind names an informational command.
type QueryKind string

const (
	QueryStatus  QueryKind = "status"
	QueryTrades  QueryKind = "trades"
	QueryBalance QueryKind = "balance"
	QueryHelp    QueryKind = "help"
)

// Query requests a read-only report.
type Query struct {
	Kind QueryKind
}

// Malformed is input that could not be parsed. It is answered, never dropped.
type Malformed struct {
	Raw    string
	Reason string
}

func (ChoicePressed) isEvent() {}
func (Exec) isEvent()          {}
func (Close) isEvent()         {}
func (Query) isEvent()         {}
func (Malformed) isEvent()     {}

// Usage is the command reference sent with help and parse errors.
const Usage = "Commands:\n" +
	"EXEC <id> <price> <lots> - record your fill\n" +
	"CLOSE <id> <price> - close a position manually\n" +
	"/status /trades /balance /help"

// ParseCommand parses a free-text message. Commands are case-insensitive and may start with '/'.
func ParseCommand(text string) Event {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return Malformed{Raw: text, Reason: "empty message"}
	}
	verb := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats append the bot name: /status@signaldesk_bot
	if i := strings.IndexByte(verb, '@'); i >= 0 {
		verb = verb[:i]
	}
	args := fields[1:]

	switch verb {
	case "exec":
		if len(args) != 3 {
			return Malformed{Raw: text, Reason: "usage: EXEC <id> <price> <lots>"}
		}
		id, err := parseID(args[0])
		if err != nil {
			return Malformed{Raw: text, Reason: err.Error()}
		}
		price, err := parsePositive("price", args[1])
		if err != nil {
			return Malformed{Raw: text, Reason: err.Error()}
		}
		lots, err := parsePositive("lots", args[2])
		if err != nil {
			return Malformed{Raw: text, Reason: err.Error()}
		}
		return Exec{SignalID: id, Price: price, Lots: lots}
	case "close":
		if len(args) != 2 {
			return Malformed{Raw: text, Reason: "usage: CLOSE <id> <price>"}
		}
		id, err := parseID(args[0])
		if err != nil {
			return Malformed{Raw: text, Reason: err.Error()}
		}
		price, err := parsePositive("price", args[1])
		if err != nil {
			return Malformed{Raw: text, Reason: err.Error()}
		}
		return Close{SignalID: id, Price: price}
	case "status", "trades", "balance", "help", "start":
		if verb == "start" {
			verb = "help"
		}
		return Query{Kind: QueryKind(verb)}
	default:
		return Malformed{Raw: text, Reason: fmt.Sprintf("unknown command %q", fields[0])}
	}
}

// ParseCallback parses inline button data of the form "<choice>_<id>".
func ParseCallback(data string) Event {
	choice, rawID, ok := strings.Cut(data, "_")
	if !ok {
		return Malformed{Raw: data, Reason: "unrecognized button"}
	}
	c := models.Choice(strings.ToLower(choice))
	if !c.Valid() {
		return Malformed{Raw: data, Reason: fmt.Sprintf("unknown choice %q", choice)}
	}
	id, err := parseID(rawID)
	if err != nil {
		return Malformed{Raw: data, Reason: err.Error()}
	}
	return ChoicePressed{SignalID: id, Choice: c}
}

// CallbackData builds the button payload ParseCallback understands.
func CallbackData(c models.Choice, id int64) string {
	return fmt.Sprintf("%s_%d", c, id)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid signal id %q", s)
	}
	return id, nil
}

func parsePositive(name, s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return v, nil
}
