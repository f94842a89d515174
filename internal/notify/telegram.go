package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/signaldesk/infra/breakers"
	"github.com/sawpanic/signaldesk/internal/events"
)

// TelegramConfig holds bot credentials and polling settings.
type TelegramConfig struct {
	BotToken       string        `yaml:"-"`
	ChatID         string        `yaml:"chat_id"`
	APIBase        string        `yaml:"api_base"`
	PollTimeout    time.Duration `yaml:"poll_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
}

// DefaultTelegramConfig returns long polling with a 30s server-side wait.
func DefaultTelegramConfig() TelegramConfig {
	return TelegramConfig{
		APIBase:        "https://api.telegram.org",
		PollTimeout:    30 * time.Second,
		RequestTimeout: 10 * time.Second,
		RetryDelay:     5 * time.Second,
	}
}

// Validate checks credentials.
func (c TelegramConfig) Validate() error {
	if c.BotToken == "" {
		return fmt.Errorf("telegram bot token is required")
	}
	if c.ChatID == "" {
		return fmt.Errorf("telegram chat ID is required")
	}
	parts := strings.Split(c.BotToken, ":")
	if len(parts) != 2 || len(parts[0]) < 8 {
		return fmt.Errorf("invalid telegram bot token format")
	}
	if _, err := strconv.ParseInt(c.ChatID, 10, 64); err != nil {
		return fmt.Errorf("telegram chat ID must be numeric: %w", err)
	}
	return nil
}

// OffsetStore remembers the next update to fetch across restarts.
type OffsetStore interface {
	LoadOffset(ctx context.Context) (int64, error)
	SaveOffset(ctx context.Context, offset int64) error
}

// Telegram is a Bot API client: sendMessage for notifications, getUpdates long
// polling for replies. Only updates from the configured chat are accepted.
type Telegram struct {
	config  TelegramConfig
	client  *http.Client
	apiURL  string
	breaker *breakers.Breaker
	offsets OffsetStore
	log     zerolog.Logger
}

func NewTelegram(config TelegramConfig, breaker *breakers.Breaker, offsets OffsetStore, log zerolog.Logger) *Telegram {
	def := DefaultTelegramConfig()
	if config.APIBase == "" {
		config.APIBase = def.APIBase
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = def.RetryDelay
	}
	if breaker == nil {
		breaker = breakers.New("telegram", breakers.DefaultSettings(), log)
	}
	return &Telegram{
		config: config,
		// Long polls hold the connection for PollTimeout.
		client:  &http.Client{Timeout: config.RequestTimeout + config.PollTimeout},
		apiURL:  strings.TrimRight(config.APIBase, "/") + "/bot" + config.BotToken,
		breaker: breaker,
		offsets: offsets,
		log:     log.With().Str("component", "telegram").Logger(),
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type sendMessageRequest struct {
	ChatID      string `json:"chat_id"`
	Text        string `json:"text"`
	ReplyMarkup *struct {
		InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
	} `json:"reply_markup,omitempty"`
}

type chat struct {
	ID int64 `json:"id"`
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Chat chat   `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
	CallbackQuery *struct {
		ID      string `json:"id"`
		Data    string `json:"data"`
		Message *struct {
			Chat chat `json:"chat"`
		} `json:"message"`
	} `json:"callback_query"`
}

// Notify sends msg to the configured chat.
func (t *Telegram) Notify(ctx context.Context, msg Message) error {
	req := sendMessageRequest{ChatID: t.config.ChatID, Text: msg.Text}
	if len(msg.Buttons) > 0 {
		row := make([]inlineButton, len(msg.Buttons))
		for i, b := range msg.Buttons {
			row[i] = inlineButton{Text: b.Text, CallbackData: b.Data}
		}
		req.ReplyMarkup = &struct {
			InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
		}{InlineKeyboard: [][]inlineButton{row}}
	}
	err := t.breaker.Do(func() error {
		return t.call(ctx, "sendMessage", req, nil)
	})
	if err != nil {
		return fmt.Errorf("failed to send Telegram message: %w", err)
	}
	t.log.Debug().Int("buttons", len(msg.Buttons)).Msg("message sent")
	return nil
}

// Poll fetches pending updates once and converts them to events. The stored
// offset advances past every update seen, including ignored ones.
func (t *Telegram) Poll(ctx context.Context) ([]events.Event, error) {
	var offset int64
	if t.offsets != nil {
		var err error
		if offset, err = t.offsets.LoadOffset(ctx); err != nil {
			t.log.Warn().Err(err).Msg("poll offset unavailable, starting from server default")
		}
	}

	params := map[string]interface{}{
		"timeout":         int(t.config.PollTimeout / time.Second),
		"allowed_updates": []string{"message", "callback_query"},
	}
	if offset > 0 {
		params["offset"] = offset
	}

	var updates []update
	err := t.breaker.Do(func() error {
		return t.call(ctx, "getUpdates", params, &updates)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to poll Telegram: %w", err)
	}

	var out []events.Event
	next := offset
	for _, u := range updates {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
		if ev, ok := t.convert(ctx, u); ok {
			out = append(out, ev)
		}
	}
	if next != offset && t.offsets != nil {
		if err := t.offsets.SaveOffset(ctx, next); err != nil {
			t.log.Warn().Err(err).Int64("offset", next).Msg("failed to save poll offset")
		}
	}
	return out, nil
}

// Listen polls until ctx is cancelled and forwards events to out.
func (t *Telegram) Listen(ctx context.Context, out chan<- events.Event) error {
	for {
		evs, err := t.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.log.Warn().Err(err).Dur("retry_in", t.config.RetryDelay).Msg("poll failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(t.config.RetryDelay):
			}
			continue
		}
		for _, ev := range evs {
			select {
			case out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (t *Telegram) convert(ctx context.Context, u update) (events.Event, bool) {
	switch {
	case u.CallbackQuery != nil:
		cq := u.CallbackQuery
		if cq.Message == nil || !t.fromTrader(cq.Message.Chat) {
			t.log.Warn().Int64("update_id", u.UpdateID).Msg("ignoring callback from unknown chat")
			return nil, false
		}
		// Clears the button spinner. A failure here does not affect the decision.
		if err := t.call(ctx, "answerCallbackQuery", map[string]string{"callback_query_id": cq.ID}, nil); err != nil {
			t.log.Debug().Err(err).Msg("answerCallbackQuery failed")
		}
		return events.ParseCallback(cq.Data), true
	case u.Message != nil:
		if !t.fromTrader(u.Message.Chat) {
			t.log.Warn().Int64("update_id", u.UpdateID).Int64("chat_id", u.Message.Chat.ID).Msg("ignoring message from unknown chat")
			return nil, false
		}
		if strings.TrimSpace(u.Message.Text) == "" {
			return nil, false
		}
		return events.ParseCommand(u.Message.Text), true
	}
	return nil, false
}

func (t *Telegram) fromTrader(c chat) bool {
	return strconv.FormatInt(c.ID, 10) == t.config.ChatID
}

func (t *Telegram) call(ctx context.Context, method string, payload, result interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var apiResp apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return fmt.Errorf("failed to decode %s response (HTTP %d): %w", method, resp.StatusCode, err)
	}
	if !apiResp.OK {
		desc := apiResp.Description
		if desc == "" {
			desc = "unknown error"
		}
		return fmt.Errorf("telegram API error %d: %s", apiResp.ErrorCode, desc)
	}
	if result != nil && len(apiResp.Result) > 0 {
		if err := json.Unmarshal(apiResp.Result, result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

// ErrNotConfigured is returned by New when no bot token is present.
var ErrNotConfigured = errors.New("telegram not configured")

// New picks the Telegram transport when credentials are present and the log
// transport otherwise.
func New(config TelegramConfig, offsets OffsetStore, log zerolog.Logger) (Notifier, *Telegram, error) {
	if config.BotToken == "" {
		return LogNotifier{Log: log}, nil, ErrNotConfigured
	}
	if err := config.Validate(); err != nil {
		return nil, nil, err
	}
	tg := NewTelegram(config, breakers.New("telegram", breakers.DefaultSettings(), log), offsets, log)
	return tg, tg, nil
}
