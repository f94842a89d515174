package breakers

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	cb "github.com/sony/gobreaker"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("breaker open")

// Settings tune the notification breaker.
type Settings struct {
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// DefaultSettings trips after 3 consecutive failures and probes again after a minute.
func DefaultSettings() Settings {
	return Settings{Interval: 60 * time.Second, Timeout: 60 * time.Second, ConsecutiveFailures: 3}
}

// Breaker guards an outbound transport that has no call budget, such as the chat API.
type Breaker struct{ cb *cb.CircuitBreaker }

func New(name string, s Settings, log zerolog.Logger) *Breaker {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 3
	}
	st := cb.Settings{Name: name, Interval: s.Interval, Timeout: s.Timeout}
	st.ReadyToTrip = func(counts cb.Counts) bool {
		if counts.ConsecutiveFailures >= s.ConsecutiveFailures {
			return true
		}
		total := counts.Requests
		if total < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(total) > 0.05
	}
	st.OnStateChange = func(name string, from, to cb.State) {
		log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("breaker state change")
	}
	return &Breaker{cb: cb.NewCircuitBreaker(st)}
}

// Do runs fn through the breaker. Rejections surface as ErrOpen.
func (b *Breaker) Do(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) { return nil, fn() })
	if errors.Is(err, cb.ErrOpenState) || errors.Is(err, cb.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// State reports the breaker's state name.
func (b *Breaker) State() string { return b.cb.State().String() }
