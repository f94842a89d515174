package breakers

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestBreakerTripsAndRejects(t *testing.T) {
	b := New("telegram", Settings{Interval: time.Minute, Timeout: time.Hour, ConsecutiveFailures: 2}, zerolog.Nop())
	boom := errors.New("boom")

	assert.ErrorIs(t, b.Do(func() error { return boom }), boom)
	assert.ErrorIs(t, b.Do(func() error { return boom }), boom)
	assert.Equal(t, "open", b.State())

	called := false
	err := b.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreakerPassesSuccess(t *testing.T) {
	b := New("telegram", DefaultSettings(), zerolog.Nop())
	assert.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, "closed", b.State())
}
