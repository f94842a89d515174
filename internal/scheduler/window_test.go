package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowContains(t *testing.T) {
	w := DefaultWindow()
	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before open", time.Date(2025, 3, 4, 8, 59, 0, 0, time.UTC), false},
		{"at open", time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC), true},
		{"last minute", time.Date(2025, 3, 4, 13, 59, 0, 0, time.UTC), true},
		{"at close", time.Date(2025, 3, 4, 14, 0, 0, 0, time.UTC), false},
		{"saturday", time.Date(2025, 3, 8, 10, 0, 0, 0, time.UTC), false},
		{"non-utc input", time.Date(2025, 3, 4, 11, 0, 0, 0, time.FixedZone("CET", 3600)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, w.Contains(tt.at))
		})
	}
}

func TestWindowUntil(t *testing.T) {
	w := DefaultWindow()
	assert.Zero(t, w.Until(time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)))
	assert.Equal(t, 2*time.Hour, w.Until(time.Date(2025, 3, 4, 7, 0, 0, 0, time.UTC)))
	// Friday after close waits for Monday.
	assert.Equal(t, 67*time.Hour, w.Until(time.Date(2025, 3, 7, 14, 0, 0, 0, time.UTC)))
}

func TestWindowValidate(t *testing.T) {
	assert.NoError(t, DefaultWindow().Validate())
	assert.Error(t, Window{StartHour: 14, EndHour: 9}.Validate())
	assert.Error(t, Window{StartHour: 0, EndHour: 25}.Validate())
}
