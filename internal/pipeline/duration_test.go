package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"10s", 10 * time.Second},
		{"1m30s", 90 * time.Second},
		{"0", 0},
		{"00:00:10", 10 * time.Second},
		{"00:01", time.Minute},
		{"1.02:00:00", 26 * time.Hour},
		{"00:00:00.5", 500 * time.Millisecond},
		{"-00:00:05", -5 * time.Second},
		{" 2s ", 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDurationRejectsGarbage(t *testing.T) {
	for _, in := range []string{
		"", "soon", "00:61:00", "10 seconds",
		"106751.00:00:00",
		"200000.00:00:00",
		"300000.00:00:00",
		"99999999999999999999.00:00:00",
		"-300000.00:00:00",
	} {
		_, err := ParseDuration(in)
		assert.Error(t, err, in)
	}
}

func TestParseDurationLargestSpan(t *testing.T) {
	got, err := ParseDuration("106750.23:59:59.9999999")
	require.NoError(t, err)
	assert.Positive(t, got)
	assert.Equal(t, 106750*24*time.Hour+24*time.Hour-100*time.Nanosecond, got)
}
