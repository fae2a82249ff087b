package staleness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func ptr(v int64) *int64 { return &v }

func TestIsStale(t *testing.T) {
	tests := []struct {
		name       string
		tolerance  time.Duration
		server     int64
		checkpoint *int64
		want       bool
	}{
		{name: "no checkpoint", server: 0, checkpoint: nil, want: false},
		{name: "no checkpoint with old server time", server: -5, checkpoint: nil, want: false},
		{name: "server behind checkpoint", server: 900, checkpoint: ptr(1000), want: true},
		{name: "server equal to checkpoint", server: 1000, checkpoint: ptr(1000), want: true},
		{name: "server past checkpoint", server: 1500, checkpoint: ptr(1000), want: false},
		{name: "inside tolerance", tolerance: time.Second, server: 1500, checkpoint: ptr(1000), want: true},
		{name: "past tolerance", tolerance: time.Second, server: 2001, checkpoint: ptr(1000), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator(tt.tolerance)
			assert.Equal(t, tt.want, v.IsStale(tt.server, tt.checkpoint))
		})
	}
}

func TestIsStaleUnknown(t *testing.T) {
	v := NewValidator(0)
	assert.False(t, v.IsStaleUnknown(nil))
	assert.True(t, v.IsStaleUnknown(ptr(1)))
}

func TestNegativeToleranceIsClamped(t *testing.T) {
	v := NewValidator(-time.Second)
	assert.Equal(t, time.Duration(0), v.Tolerance)
}
