package removal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyBackoff(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()

	tests := []struct {
		name       string
		attemptNum int
		want       time.Duration
	}{
		{"after first failure", 1, 30 * time.Second},
		{"after second failure", 2, 2 * time.Minute},
		{"after third failure", 3, 5 * time.Minute},
		{"clamped above table", 7, 5 * time.Minute},
		{"clamped below table", 0, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Backoff(tt.attemptNum))
		})
	}
}

func TestRetryPolicyAllowed(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	assert.True(t, p.Allowed(1))
	assert.True(t, p.Allowed(2))
	assert.False(t, p.Allowed(3))
	assert.False(t, p.Allowed(4))
}
