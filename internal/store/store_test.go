package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispositionRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		message string
		want    Disposition
	}{
		{
			name:    "captcha marker",
			message: "CAPTCHA_REQUIRED:https://broker.example/verify",
			want:    Disposition{AwaitingCaptcha: true, CaptchaURL: "https://broker.example/verify"},
		},
		{
			name:    "captcha marker without url",
			message: "CAPTCHA_REQUIRED:",
			want:    Disposition{AwaitingCaptcha: true},
		},
		{
			name:    "plain error",
			message: "connection refused",
			want:    Disposition{LastError: "connection refused"},
		},
		{
			name: "empty",
			want: Disposition{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecodeDisposition(tt.message)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.message, got.Encode())
		})
	}
}

func TestCaptchaMarkerPattern(t *testing.T) {
	t.Parallel()

	// `_` is a single-character LIKE wildcard and must be escaped, or the
	// pattern would also match lookalike messages.
	assert.Equal(t, `CAPTCHA\_REQUIRED:%`, CaptchaMarkerPattern())
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusSubmitted.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestAwaitingCaptcha(t *testing.T) {
	t.Parallel()

	parked := RemovalAttempt{Status: StatusPending, ErrorMessage: "CAPTCHA_REQUIRED:https://x/c"}
	assert.True(t, parked.AwaitingCaptcha())

	fresh := RemovalAttempt{Status: StatusPending}
	assert.False(t, fresh.AwaitingCaptcha())

	// The marker only matters while the attempt is Pending.
	stale := RemovalAttempt{Status: StatusFailed, ErrorMessage: "CAPTCHA_REQUIRED:https://x/c"}
	assert.False(t, stale.AwaitingCaptcha())
}
