package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when an attempt id has no row.
	ErrNotFound = errors.New("removal attempt not found")
	// ErrInvalidState is returned when an operation is not legal for the
	// attempt's current status, e.g. retrying an in-flight attempt.
	ErrInvalidState = errors.New("removal attempt is in an invalid state for this operation")
)

// Status of a removal attempt. Pending is both the initial state and the
// re-entrant one: a CAPTCHA interruption routes the attempt back to Pending
// with an AwaitingCaptcha disposition.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSubmitted  Status = "submitted"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no worker will ever pick the attempt up again
// without an explicit user retry.
func (s Status) Terminal() bool {
	return s == StatusSubmitted || s == StatusCompleted || s == StatusFailed
}

// captchaPrefix is the wire-level marker carried in error_message for
// attempts parked in the CAPTCHA queue. It exists for compatibility with
// older rows; code never inspects the prefix outside this package.
const captchaPrefix = "CAPTCHA_REQUIRED:"

// Disposition is the decoded form of the error_message column: why the
// attempt is where it is.
type Disposition struct {
	AwaitingCaptcha bool
	CaptchaURL      string
	LastError       string
}

// DecodeDisposition parses the persisted error_message string.
func DecodeDisposition(errorMessage string) Disposition {
	if strings.HasPrefix(errorMessage, captchaPrefix) {
		return Disposition{AwaitingCaptcha: true, CaptchaURL: strings.TrimPrefix(errorMessage, captchaPrefix)}
	}
	return Disposition{LastError: errorMessage}
}

// Encode renders the disposition back to the persisted string form.
func (d Disposition) Encode() string {
	if d.AwaitingCaptcha {
		return captchaPrefix + d.CaptchaURL
	}
	return d.LastError
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// CaptchaMarkerPattern returns the SQL LIKE pattern (escape character `\`)
// matching rows parked for CAPTCHA, so queries never spell out the marker.
func CaptchaMarkerPattern() string {
	return likeEscaper.Replace(captchaPrefix) + "%"
}

// RemovalAttempt is the unit of work: one tracked effort to get one finding
// removed from one broker.
type RemovalAttempt struct {
	ID           string     `json:"id"`
	VaultID      string     `json:"vault_id"`
	FindingID    string     `json:"finding_id"`
	BrokerID     string     `json:"broker_id"`
	ScanJobID    string     `json:"scan_job_id"`
	ListingURL   string     `json:"listing_url"`
	Status       Status     `json:"status"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Attempts     int        `json:"attempts"`
	CreatedAt    time.Time  `json:"created_at"`
	SubmittedAt  *time.Time `json:"submitted_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Disposition decodes the attempt's error_message.
func (a *RemovalAttempt) Disposition() Disposition {
	return DecodeDisposition(a.ErrorMessage)
}

// AwaitingCaptcha reports whether the attempt sits in the CAPTCHA queue.
func (a *RemovalAttempt) AwaitingCaptcha() bool {
	return a.Status == StatusPending && a.Disposition().AwaitingCaptcha
}

// Store is the durable record of removal attempts; the single source of
// truth for attempt state. All mutations are single-row and atomic.
type Store interface {
	Create(ctx context.Context, a *RemovalAttempt) error
	Get(ctx context.Context, id string) (*RemovalAttempt, error)

	// Claim atomically flips Pending -> Processing for the given id and
	// reports whether this caller won the claim. A false return with nil
	// error means another worker already owns the attempt (or it is no
	// longer Pending).
	Claim(ctx context.Context, id string) (bool, error)

	// MarkSubmitted records a successful submission. final must be
	// StatusSubmitted or StatusCompleted.
	MarkSubmitted(ctx context.Context, id string, final Status, attempts int) error

	// MarkCaptcha routes the attempt back to Pending carrying the CAPTCHA
	// URL so it surfaces in the CAPTCHA queue.
	MarkCaptcha(ctx context.Context, id, captchaURL string, attempts int) error

	// MarkFailed records terminal failure with the last reason verbatim.
	MarkFailed(ctx context.Context, id, reason string, attempts int) error

	// MarkCompleted promotes a Submitted attempt to Completed once the
	// listing is verified gone.
	MarkCompleted(ctx context.Context, id string) error

	// Reset returns a Failed or CAPTCHA-parked attempt to a clean Pending
	// state (error cleared, attempt counter zeroed). ErrInvalidState if the
	// attempt is currently Processing.
	Reset(ctx context.Context, id string) error

	CaptchaQueue(ctx context.Context, vaultID string) ([]RemovalAttempt, error)
	FailedQueue(ctx context.Context, vaultID string) ([]RemovalAttempt, error)
	ByScanJob(ctx context.Context, vaultID, scanJobID string) ([]RemovalAttempt, error)

	// ReleaseStale resets Processing rows whose claim is older than cutoff
	// back to Pending. Run once at startup to recover attempts orphaned by
	// an unclean shutdown.
	ReleaseStale(ctx context.Context, cutoff time.Time) (int, error)
}
