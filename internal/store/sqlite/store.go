// Package sqlite provides the durable SQLite-backed attempt store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"remover/internal/store"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS removal_attempts (
    id            TEXT PRIMARY KEY,
    vault_id      TEXT NOT NULL,
    finding_id    TEXT NOT NULL,
    broker_id     TEXT NOT NULL,
    scan_job_id   TEXT NOT NULL DEFAULT '',
    listing_url   TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL,
    error_message TEXT NOT NULL DEFAULT '',
    attempts      INTEGER NOT NULL DEFAULT 0,
    created_at    TEXT NOT NULL,
    claimed_at    TEXT,
    submitted_at  TEXT,
    completed_at  TEXT
);
CREATE INDEX IF NOT EXISTS idx_removal_attempts_vault_status ON removal_attempts (vault_id, status);
CREATE INDEX IF NOT EXISTS idx_removal_attempts_scan_job ON removal_attempts (vault_id, scan_job_id);

CREATE TABLE IF NOT EXISTS removal_evidence (
    id               TEXT PRIMARY KEY,
    attempt_id       TEXT NOT NULL REFERENCES removal_attempts (id),
    screenshot_path  TEXT NOT NULL,
    captured_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS email_removals (
    id         TEXT PRIMARY KEY,
    attempt_id TEXT NOT NULL REFERENCES removal_attempts (id),
    broker_id  TEXT NOT NULL,
    sent_at    TEXT NOT NULL,
    method     TEXT NOT NULL,
    recipient  TEXT NOT NULL,
    subject    TEXT NOT NULL,
    body_hash  TEXT NOT NULL
);
`

// Store persists removal attempts in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens the attempt store at path and applies the schema. ":memory:"
// is accepted for tests.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	// The in-memory DSN gives every pooled connection its own database, so
	// tests must be pinned to a single connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the underlying database handle, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", v.String, err)
	}
	return &t, nil
}

const attemptColumns = `id, vault_id, finding_id, broker_id, scan_job_id, listing_url,
	status, error_message, attempts, created_at, submitted_at, completed_at`

func scanAttempt(row interface{ Scan(...interface{}) error }) (*store.RemovalAttempt, error) {
	var a store.RemovalAttempt
	var createdAt string
	var submittedAt, completedAt sql.NullString
	err := row.Scan(
		&a.ID, &a.VaultID, &a.FindingID, &a.BrokerID, &a.ScanJobID, &a.ListingURL,
		&a.Status, &a.ErrorMessage, &a.Attempts, &createdAt, &submittedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	a.CreatedAt = created
	if a.SubmittedAt, err = parseTime(submittedAt); err != nil {
		return nil, err
	}
	if a.CompletedAt, err = parseTime(completedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// Create inserts a new attempt. A zero ID or CreatedAt is filled in.
func (s *Store) Create(ctx context.Context, a *store.RemovalAttempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = store.StatusPending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO removal_attempts (
		   id, vault_id, finding_id, broker_id, scan_job_id, listing_url,
		   status, error_message, attempts, created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.VaultID, a.FindingID, a.BrokerID, a.ScanJobID, a.ListingURL,
		string(a.Status), a.ErrorMessage, a.Attempts, fmtTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert removal attempt: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*store.RemovalAttempt, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+attemptColumns+` FROM removal_attempts WHERE id = ?`, id)
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load removal attempt: %w", err)
	}
	return a, nil
}

// Claim flips Pending -> Processing. The WHERE clause on status makes the
// compare-and-set atomic: only one caller observes a changed row.
func (s *Store) Claim(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE removal_attempts SET status = ?, claimed_at = ?
		 WHERE id = ? AND status = ?`,
		string(store.StatusProcessing), fmtTime(time.Now()), id, string(store.StatusPending))
	if err != nil {
		return false, fmt.Errorf("claim removal attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) MarkSubmitted(ctx context.Context, id string, final store.Status, attempts int) error {
	if final != store.StatusSubmitted && final != store.StatusCompleted {
		return fmt.Errorf("mark submitted: %q is not a success status", final)
	}
	now := fmtTime(time.Now())
	completedAt := sql.NullString{}
	if final == store.StatusCompleted {
		completedAt = sql.NullString{String: now, Valid: true}
	}
	return s.exec(ctx, "mark submitted",
		`UPDATE removal_attempts
		 SET status = ?, error_message = '', attempts = ?, submitted_at = ?, completed_at = ?, claimed_at = NULL
		 WHERE id = ?`,
		string(final), attempts, now, completedAt, id)
}

func (s *Store) MarkCaptcha(ctx context.Context, id, captchaURL string, attempts int) error {
	msg := store.Disposition{AwaitingCaptcha: true, CaptchaURL: captchaURL}.Encode()
	return s.exec(ctx, "mark captcha",
		`UPDATE removal_attempts
		 SET status = ?, error_message = ?, attempts = ?, claimed_at = NULL
		 WHERE id = ?`,
		string(store.StatusPending), msg, attempts, id)
}

func (s *Store) MarkFailed(ctx context.Context, id, reason string, attempts int) error {
	return s.exec(ctx, "mark failed",
		`UPDATE removal_attempts
		 SET status = ?, error_message = ?, attempts = ?, claimed_at = NULL
		 WHERE id = ?`,
		string(store.StatusFailed), reason, attempts, id)
}

func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE removal_attempts SET status = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(store.StatusCompleted), fmtTime(time.Now()), id, string(store.StatusSubmitted))
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrInvalidState
	}
	return nil
}

// Reset returns an attempt to a clean Pending state for a user-initiated
// retry. Processing rows are owned by a live worker and cannot be reset.
func (s *Store) Reset(ctx context.Context, id string) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Status == store.StatusProcessing {
		return store.ErrInvalidState
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE removal_attempts
		 SET status = ?, error_message = '', attempts = 0, claimed_at = NULL
		 WHERE id = ? AND status != ?`,
		string(store.StatusPending), id, string(store.StatusProcessing))
	if err != nil {
		return fmt.Errorf("reset removal attempt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Lost a race with a worker claiming it between Get and Update.
		return store.ErrInvalidState
	}
	return nil
}

func (s *Store) CaptchaQueue(ctx context.Context, vaultID string) ([]store.RemovalAttempt, error) {
	return s.list(ctx,
		`SELECT `+attemptColumns+` FROM removal_attempts
		 WHERE vault_id = ? AND status = ? AND error_message LIKE ? ESCAPE '\'
		 ORDER BY created_at`,
		vaultID, string(store.StatusPending), store.CaptchaMarkerPattern())
}

func (s *Store) FailedQueue(ctx context.Context, vaultID string) ([]store.RemovalAttempt, error) {
	return s.list(ctx,
		`SELECT `+attemptColumns+` FROM removal_attempts
		 WHERE vault_id = ? AND status = ?
		 ORDER BY created_at`,
		vaultID, string(store.StatusFailed))
}

func (s *Store) ByScanJob(ctx context.Context, vaultID, scanJobID string) ([]store.RemovalAttempt, error) {
	return s.list(ctx,
		`SELECT `+attemptColumns+` FROM removal_attempts
		 WHERE vault_id = ? AND scan_job_id = ?
		 ORDER BY created_at`,
		vaultID, scanJobID)
}

func (s *Store) ReleaseStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE removal_attempts
		 SET status = ?, claimed_at = NULL
		 WHERE status = ? AND (claimed_at IS NULL OR claimed_at < ?)`,
		string(store.StatusPending), string(store.StatusProcessing), fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("release stale attempts: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// SaveEvidence records a captured screenshot path for an attempt.
func (s *Store) SaveEvidence(ctx context.Context, attemptID, screenshotPath string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO removal_evidence (id, attempt_id, screenshot_path, captured_at)
		 VALUES (?, ?, ?, ?)`,
		uuid.New().String(), attemptID, screenshotPath, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("store screenshot evidence: %w", err)
	}
	return nil
}

// LogEmailRemoval records an email-based removal submission. Only the body
// hash is stored, never the body itself.
func (s *Store) LogEmailRemoval(ctx context.Context, attemptID, brokerID, method, recipient, subject, bodyHash string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO email_removals (id, attempt_id, broker_id, sent_at, method, recipient, subject, body_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), attemptID, brokerID, fmtTime(time.Now()), method, recipient, subject, bodyHash)
	if err != nil {
		return fmt.Errorf("log email removal: %w", err)
	}
	return nil
}

func (s *Store) exec(ctx context.Context, op, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) list(ctx context.Context, query string, args ...interface{}) ([]store.RemovalAttempt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query removal attempts: %w", err)
	}
	defer rows.Close()

	var out []store.RemovalAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan removal attempt: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}
