package removal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"remover/internal/store"
)

// memStore is an in-memory store.Store used by the engine and handler tests.
// It mirrors the SQLite store's transition rules, including the Claim CAS.
type memStore struct {
	mu      sync.Mutex
	rows    map[string]*store.RemovalAttempt
	claimed map[string]time.Time
}

func newMemStore() *memStore {
	return &memStore{
		rows:    map[string]*store.RemovalAttempt{},
		claimed: map[string]time.Time{},
	}
}

func (m *memStore) Create(_ context.Context, a *store.RemovalAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	cp := *a
	m.rows[a.ID] = &cp
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*store.RemovalAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) Claim(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok || a.Status != store.StatusPending {
		return false, nil
	}
	a.Status = store.StatusProcessing
	m.claimed[id] = time.Now()
	return true, nil
}

func (m *memStore) MarkSubmitted(_ context.Context, id string, final store.Status, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	a.Status = final
	a.ErrorMessage = ""
	a.Attempts = attempts
	a.SubmittedAt = &now
	if final == store.StatusCompleted {
		a.CompletedAt = &now
	}
	return nil
}

func (m *memStore) MarkCaptcha(_ context.Context, id, captchaURL string, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	a.Status = store.StatusPending
	a.ErrorMessage = store.Disposition{AwaitingCaptcha: true, CaptchaURL: captchaURL}.Encode()
	a.Attempts = attempts
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, id, reason string, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	a.Status = store.StatusFailed
	a.ErrorMessage = reason
	a.Attempts = attempts
	return nil
}

func (m *memStore) MarkCompleted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	if a.Status != store.StatusSubmitted {
		return store.ErrInvalidState
	}
	now := time.Now().UTC()
	a.Status = store.StatusCompleted
	a.CompletedAt = &now
	return nil
}

func (m *memStore) Reset(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	if a.Status == store.StatusProcessing {
		return store.ErrInvalidState
	}
	a.Status = store.StatusPending
	a.ErrorMessage = ""
	a.Attempts = 0
	return nil
}

func (m *memStore) CaptchaQueue(_ context.Context, vaultID string) ([]store.RemovalAttempt, error) {
	return m.filter(func(a *store.RemovalAttempt) bool {
		return a.AwaitingCaptcha() && (vaultID == "" || a.VaultID == vaultID)
	}), nil
}

func (m *memStore) FailedQueue(_ context.Context, vaultID string) ([]store.RemovalAttempt, error) {
	return m.filter(func(a *store.RemovalAttempt) bool {
		return a.Status == store.StatusFailed && (vaultID == "" || a.VaultID == vaultID)
	}), nil
}

func (m *memStore) ByScanJob(_ context.Context, vaultID, scanJobID string) ([]store.RemovalAttempt, error) {
	return m.filter(func(a *store.RemovalAttempt) bool {
		return a.ScanJobID == scanJobID && (vaultID == "" || a.VaultID == vaultID)
	}), nil
}

func (m *memStore) ReleaseStale(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, a := range m.rows {
		if a.Status != store.StatusProcessing {
			continue
		}
		if at, ok := m.claimed[id]; ok && at.After(cutoff) {
			continue
		}
		a.Status = store.StatusPending
		n++
	}
	return n, nil
}

func (m *memStore) filter(keep func(*store.RemovalAttempt) bool) []store.RemovalAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.RemovalAttempt
	for _, a := range m.rows {
		if keep(a) {
			out = append(out, *a)
		}
	}
	return out
}
