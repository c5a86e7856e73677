// Package verify re-checks submitted removals after a delay and promotes
// them to Completed once the broker listing is gone.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"remover/internal/logger"
	"remover/internal/platform/tasks"
	"remover/internal/store"

	"github.com/hibiken/asynq"
)

const TaskTypeVerify = tasks.TaskTypeVerify

type Payload struct {
	AttemptID  string `json:"attempt_id"`
	VaultID    string `json:"vault_id"`
	BrokerID   string `json:"broker_id"`
	ListingURL string `json:"listing_url"`
}

type Service struct {
	log        *logger.Logger
	store      store.Store
	tasks      *tasks.Client
	delay      time.Duration
	maxRetries int
	client     *http.Client
}

func NewService(st store.Store, t *tasks.Client, delay time.Duration, maxRetries int) *Service {
	return &Service{
		log:        logger.New("VerifyService"),
		store:      st,
		tasks:      t,
		delay:      delay,
		maxRetries: maxRetries,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

// Schedule enqueues a delayed verification check for a Submitted attempt.
func (s *Service) Schedule(ctx context.Context, a *store.RemovalAttempt) error {
	payload, err := json.Marshal(Payload{
		AttemptID:  a.ID,
		VaultID:    a.VaultID,
		BrokerID:   a.BrokerID,
		ListingURL: a.ListingURL,
	})
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskTypeVerify, payload)
	if err := s.tasks.EnqueueIn(task, "default", s.maxRetries, s.delay); err != nil {
		return fmt.Errorf("enqueue verification: %w", err)
	}
	s.log.LogInfof("verification scheduled for attempt %s in %s", a.ID, s.delay)
	return nil
}

// HandleTask checks whether the listing is still reachable. A returned error
// makes asynq retry the check later with its own backoff.
func (s *Service) HandleTask(ctx context.Context, task *asynq.Task) error {
	var p Payload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return err
	}

	a, err := s.store.Get(ctx, p.AttemptID)
	if err != nil {
		// The attempt may have been retried or removed since; nothing to do.
		s.log.LogWarnf("verification skipped for %s: %v", p.AttemptID, err)
		return nil
	}
	if a.Status != store.StatusSubmitted {
		s.log.LogDebugf("verification skipped for %s: status %s", a.ID, a.Status)
		return nil
	}
	if p.ListingURL == "" {
		return nil
	}

	gone, err := s.listingGone(ctx, p.ListingURL)
	if err != nil {
		return fmt.Errorf("verification fetch for %s: %w", a.ID, err)
	}
	if !gone {
		return fmt.Errorf("listing for attempt %s still present", a.ID)
	}

	if err := s.store.MarkCompleted(ctx, a.ID); err != nil {
		return fmt.Errorf("mark completed %s: %w", a.ID, err)
	}
	s.log.LogSuccessf("removal %s verified complete", a.ID)
	return nil
}

func (s *Service) listingGone(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return true, nil
	}
	return false, nil
}
