// Package removal implements the removal submission engine: batch
// coordination, bounded-concurrency workers, retry with backoff, CAPTCHA
// routing, and the progress event stream.
package removal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"remover/internal/core/submit"
	"remover/internal/logger"
	rds "remover/internal/platform/redis"
	"remover/internal/store"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// BatchJob is the synchronous receipt for a submitted batch. It has no
// identity beyond this response; all further state is per attempt.
type BatchJob struct {
	JobID       string `json:"job_id"`
	TotalCount  int    `json:"total_count"`
	QueuedCount int    `json:"queued_count"`
}

// NewAttempt describes a removal attempt to create for a confirmed finding.
type NewAttempt struct {
	FindingID  string `json:"finding_id"`
	BrokerID   string `json:"broker_id"`
	ScanJobID  string `json:"scan_job_id"`
	ListingURL string `json:"listing_url"`
}

// VerifyScheduler schedules a post-submission verification check for an
// attempt that ended up Submitted.
type VerifyScheduler interface {
	Schedule(ctx context.Context, a *store.RemovalAttempt) error
}

// Options configures a Service.
type Options struct {
	// MaxConcurrent bounds how many workers may be inside a submitter call
	// at once. Defaults to 3.
	MaxConcurrent int
	Policy        RetryPolicy
	// Redis, when set, mirrors every event to the vault's Redis channel for
	// out-of-process consumers. Optional.
	Redis *rds.Service
	// Verifier, when set, receives Submitted attempts for later
	// confirmation checks. Optional.
	Verifier VerifyScheduler
}

// Service owns the full removal pipeline: it validates batches, spawns one
// worker per admitted attempt, gates submitter calls behind a counting
// semaphore, and publishes progress events. The attempt store stays the
// single source of truth; the service keeps no business state in memory.
type Service struct {
	log       *logger.Logger
	store     store.Store
	submitter submit.Submitter
	bus       *Bus
	redis     *rds.Service
	verifier  VerifyScheduler
	policy    RetryPolicy

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	// workerCtx outlives the request that spawned a worker; Shutdown
	// cancels it.
	workerCtx context.Context
	cancel    context.CancelFunc

	// sleep is swapped for a recording stub in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewService(st store.Store, submitter submit.Submitter, opts Options) *Service {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.Policy.MaxAttempts <= 0 {
		opts.Policy = DefaultRetryPolicy()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		log:       logger.New("RemovalService"),
		store:     st,
		submitter: submitter,
		bus:       NewBus(),
		redis:     opts.Redis,
		verifier:  opts.Verifier,
		policy:    opts.Policy,
		sem:       semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		workerCtx: ctx,
		cancel:    cancel,
		sleep:     sleepContext,
	}
}

// Bus exposes the event stream for subscribers (SSE handler, tests).
func (s *Service) Bus() *Bus { return s.bus }

// Wait blocks until every outstanding worker has finished, without
// cancelling them.
func (s *Service) Wait() { s.wg.Wait() }

// Shutdown cancels outstanding workers and waits for them to finish or for
// ctx to expire. Attempts interrupted mid-flight stay Processing in the
// store and are recovered by the startup reconciliation pass.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.bus.Close()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateAttempts inserts Pending attempts for confirmed findings and returns
// their ids.
func (s *Service) CreateAttempts(ctx context.Context, vaultID string, reqs []NewAttempt) ([]string, error) {
	if vaultID == "" {
		return nil, fmt.Errorf("vault_id is required")
	}
	ids := make([]string, 0, len(reqs))
	for _, r := range reqs {
		if r.FindingID == "" || r.BrokerID == "" {
			return nil, fmt.Errorf("finding_id and broker_id are required")
		}
		a := &store.RemovalAttempt{
			VaultID:    vaultID,
			FindingID:  r.FindingID,
			BrokerID:   r.BrokerID,
			ScanJobID:  r.ScanJobID,
			ListingURL: r.ListingURL,
			Status:     store.StatusPending,
		}
		if err := s.store.Create(ctx, a); err != nil {
			return nil, err
		}
		ids = append(ids, a.ID)
	}
	return ids, nil
}

// ProcessBatch admits every id that exists, belongs to the vault, and is
// currently Pending, spawns a worker for each, and returns immediately.
// Invalid ids are skipped, not errors; queued_count reflects only admitted
// ids.
func (s *Service) ProcessBatch(ctx context.Context, vaultID string, ids []string) (BatchJob, error) {
	if len(ids) == 0 {
		return BatchJob{}, fmt.Errorf("attempt ids are required")
	}
	job := BatchJob{JobID: uuid.New().String(), TotalCount: len(ids)}
	for _, id := range ids {
		a, err := s.store.Get(ctx, id)
		if err != nil {
			s.log.LogDebugf("batch %s: skipping %s: %v", job.JobID, id, err)
			continue
		}
		if vaultID != "" && a.VaultID != vaultID {
			s.log.LogWarnf("batch %s: skipping %s: wrong vault", job.JobID, id)
			continue
		}
		if a.Status != store.StatusPending {
			s.log.LogDebugf("batch %s: skipping %s: status %s", job.JobID, id, a.Status)
			continue
		}
		s.spawn(job.JobID, a)
		job.QueuedCount++
	}
	s.log.LogInfof("batch %s: queued %d/%d removal attempts", job.JobID, job.QueuedCount, job.TotalCount)
	return job, nil
}

// RetryRemoval resets a Failed or CAPTCHA-parked attempt to a clean Pending
// state and spawns a fresh worker for it. Returns store.ErrNotFound for
// unknown ids and store.ErrInvalidState when the attempt is in flight.
func (s *Service) RetryRemoval(ctx context.Context, id string) error {
	a, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.Status == store.StatusProcessing {
		return store.ErrInvalidState
	}
	if err := s.store.Reset(ctx, id); err != nil {
		return err
	}
	a, err = s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	s.publish(Event{
		Topic:      TopicRetry,
		VaultID:    a.VaultID,
		AttemptID:  a.ID,
		BrokerID:   a.BrokerID,
		AttemptNum: 1,
	})
	s.spawn("", a)
	return nil
}

// Queue views: read-only filters over the attempt store.

func (s *Service) CaptchaQueue(ctx context.Context, vaultID string) ([]store.RemovalAttempt, error) {
	return s.store.CaptchaQueue(ctx, vaultID)
}

func (s *Service) FailedQueue(ctx context.Context, vaultID string) ([]store.RemovalAttempt, error) {
	return s.store.FailedQueue(ctx, vaultID)
}

func (s *Service) AttemptsByScanJob(ctx context.Context, vaultID, scanJobID string) ([]store.RemovalAttempt, error) {
	return s.store.ByScanJob(ctx, vaultID, scanJobID)
}

func (s *Service) GetAttempt(ctx context.Context, id string) (*store.RemovalAttempt, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) spawn(jobID string, a *store.RemovalAttempt) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runWorker(s.workerCtx, jobID, a)
	}()
}

// runWorker owns the full lifecycle of one attempt: claim, submit with
// retries, terminal store write, events. Exactly one worker owns an attempt
// at a time; losing the claim CAS means another worker got there first.
func (s *Service) runWorker(ctx context.Context, jobID string, a *store.RemovalAttempt) {
	claimed, err := s.store.Claim(ctx, a.ID)
	if err != nil {
		s.log.LogErrorf("claim failed for attempt %s: %v", a.ID, err)
		return
	}
	if !claimed {
		s.log.LogDebugf("attempt %s already claimed elsewhere", a.ID)
		return
	}

	s.publish(Event{
		Topic:     TopicStarted,
		JobID:     jobID,
		VaultID:   a.VaultID,
		AttemptID: a.ID,
		BrokerID:  a.BrokerID,
	})

	attemptNum := 1
	for {
		outcome := s.submitOnce(ctx, a)
		if ctx.Err() != nil {
			// Shutdown mid-flight: leave the row Processing for the startup
			// reconciliation pass rather than inventing a terminal state.
			s.log.LogWarnf("worker for attempt %s interrupted by shutdown", a.ID)
			return
		}

		switch outcome.Kind {
		case submit.KindSuccess:
			s.writeStore(ctx, a.ID, func(wctx context.Context) error {
				return s.store.MarkSubmitted(wctx, a.ID, outcome.FinalStatus, attemptNum)
			})
			s.publish(Event{
				Topic:     TopicSuccess,
				JobID:     jobID,
				VaultID:   a.VaultID,
				AttemptID: a.ID,
				BrokerID:  a.BrokerID,
				Status:    outcome.FinalStatus,
			})
			if outcome.FinalStatus == store.StatusSubmitted && s.verifier != nil {
				if err := s.verifier.Schedule(ctx, a); err != nil {
					s.log.LogWarnf("verification scheduling failed for attempt %s: %v", a.ID, err)
				}
			}
			s.log.LogSuccessf("removal %s: %s after %d attempt(s)", a.ID, outcome.FinalStatus, attemptNum)
			return

		case submit.KindCaptcha:
			s.writeStore(ctx, a.ID, func(wctx context.Context) error {
				return s.store.MarkCaptcha(wctx, a.ID, outcome.CaptchaURL, attemptNum)
			})
			s.publish(Event{
				Topic:      TopicCaptcha,
				JobID:      jobID,
				VaultID:    a.VaultID,
				AttemptID:  a.ID,
				BrokerID:   a.BrokerID,
				CaptchaURL: outcome.CaptchaURL,
			})
			s.log.LogWarnf("removal %s parked: CAPTCHA at %s", a.ID, outcome.CaptchaURL)
			return

		case submit.KindFailure:
			if !s.policy.Allowed(attemptNum) {
				s.writeStore(ctx, a.ID, func(wctx context.Context) error {
					return s.store.MarkFailed(wctx, a.ID, outcome.Reason, attemptNum)
				})
				s.publish(Event{
					Topic:     TopicFailed,
					JobID:     jobID,
					VaultID:   a.VaultID,
					AttemptID: a.ID,
					BrokerID:  a.BrokerID,
					Error:     outcome.Reason,
				})
				s.log.LogErrorf("removal %s failed after %d attempts: %s", a.ID, attemptNum, outcome.Reason)
				return
			}

			next := attemptNum + 1
			s.publish(Event{
				Topic:      TopicRetry,
				JobID:      jobID,
				VaultID:    a.VaultID,
				AttemptID:  a.ID,
				BrokerID:   a.BrokerID,
				AttemptNum: next,
			})
			delay := s.policy.Backoff(attemptNum)
			s.log.LogWarnf("removal %s attempt %d failed (%s), retrying in %s", a.ID, attemptNum, outcome.Reason, delay)
			if err := s.sleep(ctx, delay); err != nil {
				s.log.LogWarnf("worker for attempt %s interrupted during backoff", a.ID)
				return
			}
			attemptNum = next
		}
	}
}

// submitOnce performs a single gated submitter call. The semaphore is held
// only around the call itself, never across backoff sleeps, so retrying
// attempts do not starve the pool.
func (s *Service) submitOnce(ctx context.Context, a *store.RemovalAttempt) submit.Outcome {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return submit.Failure(fmt.Sprintf("admission cancelled: %v", err))
	}
	defer s.sem.Release(1)

	outcome, err := s.submitter.Submit(ctx, a)
	if err != nil {
		return submit.Failure(err.Error())
	}
	return outcome
}

// writeStore applies a store mutation with a short local retry. Losing a
// status update would break crash consistency, so transient store errors get
// a few quick tries before being logged and abandoned. Writes run on a
// detached context so a shutdown cannot cut off the final transition.
func (s *Service) writeStore(ctx context.Context, attemptID string, fn func(context.Context) error) {
	wctx := context.WithoutCancel(ctx)
	delays := []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second}
	var err error
	for i := 0; ; i++ {
		if err = fn(wctx); err == nil {
			return
		}
		if i >= len(delays) {
			break
		}
		time.Sleep(delays[i])
	}
	s.log.LogErrorf("store update abandoned for attempt %s: %v", attemptID, err)
}

// publish mirrors the event to the in-process bus and, when configured, the
// vault's Redis channel.
func (s *Service) publish(ev Event) {
	s.bus.Publish(ev)
	if s.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.redis.PublishJSON(ctx, EventChannel(ev.VaultID), ev); err != nil {
			s.log.LogDebugf("redis event publish failed: %v", err)
		}
	}
}

// EventChannel returns the Redis pub/sub channel carrying a vault's events.
func EventChannel(vaultID string) string { return "removal:events:" + vaultID }

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
