package tasks

import (
	"time"

	"remover/internal/platform/redis"

	"github.com/hibiken/asynq"
)

const (
	TaskTypeVerify = "removal:verify"
)

type Client struct{ c *asynq.Client }

func New(r *redis.Service) *Client { return &Client{c: asynq.NewClient(r.AsynqRedisOpt())} }

func (t *Client) Close() error { return t.c.Close() }

// EnqueueIn schedules a task for processing after the given delay.
func (t *Client) EnqueueIn(task *asynq.Task, queue string, maxRetries int, delay time.Duration) error {
	_, err := t.c.Enqueue(task, asynq.Queue(queue), asynq.MaxRetry(maxRetries), asynq.ProcessIn(delay))
	return err
}
