package jobs

import (
	"context"
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPermissionCacheWarmup recompiles effective permissions into
	// the cache after a version bump.
	TaskPermissionCacheWarmup = "perm:cache_warmup"
)

// CacheWarmupPayload scopes a warmup run. An empty scope warms every
// known user.
type CacheWarmupPayload struct {
	Scope string `json:"scope"`
}

// NewCacheWarmupTask constructs an Asynq task.
func NewCacheWarmupTask(scope string) (*asynq.Task, error) {
	data, err := json.Marshal(CacheWarmupPayload{Scope: scope})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPermissionCacheWarmup, data), nil
}

// Client enqueues gatekeeper background tasks.
type Client struct {
	inner *asynq.Client
}

// NewClient constructs an enqueue-only client.
func NewClient(opts asynq.RedisClientOpt) *Client {
	return &Client{inner: asynq.NewClient(opts)}
}

// EnqueueCacheWarmup schedules a full cache warmup run.
func (c *Client) EnqueueCacheWarmup(ctx context.Context) error {
	task, err := NewCacheWarmupTask("")
	if err != nil {
		return err
	}
	_, err = c.inner.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
	return err
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.inner.Close()
}
