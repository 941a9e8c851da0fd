package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/shiftbill/shiftbill/jobs"
)

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *jobs.Client
	inspector *asynq.Inspector
	poll      time.Duration
}

var _ Queue = (*JobsCLI)(nil)

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) (*JobsCLI, error) {
	opt, err := jobs.RedisOpt(redisAddr)
	if err != nil {
		return nil, err
	}
	client, err := jobs.NewClient(opt)
	if err != nil {
		return nil, err
	}
	inspector := asynq.NewInspector(opt)
	return &JobsCLI{client: client, inspector: inspector, poll: 500 * time.Millisecond}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// EnqueueTick enqueues a tick; coalesced reports an identical tick already queued.
func (c *JobsCLI) EnqueueTick(ctx context.Context, payload jobs.TickPayload) (*asynq.TaskInfo, bool, error) {
	if c == nil || c.client == nil {
		return nil, false, errors.New("jobs cli: client not configured")
	}
	return c.client.EnqueueTick(ctx, payload)
}

// RunForAndWait enqueues a run_for task and blocks until the worker stores
// its result or wait elapses.
func (c *JobsCLI) RunForAndWait(ctx context.Context, payload jobs.RunForPayload, wait time.Duration) (jobs.RunForResult, error) {
	if c == nil || c.client == nil || c.inspector == nil {
		return jobs.RunForResult{}, errors.New("jobs cli: client not configured")
	}
	info, err := c.client.EnqueueRunFor(ctx, payload)
	if err != nil {
		return jobs.RunForResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return jobs.RunForResult{}, fmt.Errorf("jobs cli: task %s still %s: %w", info.ID, info.State, ctx.Err())
		case <-ticker.C:
		}
		info, err = c.inspector.GetTaskInfo(info.Queue, info.ID)
		if err != nil {
			return jobs.RunForResult{}, err
		}
		switch info.State {
		case asynq.TaskStateCompleted:
			var result jobs.RunForResult
			if err := json.Unmarshal(info.Result, &result); err != nil {
				return jobs.RunForResult{}, fmt.Errorf("jobs cli: decode result: %w", err)
			}
			return result, nil
		case asynq.TaskStateArchived:
			return jobs.RunForResult{}, fmt.Errorf("jobs cli: task %s failed: %s", info.ID, info.LastErr)
		}
	}
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Completed int    `json:"completed"`
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Archived = info.Archived
		stats.Completed = info.Completed
	}
	return stats, nil
}

// ListScheduled returns scheduled task infos for observability.
func (c *JobsCLI) ListScheduled(ctx context.Context, size int) ([]*asynq.TaskInfo, error) {
	if c == nil || c.inspector == nil {
		return nil, errors.New("jobs cli: inspector not configured")
	}
	if size <= 0 {
		size = 10
	}
	return c.inspector.ListScheduledTasks(jobs.QueueDefault, asynq.PageSize(size), asynq.Page(1))
}
