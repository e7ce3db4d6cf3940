package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// TaskTypeBatchGenerate runs one generation batch.
const TaskTypeBatchGenerate = "batch:generate"

// Queue names in priority order.
var Queues = map[string]int{
	"critical": 6,
	"default":  3,
	"low":      1,
}

// ErrTaskNotFound is returned when no queue knows the task.
var ErrTaskNotFound = errors.New("task not found")

type Queue interface {
	Enqueue(ctx context.Context, task *Task) error
	TaskState(ctx context.Context, taskID string) (string, error)
	Close() error
}

// Task is the envelope stored as the asynq payload.
type Task struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Priority  int               `json:"priority"`
	Payload   json.RawMessage   `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

type Config struct {
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	ProcessTimeout time.Duration
	Concurrency    int
}

// RedisOpt is shared by the client and the worker server.
func (c Config) RedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}

type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	timeout   time.Duration
}

func NewAsynqQueue(cfg Config) *AsynqQueue {
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 2 * time.Hour
	}
	opt := cfg.RedisOpt()
	return &AsynqQueue{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		timeout:   cfg.ProcessTimeout,
	}
}

// QueueFor maps a priority to a queue name.
func QueueFor(priority int) string {
	switch priority {
	case 1:
		return "critical"
	case 2:
		return "default"
	default:
		return "low"
	}
}

// Enqueue submits task once. Batches are not retried by asynq: a rerun would
// duplicate already persisted items.
func (q *AsynqQueue) Enqueue(ctx context.Context, task *Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	opts := []asynq.Option{
		asynq.MaxRetry(0),
		asynq.Timeout(q.timeout),
		asynq.TaskID(task.ID),
		asynq.Queue(QueueFor(task.Priority)),
	}
	t := asynq.NewTask(task.Type, payload, opts...)
	if _, err := q.client.EnqueueContext(ctx, t); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// TaskState reports the asynq state of a task that has not finished yet.
func (q *AsynqQueue) TaskState(_ context.Context, taskID string) (string, error) {
	for name := range Queues {
		info, err := q.inspector.GetTaskInfo(name, taskID)
		if err == nil {
			return info.State.String(), nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

func (q *AsynqQueue) Close() error {
	if err := q.inspector.Close(); err != nil {
		return fmt.Errorf("failed to close inspector: %w", err)
	}
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("failed to close client: %w", err)
	}
	return nil
}
