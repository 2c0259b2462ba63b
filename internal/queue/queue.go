package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bobarin/ttsfx/internal/models"
	"github.com/go-redis/redis/v8"
)

const (
	QueueSynthesize = "queue:synthesize"

	jobKeyPrefix = "job:"
	// Finished jobs stay queryable for a day.
	jobTTL = 24 * time.Hour
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job id already in use")
)

type Queue struct {
	client *redis.Client
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Enqueue stores the job record and pushes it onto the synthesize queue.
// The id is reserved atomically, so two jobs can never share output files.
func (q *Queue) Enqueue(ctx context.Context, job *models.Job) error {
	now := time.Now().UTC()
	job.Status = models.JobStatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ok, err := q.client.SetNX(ctx, jobKey(job.ID), data, jobTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve job: %w", err)
	}
	if !ok {
		return ErrJobExists
	}

	if err := q.client.RPush(ctx, QueueSynthesize, data).Err(); err != nil {
		q.client.Del(ctx, jobKey(job.ID))
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next job. It returns nil, nil when
// nothing arrived.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*models.Job, error) {
	result, err := q.client.BLPop(ctx, timeout, QueueSynthesize).Result()
	if err == redis.Nil {
		return nil, nil // No job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var job models.Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// SaveJob overwrites the job record and refreshes its TTL.
func (q *Queue) SaveJob(ctx context.Context, job *models.Job) error {
	job.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return q.client.Set(ctx, jobKey(job.ID), data, jobTTL).Err()
}

func (q *Queue) GetJob(ctx context.Context, id string) (*models.Job, error) {
	data, err := q.client.Get(ctx, jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (q *Queue) GetQueueLength(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, QueueSynthesize).Result()
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
