package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func jobsKey(list string) string { return "cmdpool:jobs:" + list }

// JobRepository deals with the job-line list at cmdpool:jobs:<list>.
// Each entry is one textual job line; cmdline.Split turns it into an argv
// on the consuming side. The list is an ingestion queue, not supervisor
// state: nothing about running children is written back.
type JobRepository struct {
	client *Client
	log    *zap.Logger
	key    string
}

func NewJobRepository(log *zap.Logger, client *Client, list string) *JobRepository {
	return &JobRepository{
		client: client,
		log:    log.Named("jobs"),
		key:    jobsKey(list),
	}
}

// Enqueue appends one job line to the tail of the list.
func (r *JobRepository) Enqueue(ctx context.Context, line string) error {
	if err := r.client.RPush(ctx, r.key, line).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", r.key, err)
	}
	return nil
}

// Dequeue pops one job line from the head of the list. ok is false when
// the list is empty.
func (r *JobRepository) Dequeue(ctx context.Context) (line string, ok bool, err error) {
	line, err = r.client.LPop(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lpop %s: %w", r.key, err)
	}
	return line, true, nil
}

// Len reports the number of queued job lines.
func (r *JobRepository) Len(ctx context.Context) (int64, error) {
	n, err := r.client.LLen(ctx, r.key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", r.key, err)
	}
	return n, nil
}
