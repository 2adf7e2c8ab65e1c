// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package queue is the Redis-backed handoff between the web service and the
// analysis workers. Jobs are JSON payloads on a single list; producers LPUSH
// and consumers BRPOP, so delivery order is FIFO and a job is consumed by
// exactly one worker.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// JobsKey is the Redis list holding pending analysis jobs.
const JobsKey = "aperisolve:jobs"

// popTimeout bounds each BRPOP so consumers notice context cancellation.
const popTimeout = 5 * time.Second

// Job is the unit of handoff. The submission record in the registry carries
// everything else; the queue only names it.
type Job struct {
	SubmissionHash string    `json:"submission_hash"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	JobID          string    `json:"job_id"`
}

// Queue wraps the Redis connection for the jobs list.
type Queue struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, addr string) (*Queue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	return &Queue{client: client}, nil
}

// NewFromClient wraps an existing client. Tests use this with miniredis.
func NewFromClient(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Close releases the connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

// Enqueue adds a submission to the jobs list and returns the job.
func (q *Queue) Enqueue(ctx context.Context, submissionHash string) (Job, error) {
	job := Job{
		SubmissionHash: submissionHash,
		EnqueuedAt:     time.Now().UTC(),
		JobID:          uuid.NewString(),
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return Job{}, fmt.Errorf("encode job: %w", err)
	}
	if err := q.client.LPush(ctx, JobsKey, payload).Err(); err != nil {
		return Job{}, fmt.Errorf("enqueue %s: %w", submissionHash, err)
	}
	return job, nil
}

// Dequeue blocks until a job is available or the context ends. Context
// cancellation surfaces as the context's error.
func (q *Queue) Dequeue(ctx context.Context) (Job, error) {
	for {
		res, err := q.client.BRPop(ctx, popTimeout, JobsKey).Result()
		if errors.Is(err, redis.Nil) {
			if err := ctx.Err(); err != nil {
				return Job{}, err
			}
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Job{}, ctxErr
			}
			return Job{}, fmt.Errorf("dequeue: %w", err)
		}
		// BRPOP returns [key, value].
		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return Job{}, fmt.Errorf("decode job payload: %w", err)
		}
		return job, nil
	}
}

// Depth returns the number of pending jobs.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, JobsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// Clear drops all pending jobs. CLEAR_AT_RESTART only.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.client.Del(ctx, JobsKey).Err(); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}
