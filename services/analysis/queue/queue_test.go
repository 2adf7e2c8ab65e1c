// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewFromClient(client)
}

func TestEnqueueDequeue_FIFO(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	j1, err := q.Enqueue(ctx, "hash-one")
	require.NoError(t, err)
	assert.NotEmpty(t, j1.JobID)
	assert.False(t, j1.EnqueuedAt.IsZero())

	j2, err := q.Enqueue(ctx, "hash-two")
	require.NoError(t, err)
	assert.NotEqual(t, j1.JobID, j2.JobID)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hash-one", got.SubmissionHash)

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hash-two", got.SubmissionHash)
}

func TestDequeue_ContextCancel(t *testing.T) {
	q := openTestQueue(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDepthAndClear(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "a")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "b")
	require.NoError(t, err)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	require.NoError(t, q.Clear(ctx))
	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}
