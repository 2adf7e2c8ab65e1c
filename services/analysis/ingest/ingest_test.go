// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zeecka/AperiSolve/services/analysis/artifacts"
	"github.com/Zeecka/AperiSolve/services/analysis/queue"
	"github.com/Zeecka/AperiSolve/services/analysis/registry"
	"github.com/Zeecka/AperiSolve/services/analysis/sweep"
	storebadger "github.com/Zeecka/AperiSolve/services/analysis/storage/badger"
)

const testMaxBytes = 1 << 20

type fixture struct {
	reg   *registry.Registry
	store *artifacts.Store
	jobs  *queue.Queue
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := storebadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	root := t.TempDir()
	store, err := artifacts.NewStore(root+"/results", root+"/removed")
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	jobs := queue.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	reg := registry.New(db)
	sweeper := sweep.New(reg, store, 10*time.Minute, 72*time.Hour, nil, nil)
	return &fixture{
		reg:   reg,
		store: store,
		jobs:  jobs,
		svc:   New(reg, store, jobs, sweeper, testMaxBytes, nil, nil, nil),
	}
}

func upload() Upload {
	return Upload{
		Data:      []byte("fake image bytes"),
		Filename:  "secret.PNG",
		ClientIP:  "203.0.113.7",
		UserAgent: "curl/8.0",
	}
}

func TestValidate(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.svc.Validate(Upload{Filename: "a.png"}), ErrNoImage)
	assert.ErrorIs(t, f.svc.Validate(Upload{Data: []byte("x")}), ErrNoImage)
	assert.ErrorIs(t, f.svc.Validate(Upload{Data: []byte("x"), Filename: "noext"}), ErrUnsupportedType)
	assert.ErrorIs(t, f.svc.Validate(Upload{Data: []byte("x"), Filename: "a.exe"}), ErrUnsupportedType)

	big := Upload{Data: make([]byte, testMaxBytes+1), Filename: "a.png"}
	assert.ErrorIs(t, f.svc.Validate(big), ErrTooLarge)

	assert.NoError(t, f.svc.Validate(Upload{Data: []byte("x"), Filename: "a.JPEG"}))
}

func TestSubmissionHash_CommitsToParameters(t *testing.T) {
	data := []byte("same bytes")

	base := SubmissionHash(data, "a.png", "", false)
	assert.Equal(t, base, SubmissionHash(data, "a.png", "", false))
	assert.NotEqual(t, base, SubmissionHash(data, "b.png", "", false))
	assert.NotEqual(t, base, SubmissionHash(data, "a.png", "hunter2", false))
	assert.NotEqual(t, base, SubmissionHash(data, "a.png", "", true))
}

func TestIngest_NewSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	up := upload()

	subHash, err := f.svc.Ingest(ctx, up)
	require.NoError(t, err)
	assert.Equal(t, SubmissionHash(up.Data, up.Filename, "", false), subHash)

	imgHash := ImageHash(up.Data)
	img, err := f.reg.GetImage(ctx, imgHash)
	require.NoError(t, err)
	assert.Equal(t, imgHash+".png", img.File, "blob suffix is lowercased")
	assert.Equal(t, 1, img.UploadCount)
	assert.Equal(t, int64(len(up.Data)), img.Size)
	assert.FileExists(t, f.store.BlobPath(imgHash, img.File))
	assert.True(t, f.store.SubmissionDirExists(imgHash, subHash))

	sub, err := f.reg.GetSubmission(ctx, subHash)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusPending, sub.Status)
	assert.Equal(t, up.Filename, sub.Filename)

	depth, err := f.jobs.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)

	logs, err := f.reg.LogsBySubmission(ctx, subHash)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "203.0.113.7", logs[0].IPAddress)
}

func TestIngest_DedupDoesNotReenqueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	up := upload()

	first, err := f.svc.Ingest(ctx, up)
	require.NoError(t, err)
	second, err := f.svc.Ingest(ctx, up)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	img, err := f.reg.GetImage(ctx, ImageHash(up.Data))
	require.NoError(t, err)
	assert.Equal(t, 1, img.UploadCount, "dedup hit does not count as an upload")

	depth, err := f.jobs.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)

	logs, err := f.reg.LogsBySubmission(ctx, first)
	require.NoError(t, err)
	assert.Len(t, logs, 2, "the log records dedup hits too")
}

func TestIngest_SameImageDifferentParams(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	plain, err := f.svc.Ingest(ctx, upload())
	require.NoError(t, err)

	withPassword := upload()
	withPassword.Password = "hunter2"
	protected, err := f.svc.Ingest(ctx, withPassword)
	require.NoError(t, err)
	assert.NotEqual(t, plain, protected)

	img, err := f.reg.GetImage(ctx, ImageHash(upload().Data))
	require.NoError(t, err)
	assert.Equal(t, 2, img.UploadCount)
	assert.ElementsMatch(t, []string{plain, protected}, img.Submissions)

	depth, err := f.jobs.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, depth)
}

func TestIngest_ResetsSurvivingSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	up := upload()

	subHash, err := f.svc.Ingest(ctx, up)
	require.NoError(t, err)
	require.NoError(t, f.reg.SetSubmissionStatus(ctx, subHash, registry.StatusError))

	// The record survived but the directory is gone, so this is not a
	// dedup hit: the submission is reset and re-enqueued.
	require.NoError(t, f.store.RemoveSubmission(ImageHash(up.Data), subHash))

	again, err := f.svc.Ingest(ctx, up)
	require.NoError(t, err)
	assert.Equal(t, subHash, again)

	sub, err := f.reg.GetSubmission(ctx, subHash)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusPending, sub.Status)

	depth, err := f.jobs.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, depth)
}
