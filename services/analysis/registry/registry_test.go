// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storebadger "github.com/Zeecka/AperiSolve/services/analysis/storage/badger"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := storebadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func testImage(hash string) Image {
	now := time.Now().UTC().Truncate(time.Second)
	return Image{
		Hash:                hash,
		File:                hash + ".png",
		Size:                1234,
		UploadCount:         1,
		FirstSubmissionDate: now,
		LastSubmissionDate:  now,
	}
}

func TestImageRoundTrip(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	img := testImage("aaaa")
	require.NoError(t, reg.PutImage(ctx, img))

	got, err := reg.GetImage(ctx, "aaaa")
	require.NoError(t, err)
	assert.Equal(t, img.File, got.File)
	assert.Equal(t, img.Size, got.Size)

	_, err = reg.GetImage(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateSubmission_AttachesToImage(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.PutImage(ctx, testImage("img1")))

	sub := Submission{
		Hash:      "sub1",
		Filename:  "cat.png",
		Status:    StatusPending,
		Date:      time.Now().UTC(),
		ImageHash: "img1",
	}
	require.NoError(t, reg.CreateSubmission(ctx, sub))

	img, err := reg.GetImage(ctx, "img1")
	require.NoError(t, err)
	assert.Equal(t, []string{"sub1"}, img.Submissions)

	// Re-creating the same submission must not duplicate the link.
	require.NoError(t, reg.CreateSubmission(ctx, sub))
	img, err = reg.GetImage(ctx, "img1")
	require.NoError(t, err)
	assert.Equal(t, []string{"sub1"}, img.Submissions)
}

func TestCreateSubmission_MissingImage(t *testing.T) {
	reg := openTestRegistry(t)

	err := reg.CreateSubmission(context.Background(), Submission{Hash: "s", ImageHash: "nope"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetSubmissionStatus(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.PutImage(ctx, testImage("img1")))
	require.NoError(t, reg.CreateSubmission(ctx, Submission{Hash: "sub1", ImageHash: "img1", Status: StatusPending}))

	require.NoError(t, reg.SetSubmissionStatus(ctx, "sub1", StatusRunning))
	sub, err := reg.GetSubmission(ctx, "sub1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, sub.Status)

	assert.ErrorIs(t, reg.SetSubmissionStatus(ctx, "ghost", StatusError), ErrNotFound)
}

func TestClearPassword(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.PutImage(ctx, testImage("img1")))
	require.NoError(t, reg.CreateSubmission(ctx, Submission{Hash: "sub1", ImageHash: "img1", Password: "hunter2"}))

	require.NoError(t, reg.ClearPassword(ctx, "sub1"))
	sub, err := reg.GetSubmission(ctx, "sub1")
	require.NoError(t, err)
	assert.Empty(t, sub.Password)
}

func TestDeleteSubmission_DetachesAndReportsLast(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.PutImage(ctx, testImage("img1")))
	require.NoError(t, reg.CreateSubmission(ctx, Submission{Hash: "s1", ImageHash: "img1"}))
	require.NoError(t, reg.CreateSubmission(ctx, Submission{Hash: "s2", ImageHash: "img1"}))

	_, last, err := reg.DeleteSubmission(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, last)

	img, last, err := reg.DeleteSubmission(ctx, "s2")
	require.NoError(t, err)
	assert.True(t, last)
	assert.Empty(t, img.Submissions)

	_, err = reg.GetSubmission(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteImage_RemovesOwnedSubmissions(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	img := testImage("img1")
	require.NoError(t, reg.PutImage(ctx, img))
	require.NoError(t, reg.CreateSubmission(ctx, Submission{Hash: "s1", ImageHash: "img1"}))
	require.NoError(t, reg.CreateSubmission(ctx, Submission{Hash: "s2", ImageHash: "img1"}))

	require.NoError(t, reg.DeleteImage(ctx, "img1"))

	_, err := reg.GetImage(ctx, "img1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = reg.GetSubmission(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = reg.GetSubmission(ctx, "s2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListImages(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.PutImage(ctx, testImage("img1")))
	require.NoError(t, reg.PutImage(ctx, testImage("img2")))

	images, err := reg.ListImages(ctx)
	require.NoError(t, err)
	assert.Len(t, images, 2)
}

func TestAppendUploadLog_SequencesAndIndexes(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	r1, err := reg.AppendUploadLog(ctx, UploadLog{
		IPAddress: "10.0.0.1", UserAgent: "curl", ImageHash: "img1", SubmissionHash: "s1", Filename: "a.png",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r1.Seq)
	assert.False(t, r1.Date.IsZero())

	r2, err := reg.AppendUploadLog(ctx, UploadLog{
		IPAddress: "10.0.0.2", UserAgent: "curl", ImageHash: "img1", SubmissionHash: "s2", Filename: "a.png",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r2.Seq)

	byImage, err := reg.LogsByImage(ctx, "img1")
	require.NoError(t, err)
	require.Len(t, byImage, 2)
	assert.Equal(t, uint64(1), byImage[0].Seq)
	assert.Equal(t, uint64(2), byImage[1].Seq)

	bySub, err := reg.LogsBySubmission(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, bySub, 1)
	assert.Equal(t, "10.0.0.1", bySub[0].IPAddress)

	ips := UniqueUploadIPs(byImage)
	assert.Len(t, ips, 2)
}

func TestWipe(t *testing.T) {
	reg := openTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.PutImage(ctx, testImage("img1")))
	_, err := reg.AppendUploadLog(ctx, UploadLog{ImageHash: "img1", SubmissionHash: "s1"})
	require.NoError(t, err)

	require.NoError(t, reg.Wipe(ctx))

	_, err = reg.GetImage(ctx, "img1")
	assert.ErrorIs(t, err, ErrNotFound)
	logs, err := reg.LogsByImage(ctx, "img1")
	require.NoError(t, err)
	assert.Empty(t, logs)
}
