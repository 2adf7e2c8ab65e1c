// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zeecka/AperiSolve/services/analysis/aggregate"
	"github.com/Zeecka/AperiSolve/services/analysis/artifacts"
	"github.com/Zeecka/AperiSolve/services/analysis/config"
	"github.com/Zeecka/AperiSolve/services/analysis/ingest"
	"github.com/Zeecka/AperiSolve/services/analysis/queue"
	"github.com/Zeecka/AperiSolve/services/analysis/registry"
	storebadger "github.com/Zeecka/AperiSolve/services/analysis/storage/badger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	reg    *registry.Registry
	store  *artifacts.Store
	jobs   *queue.Queue
	router *gin.Engine
	cfg    config.Config
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

	cfg := config.DefaultConfig()
	reg := registry.New(db)
	ing := ingest.New(reg, store, jobs, nil, cfg.MaxContentLength, nil, nil, nil)
	removal := registry.NewRemovalPolicy(reg, store, cfg.RemovalMinAgeDuration())
	h := NewHandlers(reg, store, ing, removal, cfg.RemovalMinAge, nil)

	return &fixture{
		reg:    reg,
		store:  store,
		jobs:   jobs,
		router: NewRouter(cfg, h, nil),
		cfg:    cfg,
	}
}

// multipartUpload builds a multipart body with an image part and optional
// form fields.
func multipartUpload(t *testing.T, filename string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	if filename != "" {
		part, err := mw.CreateFormFile("image", filename)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) upload(t *testing.T, filename string, data []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartUpload(t, filename, data, fields)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	req.Header.Set("User-Agent", "go-test")
	return f.do(req)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestUpload_HappyPath(t *testing.T) {
	f := newFixture(t)

	w := f.upload(t, "secret.png", []byte("image bytes"), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	subHash, _ := decode(t, w)["submission_hash"].(string)
	require.NotEmpty(t, subHash)

	status := f.do(httptest.NewRequest(http.MethodGet, "/status/"+subHash, nil))
	require.Equal(t, http.StatusOK, status.Code)
	assert.Equal(t, "pending", decode(t, status)["status"])

	depth, err := f.jobs.Depth(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
}

func TestUpload_Validation(t *testing.T) {
	f := newFixture(t)

	w := f.upload(t, "", nil, map[string]string{"password": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "No image provided", decode(t, w)["error"])

	w = f.upload(t, "tool.exe", []byte("MZ"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Unsupported file type", decode(t, w)["error"])

	big := make([]byte, f.cfg.MaxContentLength+1)
	w = f.upload(t, "big.png", big, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "Image size exceeded", decode(t, w)["error"])
}

func TestStatus_Unknown(t *testing.T) {
	f := newFixture(t)
	w := f.do(httptest.NewRequest(http.MethodGet, "/status/deadbeef", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestInfos(t *testing.T) {
	f := newFixture(t)

	w := f.upload(t, "first.png", []byte("image bytes"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = f.upload(t, "second.png", []byte("image bytes"), map[string]string{"password": "hunter2"})
	require.Equal(t, http.StatusOK, w.Code)
	subHash, _ := decode(t, w)["submission_hash"].(string)

	infos := f.do(httptest.NewRequest(http.MethodGet, "/infos/"+subHash, nil))
	require.Equal(t, http.StatusOK, infos.Code)
	got := decode(t, infos)

	assert.ElementsMatch(t, []any{"first.png", "second.png"}, got["names"])
	assert.ElementsMatch(t, []any{"hunter2"}, got["passwords"])
	assert.EqualValues(t, 2, got["upload_count"])
	assert.EqualValues(t, len("image bytes"), got["size"])
	assert.EqualValues(t, f.cfg.RemovalMinAge, got["removal_min_age_seconds"])
	imgHash := ingest.ImageHash([]byte("image bytes"))
	assert.Equal(t, "image/"+imgHash+".png", got["image_path"])
}

func TestResult_Lifecycle(t *testing.T) {
	f := newFixture(t)

	w := f.upload(t, "secret.png", []byte("image bytes"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	subHash, _ := decode(t, w)["submission_hash"].(string)

	early := f.do(httptest.NewRequest(http.MethodGet, "/result/"+subHash, nil))
	assert.Equal(t, http.StatusTooEarly, early.Code)
	assert.Equal(t, "Results not ready yet...", decode(t, early)["error"])

	imgHash := ingest.ImageHash([]byte("image bytes"))
	agg := aggregate.New()
	require.NoError(t, agg.Merge(f.store.SubmissionDir(imgHash, subHash), "file", aggregate.OK("PNG image data")))

	ready := f.do(httptest.NewRequest(http.MethodGet, "/result/"+subHash, nil))
	require.Equal(t, http.StatusOK, ready.Code)
	results, ok := decode(t, ready)["results"].(map[string]any)
	require.True(t, ok)
	frag, ok := results["file"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", frag["status"])
}

func TestDownload(t *testing.T) {
	f := newFixture(t)

	w := f.upload(t, "secret.png", []byte("image bytes"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	subHash, _ := decode(t, w)["submission_hash"].(string)
	imgHash := ingest.ImageHash([]byte("image bytes"))

	// Not in the downloadable set.
	resp := f.do(httptest.NewRequest(http.MethodGet, "/download/"+subHash+"/strings", nil))
	assert.Equal(t, http.StatusNotFound, resp.Code)

	// In the set but never produced.
	resp = f.do(httptest.NewRequest(http.MethodGet, "/download/"+subHash+"/binwalk", nil))
	assert.Equal(t, http.StatusNotFound, resp.Code)

	archive := artifacts.ArchivePath(f.store.SubmissionDir(imgHash, subHash), "binwalk")
	require.NoError(t, os.WriteFile(archive, []byte("7z payload"), 0o644))

	resp = f.do(httptest.NewRequest(http.MethodGet, "/download/"+subHash+"/binwalk", nil))
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Header().Get("Content-Disposition"), "binwalk.7z")
	assert.Equal(t, "7z payload", resp.Body.String())
}

func TestImageRoutes(t *testing.T) {
	f := newFixture(t)

	w := f.upload(t, "secret.png", []byte("image bytes"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	subHash, _ := decode(t, w)["submission_hash"].(string)
	imgHash := ingest.ImageHash([]byte("image bytes"))

	blob := f.do(httptest.NewRequest(http.MethodGet, "/image/"+imgHash+".png", nil))
	require.Equal(t, http.StatusOK, blob.Code)
	assert.Equal(t, "image bytes", blob.Body.String())

	derivedPath := filepath.Join(f.store.SubmissionDir(imgHash, subHash), "Red_bit_0.png")
	require.NoError(t, os.WriteFile(derivedPath, []byte("plane"), 0o644))

	derived := f.do(httptest.NewRequest(http.MethodGet, "/image/"+subHash+"/Red_bit_0.png", nil))
	require.Equal(t, http.StatusOK, derived.Code)
	assert.Equal(t, "plane", derived.Body.String())

	// results.json lives in the same dir but is not a servable image.
	blocked := f.do(httptest.NewRequest(http.MethodGet, "/image/"+subHash+"/results.json", nil))
	assert.Equal(t, http.StatusNotFound, blocked.Code)

	missing := f.do(httptest.NewRequest(http.MethodGet, "/image/"+subHash+"/nope.png", nil))
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

// seedAged registers an image and submission dated `age` ago with one
// upload-log row per IP.
func (f *fixture) seedAged(t *testing.T, age time.Duration, password string, ips ...string) string {
	t.Helper()
	ctx := context.Background()
	then := time.Now().UTC().Add(-age)

	require.NoError(t, f.reg.PutImage(ctx, registry.Image{
		Hash: "img1", File: "img1.png", UploadCount: 1,
		FirstSubmissionDate: then, LastSubmissionDate: then,
	}))
	require.NoError(t, f.store.WriteBlob("img1", "img1.png", []byte("blob")))
	require.NoError(t, f.reg.CreateSubmission(ctx, registry.Submission{
		Hash: "sub1", Filename: "secret.png", Password: password,
		Status: registry.StatusCompleted, Date: then, ImageHash: "img1",
	}))
	_, err := f.store.EnsureSubmissionDir("img1", "sub1")
	require.NoError(t, err)
	for _, ip := range ips {
		_, err := f.reg.AppendUploadLog(ctx, registry.UploadLog{
			IPAddress: ip, UserAgent: "go-test",
			ImageHash: "img1", SubmissionHash: "sub1", Filename: "secret.png",
		})
		require.NoError(t, err)
	}
	return "sub1"
}

func TestRemove_TooYoung(t *testing.T) {
	f := newFixture(t)
	subHash := f.seedAged(t, time.Minute, "", "203.0.113.7")

	w := f.do(httptest.NewRequest(http.MethodPost, "/remove/"+subHash, nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "Image must be at least 5 minutes old. Current age: 60s",
		decode(t, w)["error"])
}

func TestRemove_MultipleUploaders(t *testing.T) {
	f := newFixture(t)
	subHash := f.seedAged(t, time.Hour, "", "203.0.113.7", "198.51.100.2")

	w := f.do(httptest.NewRequest(http.MethodPost, "/remove/"+subHash, nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
	got := decode(t, w)
	assert.Equal(t, "Image uploaded from multiple IP addresses. Removal is not allowed.", got["error"])
	assert.EqualValues(t, 2, got["ip_count"])
}

func TestRemove_Success(t *testing.T) {
	f := newFixture(t)
	subHash := f.seedAged(t, time.Hour, "", "203.0.113.7")

	w := f.do(httptest.NewRequest(http.MethodPost, "/remove/"+subHash, nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Image successfully removed", decode(t, w)["message"])

	_, err := f.reg.GetSubmission(context.Background(), subHash)
	assert.ErrorIs(t, err, registry.ErrNotFound)
	assert.NoDirExists(t, f.store.ImageDir("img1"))
}

func TestRemovePassword(t *testing.T) {
	f := newFixture(t)
	subHash := f.seedAged(t, time.Hour, "hunter2", "203.0.113.7")

	w := f.do(httptest.NewRequest(http.MethodPost, "/remove_password/"+subHash, nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Password successfully removed", decode(t, w)["message"])

	sub, err := f.reg.GetSubmission(context.Background(), subHash)
	require.NoError(t, err)
	assert.Empty(t, sub.Password)

	again := f.do(httptest.NewRequest(http.MethodPost, "/remove_password/"+subHash, nil))
	assert.Equal(t, http.StatusBadRequest, again.Code)
	assert.Equal(t, "No password to remove", decode(t, again)["error"])
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}
