// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package web is the HTTP front-end: upload, status, results, downloads
// and the two user-initiated removal flows. Handlers translate between the
// JSON surface and the analysis services; no analysis logic lives here.
package web

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Zeecka/AperiSolve/services/analysis/aggregate"
	"github.com/Zeecka/AperiSolve/services/analysis/artifacts"
	"github.com/Zeecka/AperiSolve/services/analysis/config"
	"github.com/Zeecka/AperiSolve/services/analysis/ingest"
	"github.com/Zeecka/AperiSolve/services/analysis/registry"
)

// downloadableTools lists the analyzers whose archives may be fetched.
var downloadableTools = map[string]struct{}{
	"binwalk":   {},
	"foremost":  {},
	"steghide":  {},
	"zsteg":     {},
	"openstego": {},
	"pcrt":      {},
	"jpseek":    {},
}

// Handlers holds the HTTP handlers and their dependencies.
type Handlers struct {
	reg           *registry.Registry
	store         *artifacts.Store
	ingest        *ingest.Service
	removal       *registry.RemovalPolicy
	removalMinAge int
	logger        *slog.Logger
}

// NewHandlers wires the handlers. removalMinAge is echoed to clients in
// /infos so the UI can grey out the removal button.
func NewHandlers(reg *registry.Registry, store *artifacts.Store, ing *ingest.Service,
	removal *registry.RemovalPolicy, removalMinAge int, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		reg:           reg,
		store:         store,
		ingest:        ing,
		removal:       removal,
		removalMinAge: removalMinAge,
		logger:        logger,
	}
}

// HandleUpload accepts a multipart upload and returns its submission hash.
func (h *Handlers) HandleUpload(c *gin.Context) {
	file, header, err := c.Request.FormFile("image")
	if err != nil {
		// MaxBytesReader truncates the body, which surfaces here as a
		// multipart parse error.
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Image size exceeded"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "No image provided"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Image size exceeded"})
		return
	}

	subHash, err := h.ingest.Ingest(c.Request.Context(), ingest.Upload{
		Data:      data,
		Filename:  header.Filename,
		Password:  c.PostForm("password"),
		Deep:      c.PostForm("deep") == "true",
		ClientIP:  ClientIP(c),
		UserAgent: UserAgent(c),
	})
	switch {
	case errors.Is(err, ingest.ErrNoImage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "No image provided"})
	case errors.Is(err, ingest.ErrUnsupportedType):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unsupported file type"})
	case errors.Is(err, ingest.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Image size exceeded"})
	case err != nil:
		h.logger.Error("ingest failed", slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Upload failed"})
	default:
		c.JSON(http.StatusOK, gin.H{"submission_hash": subHash})
	}
}

// HandleStatus reports a submission's lifecycle status.
func (h *Handlers) HandleStatus(c *gin.Context) {
	sub, err := h.reg.GetSubmission(c.Request.Context(), c.Param("hash"))
	if err != nil {
		h.notFound(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": sub.Status})
}

// HandleInfos reports image metadata plus every filename and password its
// submissions were uploaded under.
func (h *Handlers) HandleInfos(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := h.reg.GetSubmission(ctx, c.Param("hash"))
	if err != nil {
		h.notFound(c, err)
		return
	}
	img, err := h.reg.GetImage(ctx, sub.ImageHash)
	if err != nil {
		h.notFound(c, err)
		return
	}

	names := []string{}
	passwords := []string{}
	seenName := map[string]struct{}{}
	seenPwd := map[string]struct{}{}
	for _, hash := range img.Submissions {
		sibling, err := h.reg.GetSubmission(ctx, hash)
		if err != nil {
			continue
		}
		if _, dup := seenName[sibling.Filename]; sibling.Filename != "" && !dup {
			seenName[sibling.Filename] = struct{}{}
			names = append(names, sibling.Filename)
		}
		if _, dup := seenPwd[sibling.Password]; sibling.Password != "" && !dup {
			seenPwd[sibling.Password] = struct{}{}
			passwords = append(passwords, sibling.Password)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"image_path":              "image/" + img.File,
		"names":                   names,
		"size":                    img.Size,
		"first_submission_date":   img.FirstSubmissionDate,
		"last_submission_date":    img.LastSubmissionDate,
		"upload_count":            img.UploadCount,
		"passwords":               passwords,
		"removal_min_age_seconds": h.removalMinAge,
		"submission_date":         sub.Date,
	})
}

// HandleResult relays the submission's result document, 425 until it
// materializes.
func (h *Handlers) HandleResult(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := h.reg.GetSubmission(ctx, c.Param("hash"))
	if err != nil {
		h.notFound(c, err)
		return
	}

	raw, err := aggregate.ReadRaw(h.store.SubmissionDir(sub.ImageHash, sub.Hash))
	if errors.Is(err, os.ErrNotExist) {
		c.JSON(http.StatusTooEarly, gin.H{"error": "Results not ready yet..."})
		return
	}
	if err != nil {
		h.logger.Error("read results failed",
			slog.String("submission", sub.Hash), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read results"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": raw})
}

// HandleDownload serves an analyzer's extraction archive.
func (h *Handlers) HandleDownload(c *gin.Context) {
	tool := c.Param("tool")
	if _, ok := downloadableTools[tool]; !ok {
		h.notFound(c, registry.ErrNotFound)
		return
	}

	sub, err := h.reg.GetSubmission(c.Request.Context(), c.Param("hash"))
	if err != nil {
		h.notFound(c, err)
		return
	}

	archive := artifacts.ArchivePath(h.store.SubmissionDir(sub.ImageHash, sub.Hash), tool)
	if _, err := os.Stat(archive); err != nil {
		h.notFound(c, err)
		return
	}
	c.FileAttachment(archive, tool+artifacts.ArchiveExt)
}

// HandleImageBlob serves the canonical blob by its `<hash>.<ext>` name.
func (h *Handlers) HandleImageBlob(c *gin.Context) {
	name := c.Param("name")
	hash, _, _ := strings.Cut(name, ".")
	img, err := h.reg.GetImage(c.Request.Context(), hash)
	if err != nil {
		h.notFound(c, err)
		return
	}
	h.serveImage(c, h.store.BlobPath(img.Hash, img.File), img.File)
}

// HandleDerivedImage serves a generated image from a submission directory
// (bit planes, remaps, recovered PNGs).
func (h *Handlers) HandleDerivedImage(c *gin.Context) {
	sub, err := h.reg.GetSubmission(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.notFound(c, err)
		return
	}
	// Base strips any path the client smuggled into the name.
	name := filepath.Base(c.Param("file"))
	h.serveImage(c, filepath.Join(h.store.SubmissionDir(sub.ImageHash, sub.Hash), name), name)
}

func (h *Handlers) serveImage(c *gin.Context, path, name string) {
	if !config.ExtensionAllowed(strings.ToLower(filepath.Ext(name))) {
		h.notFound(c, os.ErrNotExist)
		return
	}
	if _, err := os.Stat(path); err != nil {
		h.notFound(c, err)
		return
	}
	c.FileAttachment(path, name)
}

// HandleRemove removes a submission and, when it was the image's last,
// the image itself.
func (h *Handlers) HandleRemove(c *gin.Context) {
	err := h.removal.RemoveImage(c.Request.Context(), c.Param("hash"), time.Now().UTC())

	var tooYoung *registry.TooYoungError
	var multiIP *registry.MultipleUploadersError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "Image successfully removed"})
	case errors.Is(err, registry.ErrNotFound):
		h.notFound(c, err)
	case errors.As(err, &tooYoung):
		c.JSON(http.StatusForbidden, gin.H{
			"error": fmt.Sprintf("Image must be at least 5 minutes old. Current age: %ds",
				tooYoung.AgeSeconds),
		})
	case errors.As(err, &multiIP):
		c.JSON(http.StatusForbidden, gin.H{
			"error":    "Image uploaded from multiple IP addresses. Removal is not allowed.",
			"ip_count": multiIP.IPCount,
		})
	default:
		h.logger.Error("remove image failed",
			slog.String("submission", c.Param("hash")), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove image"})
	}
}

// HandleRemovePassword clears the stored password of a submission.
func (h *Handlers) HandleRemovePassword(c *gin.Context) {
	err := h.removal.RemovePassword(c.Request.Context(), c.Param("hash"), time.Now().UTC())

	var tooYoung *registry.TooYoungError
	var multiIP *registry.MultipleUploadersError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "Password successfully removed"})
	case errors.Is(err, registry.ErrNotFound):
		h.notFound(c, err)
	case errors.Is(err, registry.ErrNoPassword):
		c.JSON(http.StatusBadRequest, gin.H{"error": "No password to remove"})
	case errors.As(err, &tooYoung):
		c.JSON(http.StatusForbidden, gin.H{
			"error": fmt.Sprintf("Submission must be at least 5 minutes old. Current age: %ds",
				tooYoung.AgeSeconds),
		})
	case errors.As(err, &multiIP):
		c.JSON(http.StatusForbidden, gin.H{
			"error":    "Submission uploaded from multiple IP addresses. Password removal is not allowed.",
			"ip_count": multiIP.IPCount,
		})
	default:
		h.logger.Error("remove password failed",
			slog.String("submission", c.Param("hash")), slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove password"})
	}
}

// HandleHealthz is the liveness probe.
func (h *Handlers) HandleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) notFound(c *gin.Context, err error) {
	if !errors.Is(err, registry.ErrNotFound) && !errors.Is(err, os.ErrNotExist) {
		h.logger.Error("lookup failed", slog.String("path", c.Request.URL.Path), slog.Any("error", err))
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "Resource not found"})
}
