// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import "time"

// Submission lifecycle statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Image is the canonical record for a content-addressed blob. The hash is
// the hex MD5 of the bytes at File and doubles as the directory name of the
// image's results tree.
type Image struct {
	// Hash is the hex MD5 fingerprint of the blob. Primary key.
	Hash string `json:"hash"`

	// File is the on-disk blob path.
	File string `json:"file"`

	// Size is the blob size in bytes.
	Size int64 `json:"size"`

	// UploadCount counts every upload of this content, including exact
	// re-submissions.
	UploadCount int `json:"upload_count"`

	FirstSubmissionDate time.Time `json:"first_submission_date"`
	LastSubmissionDate  time.Time `json:"last_submission_date"`

	// Submissions lists the hashes of this image's submissions in
	// creation order.
	Submissions []string `json:"submissions"`
}

// Submission is one analysis run for a (image, filename, password, deep)
// tuple. The hash is deterministic over those inputs, so duplicate uploads
// resolve to the same record.
type Submission struct {
	// Hash is the hex MD5 over image bytes, filename, password and the
	// deep-analysis marker. Primary key.
	Hash string `json:"hash"`

	// Filename as submitted by the uploader.
	Filename string `json:"filename"`

	// Password is the optional steganography password. Cleared by the
	// remove-password operation.
	Password string `json:"password,omitempty"`

	// DeepAnalysis schedules the slow analyzers (outguess).
	DeepAnalysis bool `json:"deep_analysis"`

	// Status is pending, running, completed or error.
	Status string `json:"status"`

	// Date is the creation time.
	Date time.Time `json:"date"`

	// ImageHash references the owning Image.
	ImageHash string `json:"image_hash"`
}

// UploadLog is one append-only audit row per upload attempt. Rows survive
// Image and Submission deletion; the removal policy consults them to gate
// deletions by uploader IP.
type UploadLog struct {
	// Seq is the monotonic sequence number assigned on append.
	Seq uint64 `json:"seq"`

	IPAddress      string    `json:"ip_address"`
	UserAgent      string    `json:"user_agent"`
	Date           time.Time `json:"date"`
	ImageHash      string    `json:"image_hash"`
	SubmissionHash string    `json:"submission_hash"`
	Filename       string    `json:"filename"`
}
