// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Zeecka/AperiSolve/services/analysis/artifacts"
)

// ErrNoPassword reports a password-removal request for a submission that
// never had one.
var ErrNoPassword = errors.New("no password to remove")

// TooYoungError rejects a removal before the minimum age has elapsed. The
// age is carried so callers can echo it back to the user.
type TooYoungError struct {
	AgeSeconds int64
}

func (e *TooYoungError) Error() string {
	return fmt.Sprintf("removal refused: record is %ds old", e.AgeSeconds)
}

// MultipleUploadersError rejects a removal when the upload log shows more
// than one distinct client IP. One uploader must not destroy what another
// also submitted.
type MultipleUploadersError struct {
	IPCount int
}

func (e *MultipleUploadersError) Error() string {
	return fmt.Sprintf("removal refused: %d distinct uploader IPs", e.IPCount)
}

// RemovalPolicy gates and executes the two user-initiated removal flows.
type RemovalPolicy struct {
	reg    *Registry
	store  *artifacts.Store
	minAge time.Duration
}

// NewRemovalPolicy wires the policy over the registry and artifact store.
func NewRemovalPolicy(reg *Registry, store *artifacts.Store, minAge time.Duration) *RemovalPolicy {
	return &RemovalPolicy{reg: reg, store: store, minAge: minAge}
}

func (p *RemovalPolicy) checkAge(date time.Time, now time.Time) error {
	age := now.Sub(date)
	if age < p.minAge {
		return &TooYoungError{AgeSeconds: int64(age.Seconds())}
	}
	return nil
}

// RemoveImage removes the submission named by hash and, when it was the
// image's last one, the image itself. The blob is quarantined first. Gates:
// submission age and a single distinct uploader IP across the whole image's
// upload log.
func (p *RemovalPolicy) RemoveImage(ctx context.Context, subHash string, now time.Time) error {
	sub, err := p.reg.GetSubmission(ctx, subHash)
	if err != nil {
		return err
	}
	if err := p.checkAge(sub.Date, now); err != nil {
		return err
	}

	logs, err := p.reg.LogsByImage(ctx, sub.ImageHash)
	if err != nil {
		return err
	}
	if ips := UniqueUploadIPs(logs); len(ips) > 1 {
		return &MultipleUploadersError{IPCount: len(ips)}
	}

	img, err := p.reg.GetImage(ctx, sub.ImageHash)
	if err != nil {
		return err
	}
	if err := p.store.Quarantine(img.Hash, img.File, subHash, now); err != nil {
		return err
	}
	if err := p.store.RemoveSubmission(img.Hash, subHash); err != nil {
		return err
	}

	_, last, err := p.reg.DeleteSubmission(ctx, subHash)
	if err != nil {
		return err
	}
	if last {
		if err := p.store.RemoveImage(img.Hash); err != nil {
			return err
		}
		if err := p.reg.DeleteImage(ctx, img.Hash); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// RemovePassword clears the password of the submission named by hash.
// Gates: a password must be set, submission age, and a single distinct
// uploader IP across the submission's own upload log.
func (p *RemovalPolicy) RemovePassword(ctx context.Context, subHash string, now time.Time) error {
	sub, err := p.reg.GetSubmission(ctx, subHash)
	if err != nil {
		return err
	}
	if sub.Password == "" {
		return ErrNoPassword
	}
	if err := p.checkAge(sub.Date, now); err != nil {
		return err
	}

	logs, err := p.reg.LogsBySubmission(ctx, subHash)
	if err != nil {
		return err
	}
	if ips := UniqueUploadIPs(logs); len(ips) > 1 {
		return &MultipleUploadersError{IPCount: len(ips)}
	}

	return p.reg.ClearPassword(ctx, subHash)
}
