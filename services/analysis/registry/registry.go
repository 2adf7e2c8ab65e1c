// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registry persists the submission lifecycle records: images,
// submissions, the upload audit log, and the precomputed IHDR CRC table.
//
// Storage is a single BadgerDB with JSON-encoded values:
//
//	img:<hash>                 Image
//	sub:<hash>                 Submission
//	log:<seq be64>             UploadLog
//	logimg:<image_hash>:<seq>  index key, empty value
//	logsub:<sub_hash>:<seq>    index key, empty value
//	ihdr:<crc be32>            []ihdr.Params
//	seq                        upload log sequence counter, be64
//
// Sequence numbers are big-endian so lexicographic key order is append
// order. Transactions are short; the long-running analyzer work never holds
// one open.
package registry

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	storebadger "github.com/Zeecka/AperiSolve/services/analysis/storage/badger"
)

// ErrNotFound reports a missing image or submission record.
var ErrNotFound = errors.New("record not found")

const (
	prefixImage      = "img:"
	prefixSubmission = "sub:"
	prefixLog        = "log:"
	prefixLogImage   = "logimg:"
	prefixLogSub     = "logsub:"
	keySeq           = "seq"
)

// Registry is the persistent record store. Safe for concurrent use; Badger
// serializes conflicting transactions and retries are not needed for this
// single-writer deployment shape.
type Registry struct {
	db *storebadger.DB
}

// New wraps an open database.
func New(db *storebadger.DB) *Registry {
	return &Registry{db: db}
}

// DB exposes the underlying database for the IHDR table and tests.
func (r *Registry) DB() *storebadger.DB {
	return r.db
}

func imageKey(hash string) []byte      { return []byte(prefixImage + hash) }
func submissionKey(hash string) []byte { return []byte(prefixSubmission + hash) }

func logKey(seq uint64) []byte {
	key := make([]byte, len(prefixLog)+8)
	copy(key, prefixLog)
	binary.BigEndian.PutUint64(key[len(prefixLog):], seq)
	return key
}

func logIndexKey(prefix, hash string, seq uint64) []byte {
	key := make([]byte, 0, len(prefix)+len(hash)+9)
	key = append(key, prefix...)
	key = append(key, hash...)
	key = append(key, ':')
	return binary.BigEndian.AppendUint64(key, seq)
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}

// GetImage loads an image record. Returns ErrNotFound when absent.
func (r *Registry) GetImage(ctx context.Context, hash string) (Image, error) {
	var img Image
	err := r.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, imageKey(hash), &img)
	})
	return img, err
}

// PutImage stores an image record, replacing any prior version.
func (r *Registry) PutImage(ctx context.Context, img Image) error {
	return r.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, imageKey(img.Hash), img)
	})
}

// GetSubmission loads a submission record. Returns ErrNotFound when absent.
func (r *Registry) GetSubmission(ctx context.Context, hash string) (Submission, error) {
	var sub Submission
	err := r.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, submissionKey(hash), &sub)
	})
	return sub, err
}

// CreateSubmission stores a new submission and appends its hash to the
// owning image's submission list. The image record must already exist.
func (r *Registry) CreateSubmission(ctx context.Context, sub Submission) error {
	return r.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var img Image
		if err := getJSON(txn, imageKey(sub.ImageHash), &img); err != nil {
			return fmt.Errorf("owning image %s: %w", sub.ImageHash, err)
		}
		if err := setJSON(txn, submissionKey(sub.Hash), sub); err != nil {
			return err
		}
		for _, existing := range img.Submissions {
			if existing == sub.Hash {
				return nil
			}
		}
		img.Submissions = append(img.Submissions, sub.Hash)
		return setJSON(txn, imageKey(img.Hash), img)
	})
}

// UpdateSubmission stores an existing submission record in place.
func (r *Registry) UpdateSubmission(ctx context.Context, sub Submission) error {
	return r.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, submissionKey(sub.Hash), sub)
	})
}

// SetSubmissionStatus transitions a submission's lifecycle status.
func (r *Registry) SetSubmissionStatus(ctx context.Context, hash, status string) error {
	return r.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var sub Submission
		if err := getJSON(txn, submissionKey(hash), &sub); err != nil {
			return err
		}
		sub.Status = status
		return setJSON(txn, submissionKey(hash), sub)
	})
}

// ClearPassword removes a submission's password.
func (r *Registry) ClearPassword(ctx context.Context, hash string) error {
	return r.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var sub Submission
		if err := getJSON(txn, submissionKey(hash), &sub); err != nil {
			return err
		}
		sub.Password = ""
		return setJSON(txn, submissionKey(hash), sub)
	})
}

// DeleteSubmission removes a submission record and detaches it from its
// image. Returns the updated image and whether the submission was the
// image's last one; a missing submission is ErrNotFound.
//
// The caller owns filesystem cleanup and, when last is true, deletion of
// the image record itself.
func (r *Registry) DeleteSubmission(ctx context.Context, hash string) (img Image, last bool, err error) {
	err = r.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var sub Submission
		if err := getJSON(txn, submissionKey(hash), &sub); err != nil {
			return err
		}
		if err := txn.Delete(submissionKey(hash)); err != nil {
			return fmt.Errorf("delete submission %s: %w", hash, err)
		}

		if err := getJSON(txn, imageKey(sub.ImageHash), &img); errors.Is(err, ErrNotFound) {
			return nil // orphan submission; nothing to detach
		} else if err != nil {
			return err
		}

		kept := img.Submissions[:0]
		for _, s := range img.Submissions {
			if s != hash {
				kept = append(kept, s)
			}
		}
		img.Submissions = kept
		last = len(img.Submissions) == 0
		return setJSON(txn, imageKey(img.Hash), img)
	})
	return img, last, err
}

// DeleteImage removes an image record and every submission it owns.
func (r *Registry) DeleteImage(ctx context.Context, hash string) error {
	return r.db.WithTxn(ctx, func(txn *badger.Txn) error {
		var img Image
		if err := getJSON(txn, imageKey(hash), &img); err != nil {
			return err
		}
		for _, subHash := range img.Submissions {
			if err := txn.Delete(submissionKey(subHash)); err != nil {
				return fmt.Errorf("delete submission %s: %w", subHash, err)
			}
		}
		return txn.Delete(imageKey(hash))
	})
}

// ListImages returns every image record. Used by the sweeper and the
// gallery page; the instance sizes this platform runs at make a full scan
// acceptable.
func (r *Registry) ListImages(ctx context.Context) ([]Image, error) {
	var images []Image
	err := r.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return scanJSON(txn, prefixImage, func(val []byte) error {
			var img Image
			if err := json.Unmarshal(val, &img); err != nil {
				return err
			}
			images = append(images, img)
			return nil
		})
	})
	return images, err
}

// ListSubmissions returns every submission record.
func (r *Registry) ListSubmissions(ctx context.Context) ([]Submission, error) {
	var subs []Submission
	err := r.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return scanJSON(txn, prefixSubmission, func(val []byte) error {
			var sub Submission
			if err := json.Unmarshal(val, &sub); err != nil {
				return err
			}
			subs = append(subs, sub)
			return nil
		})
	})
	return subs, err
}

func scanJSON(txn *badger.Txn, prefix string, visit func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(prefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		if err := it.Item().Value(visit); err != nil {
			return err
		}
	}
	return nil
}

// AppendUploadLog assigns the next sequence number and stores the row with
// its two index keys. Returns the stored row.
func (r *Registry) AppendUploadLog(ctx context.Context, row UploadLog) (UploadLog, error) {
	if row.Date.IsZero() {
		row.Date = time.Now().UTC()
	}
	err := r.db.WithTxn(ctx, func(txn *badger.Txn) error {
		seq := uint64(1)
		if item, err := txn.Get([]byte(keySeq)); err == nil {
			if err := item.Value(func(val []byte) error {
				if len(val) == 8 {
					seq = binary.BigEndian.Uint64(val) + 1
				}
				return nil
			}); err != nil {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("read sequence: %w", err)
		}
		row.Seq = seq

		if err := txn.Set([]byte(keySeq), binary.BigEndian.AppendUint64(nil, seq)); err != nil {
			return fmt.Errorf("write sequence: %w", err)
		}
		if err := setJSON(txn, logKey(seq), row); err != nil {
			return err
		}
		if err := txn.Set(logIndexKey(prefixLogImage, row.ImageHash, seq), nil); err != nil {
			return err
		}
		return txn.Set(logIndexKey(prefixLogSub, row.SubmissionHash, seq), nil)
	})
	return row, err
}

// LogsByImage returns the upload log rows for an image hash, oldest first.
func (r *Registry) LogsByImage(ctx context.Context, imageHash string) ([]UploadLog, error) {
	return r.logsByIndex(ctx, prefixLogImage, imageHash)
}

// LogsBySubmission returns the upload log rows for a submission hash,
// oldest first.
func (r *Registry) LogsBySubmission(ctx context.Context, subHash string) ([]UploadLog, error) {
	return r.logsByIndex(ctx, prefixLogSub, subHash)
}

func (r *Registry) logsByIndex(ctx context.Context, prefix, hash string) ([]UploadLog, error) {
	var rows []UploadLog
	err := r.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix + hash + ":")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			seq := binary.BigEndian.Uint64(key[len(key)-8:])

			var row UploadLog
			if err := getJSON(txn, logKey(seq), &row); err != nil {
				return fmt.Errorf("log row %d: %w", seq, err)
			}
			rows = append(rows, row)
		}
		return nil
	})
	return rows, err
}

// UniqueUploadIPs returns the distinct non-empty IP addresses among rows.
func UniqueUploadIPs(rows []UploadLog) map[string]struct{} {
	ips := make(map[string]struct{})
	for _, row := range rows {
		if row.IPAddress != "" {
			ips[row.IPAddress] = struct{}{}
		}
	}
	return ips
}

// Wipe drops every record including the IHDR table. CLEAR_AT_RESTART only.
func (r *Registry) Wipe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.db.DropAll(); err != nil {
		return fmt.Errorf("wipe registry: %w", err)
	}
	return nil
}
