// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/Zeecka/AperiSolve/services/analysis/ihdr"
	storebadger "github.com/Zeecka/AperiSolve/services/analysis/storage/badger"
)

const (
	prefixIHDR = "ihdr:"

	// ihdrBatchSize bounds the entries buffered per WriteBatch flush while
	// populating. The full table is a few hundred thousand rows; flushing in
	// batches keeps memory flat.
	ihdrBatchSize = 10000
)

// IHDRTable is a persistent ihdr.Lookup backed by the registry database.
// Populate once at init time (the init-ihdr command), then every worker
// resolves CRCs with point reads instead of rebuilding the table in memory.
type IHDRTable struct {
	db *storebadger.DB
}

// NewIHDRTable wraps the database. The table may be empty; ByCRC on an
// unpopulated table returns no candidates, and Populated distinguishes that
// from a genuine miss.
func NewIHDRTable(db *storebadger.DB) *IHDRTable {
	return &IHDRTable{db: db}
}

func ihdrKey(crc uint32) []byte {
	key := make([]byte, len(prefixIHDR)+4)
	copy(key, prefixIHDR)
	binary.BigEndian.PutUint32(key[len(prefixIHDR):], crc)
	return key
}

// ByCRC implements ihdr.Lookup. A CRC with no entry returns (nil, nil).
func (t *IHDRTable) ByCRC(crc uint32) ([]ihdr.Params, error) {
	var params []ihdr.Params
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(ihdrKey(crc))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &params)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("ihdr lookup %08x: %w", crc, err)
	}
	return params, nil
}

// Populated reports whether the table holds at least one entry.
func (t *IHDRTable) Populated() (bool, error) {
	found := false
	err := t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixIHDR)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Rewind()
		found = it.Valid()
		return nil
	})
	return found, err
}

// Populate generates the full parameter table and writes it out, merging
// CRC collisions into a single multi-candidate row. Idempotent: rerunning
// rewrites the same keys. The optional progress callback is invoked every
// batch flush with the number of CRC rows written so far.
func (t *IHDRTable) Populate(progress func(written int)) error {
	// Collisions must be merged before writing, so the table is first
	// accumulated in memory. At roughly half a million rows this is tens of
	// megabytes, acceptable for a one-shot init command.
	entries := make(map[uint32][]ihdr.Params, ihdr.TableSize())
	ihdr.Generate(func(p ihdr.Params) bool {
		crc := p.CRC()
		entries[crc] = append(entries[crc], p)
		return true
	})

	wb := t.db.NewWriteBatch()
	defer wb.Cancel()

	written := 0
	pending := 0
	for crc, params := range entries {
		val, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode ihdr row %08x: %w", crc, err)
		}
		if err := wb.Set(ihdrKey(crc), val); err != nil {
			return fmt.Errorf("write ihdr row %08x: %w", crc, err)
		}
		written++
		pending++
		if pending >= ihdrBatchSize {
			pending = 0
			if progress != nil {
				progress(written)
			}
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush ihdr table: %w", err)
	}
	if progress != nil {
		progress(written)
	}
	return nil
}
