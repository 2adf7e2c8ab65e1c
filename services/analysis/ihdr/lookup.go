// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ihdr

// Lookup resolves a chunk CRC to the parameter sets known to produce it.
// CRC32 collisions are possible, so a lookup may return several candidates;
// callers decide which to trust (repair takes the first, dimension recovery
// emits all of them).
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; analyzers run in
// parallel.
type Lookup interface {
	ByCRC(crc uint32) ([]Params, error)
}

// MemTable is an in-memory Lookup holding the full generated table.
// Production uses the registry's persistent table; MemTable serves tests and
// one-off tooling where opening the database is not worth it.
type MemTable struct {
	entries map[uint32][]Params
}

// NewMemTable builds the complete table in memory. This walks every
// generated combination, so construction takes a noticeable fraction of a
// second; build once and share.
func NewMemTable() *MemTable {
	t := &MemTable{entries: make(map[uint32][]Params)}
	Generate(func(p Params) bool {
		crc := p.CRC()
		t.entries[crc] = append(t.entries[crc], p)
		return true
	})
	return t
}

// ByCRC implements Lookup. The error is always nil.
func (t *MemTable) ByCRC(crc uint32) ([]Params, error) {
	return t.entries[crc], nil
}

// Len returns the number of distinct CRC values in the table.
func (t *MemTable) Len() int {
	return len(t.entries)
}
