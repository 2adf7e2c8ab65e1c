// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package registry

import (
	"encoding/json"
	"testing"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zeecka/AperiSolve/services/analysis/ihdr"
)

func TestIHDRTable_EmptyAndPopulated(t *testing.T) {
	reg := openTestRegistry(t)
	table := NewIHDRTable(reg.DB())

	populated, err := table.Populated()
	require.NoError(t, err)
	assert.False(t, populated)

	params, err := table.ByCRC(0xdeadbeef)
	require.NoError(t, err)
	assert.Empty(t, params)

	p := ihdr.Params{Width: 640, Height: 480, BitDepth: 8, ColorType: 6}
	val, err := json.Marshal([]ihdr.Params{p})
	require.NoError(t, err)
	require.NoError(t, reg.DB().Update(func(txn *badger.Txn) error {
		return txn.Set(ihdrKey(p.CRC()), val)
	}))

	populated, err = table.Populated()
	require.NoError(t, err)
	assert.True(t, populated)

	params, err = table.ByCRC(p.CRC())
	require.NoError(t, err)
	require.Len(t, params, 1)
	assert.Equal(t, p, params[0])
}

func TestIHDRTable_PopulateResolvesGeneratedParams(t *testing.T) {
	if testing.Short() {
		t.Skip("full table generation")
	}
	reg := openTestRegistry(t)
	table := NewIHDRTable(reg.DB())

	var lastWritten int
	require.NoError(t, table.Populate(func(written int) { lastWritten = written }))
	assert.Positive(t, lastWritten)

	// Every generated parameter set must round-trip through its CRC.
	checked := 0
	ihdr.Generate(func(p ihdr.Params) bool {
		if checked >= 50 {
			return false
		}
		checked++
		params, err := table.ByCRC(p.CRC())
		require.NoError(t, err)
		assert.Contains(t, params, p)
		return true
	})
}
