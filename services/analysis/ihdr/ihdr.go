// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ihdr models the PNG IHDR chunk and recovers its parameters from
// CRC checksums.
//
// A PNG's first chunk declares width, height, bit depth, color type and
// interlace method, followed by a CRC32 over the chunk type and data. When a
// challenge author corrupts the declared dimensions, the CRC still commits to
// the original values. This package provides the CRC arithmetic, a generator
// for the precomputed CRC table of common configurations, and brute-force
// searches for the cases the table misses.
//
// The table lookup itself is an interface so callers can use the registry's
// persistent table in production and an in-memory table in tests.
package ihdr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Signature is the 8-byte magic at the start of every PNG file.
var Signature = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

// DataLength is the fixed length of the IHDR chunk data.
const DataLength = 13

var (
	// ErrSignature reports a payload that does not start with the PNG magic.
	ErrSignature = errors.New("invalid PNG signature")

	// ErrChunkMissing reports a PNG whose first chunk is not IHDR.
	ErrChunkMissing = errors.New("IHDR chunk not found at expected position")

	// ErrChunkLength reports an IHDR chunk with a declared length other
	// than 13 bytes.
	ErrChunkLength = errors.New("IHDR chunk has invalid length")
)

var ihdrTag = []byte("IHDR")

// tagCRC is the CRC32 state after hashing the four chunk type bytes. Brute
// force searches run millions of checksums, so the shared prefix is hashed
// once.
var tagCRC = crc32.Update(0, crc32.IEEETable, ihdrTag)

// DataCRC computes the chunk CRC for raw IHDR data bytes. The checksum
// covers the chunk type followed by the data, per the PNG specification.
func DataCRC(data []byte) uint32 {
	return crc32.Update(tagCRC, crc32.IEEETable, data)
}

// Params holds the decoded fields of an IHDR chunk. Compression and filter
// are always zero in well-formed PNGs, so they are not stored.
type Params struct {
	Width     uint32
	Height    uint32
	BitDepth  uint8
	ColorType uint8
	Interlace uint8
}

// Data encodes the parameters as the 13 IHDR data bytes.
func (p Params) Data() []byte {
	data := make([]byte, DataLength)
	binary.BigEndian.PutUint32(data[0:4], p.Width)
	binary.BigEndian.PutUint32(data[4:8], p.Height)
	data[8] = p.BitDepth
	data[9] = p.ColorType
	data[12] = p.Interlace
	return data
}

// CRC computes the chunk CRC that a well-formed PNG would carry for these
// parameters.
func (p Params) CRC() uint32 {
	return DataCRC(p.Data())
}

func (p Params) String() string {
	return fmt.Sprintf("%dx%d bit_depth=%d color_type=%d interlace=%d",
		p.Width, p.Height, p.BitDepth, p.ColorType, p.Interlace)
}

// parseData decodes 13 raw IHDR data bytes. Compression and filter bytes are
// ignored.
func parseData(data []byte) Params {
	return Params{
		Width:     binary.BigEndian.Uint32(data[0:4]),
		Height:    binary.BigEndian.Uint32(data[4:8]),
		BitDepth:  data[8],
		ColorType: data[9],
		Interlace: data[12],
	}
}

// Header is the parsed IHDR chunk of a concrete file, including the CRC the
// file actually stores. StoredCRC and Params.CRC() disagree when the header
// bytes have been tampered with.
type Header struct {
	Params
	StoredCRC uint32
}

// Valid reports whether the stored CRC matches the declared parameters.
func (h Header) Valid() bool {
	return h.StoredCRC == h.CRC()
}

// ParseHeader reads the PNG signature and the IHDR chunk from the start of a
// file.
//
// Description:
//
//	Validates the 8-byte signature, requires the first chunk to be IHDR
//	with a declared length of 13, and returns the decoded parameters
//	together with the CRC stored in the file. The CRC is not verified;
//	callers compare Header.StoredCRC against Header.CRC() to detect
//	tampering.
//
// Inputs:
//
//	data - Raw file contents, at least signature plus one full chunk.
//
// Outputs:
//
//	Header - Decoded parameters and stored CRC.
//	error - ErrSignature, ErrChunkMissing or ErrChunkLength on malformed
//	        input.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < len(Signature) || !bytes.Equal(data[:8], Signature) {
		return Header{}, ErrSignature
	}
	if len(data) < len(Signature)+4+4+DataLength+4 {
		return Header{}, ErrChunkMissing
	}

	length := binary.BigEndian.Uint32(data[8:12])
	if !bytes.Equal(data[12:16], ihdrTag) {
		return Header{}, ErrChunkMissing
	}
	if length != DataLength {
		return Header{}, ErrChunkLength
	}

	return Header{
		Params:    parseData(data[16 : 16+DataLength]),
		StoredCRC: binary.BigEndian.Uint32(data[16+DataLength : 16+DataLength+4]),
	}, nil
}
