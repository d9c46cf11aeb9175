// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ftiff implements the FTI-FF self-describing per-rank container
// format used for L1-L3 files (spec.md §3, §4.C, §6). A file is a file-meta
// header followed by a chain of data blocks, each holding a run of
// variable-chunks, followed by the payload region the chunks' fptr fields
// address.
//
// Binary layout (all multi-byte values little-endian), mirrors the
// column-oriented binary checkpoint format the teacher's
// pkg/metricstore/binaryCheckpoint.go writes for its own snapshot files:
//
//	[ file_meta (FMetaSize bytes) ]
//	[ block_0 header (FDBSize bytes) ]
//	[ chunk headers for block_0 (FDBVarSize bytes each) ]
//	[ block_1 header ]
//	[ chunk headers for block_1 ]
//	...
//	[ payload bytes, addressed by each chunk's Fptr ]
package ftiff

import (
	"crypto/md5"
	"encoding/binary"
)

// Published sizes of the fixed-layout structures, per spec.md §6: external
// tooling needs these to decode a file without linking this package.
const (
	FMetaSize  = 4 + 4 + 8 + 8*6 + 32 + 16 // magic+version+timestamp+6 sizes+hex checksum+myHash
	FDBSize    = 4 + 8 + 16                // numVars+blockSize+myHash
	FDBVarSize = 4 + 4 + 8 + 8 + 8 + 8 + 16 + 16 + 1
)

var magic = [4]byte{'F', 'T', 'F', 'F'}

const formatVersion uint32 = 1

const (
	flagHasContent = 1 << 0
	flagHasCkpt    = 1 << 1
	flagUpdate     = 1 << 2
)

// FileMeta is the file-level header, present once at offset 0.
type FileMeta struct {
	Timestamp int64
	CkptSize  uint64
	FS        uint64 // total file size
	MaxFs     uint64 // max file size across an L3 group, filled by the encoder
	PtFs      uint64 // partner file size, filled by the L2 encoder
	DataSize  uint64 // total protected-variable bytes covered
	DcpSize   uint64 // bytes actually written this cycle under dCP

	Checksum [32]byte // hex MD5 of the payload region
	MyHash   [16]byte // MD5 of this struct with Checksum and MyHash zeroed
}

// Block is one data-block header; NumVars chunk headers follow it in the
// header region.
type Block struct {
	NumVars   uint32
	BlockSize uint64
	MyHash    [16]byte
	Complete  bool // in-memory only: true once a later block has been appended
}

// VarChunk records one maximal contiguous region of a variable stored in a
// single block, per spec.md §3.
type VarChunk struct {
	VarID         int32
	ContainerID   int32  // index of this chunk within its variable's chunk list
	Dptr          uint64 // offset into the registered variable's bytes
	Fptr          uint64 // absolute offset into the file's payload region
	ChunkSize     uint64 // bytes of this chunk actually holding content
	ContainerSize uint64 // reserved capacity, >= ChunkSize, stable across cycles
	ChunkHash     [16]byte
	MyHash        [16]byte
	HasContent    bool
	HasCkpt       bool
	Update        bool
}

func (c *VarChunk) flags() byte {
	var f byte
	if c.HasContent {
		f |= flagHasContent
	}
	if c.HasCkpt {
		f |= flagHasCkpt
	}
	if c.Update {
		f |= flagUpdate
	}
	return f
}

func (c *VarChunk) setFlags(f byte) {
	c.HasContent = f&flagHasContent != 0
	c.HasCkpt = f&flagHasCkpt != 0
	c.Update = f&flagUpdate != 0
}

// Chain is the in-memory, arena-of-blocks representation of a file's block
// chain (spec.md §9: "implement as an arena of blocks with indices, never
// as a raw graph of owning pointers").
type Chain struct {
	Blocks []*Block
	Chunks [][]*VarChunk // Chunks[i] holds the chunks belonging to Blocks[i]
}

// ChunksForVar returns every chunk belonging to varID across the whole
// chain, in block/registration order.
func (c *Chain) ChunksForVar(varID int32) []*VarChunk {
	var out []*VarChunk
	for _, block := range c.Chunks {
		for _, ch := range block {
			if ch.VarID == varID {
				out = append(out, ch)
			}
		}
	}
	return out
}

func selfHashBlock(b *Block) [16]byte {
	buf := make([]byte, 0, FDBSize)
	buf = binary.LittleEndian.AppendUint32(buf, b.NumVars)
	buf = binary.LittleEndian.AppendUint64(buf, b.BlockSize)
	buf = append(buf, make([]byte, 16)...) // zeroed MyHash field
	return md5.Sum(buf)
}

func selfHashChunk(c *VarChunk) [16]byte {
	buf := make([]byte, 0, FDBVarSize)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(c.VarID))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(c.ContainerID))
	buf = binary.LittleEndian.AppendUint64(buf, c.Dptr)
	buf = binary.LittleEndian.AppendUint64(buf, c.Fptr)
	buf = binary.LittleEndian.AppendUint64(buf, c.ChunkSize)
	buf = binary.LittleEndian.AppendUint64(buf, c.ContainerSize)
	buf = append(buf, c.ChunkHash[:]...)
	buf = append(buf, make([]byte, 16)...) // zeroed MyHash field
	buf = append(buf, c.flags())
	return md5.Sum(buf)
}

func selfHashMeta(m *FileMeta) [16]byte {
	buf := make([]byte, 0, FMetaSize)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.Timestamp))
	buf = binary.LittleEndian.AppendUint64(buf, m.CkptSize)
	buf = binary.LittleEndian.AppendUint64(buf, m.FS)
	buf = binary.LittleEndian.AppendUint64(buf, m.MaxFs)
	buf = binary.LittleEndian.AppendUint64(buf, m.PtFs)
	buf = binary.LittleEndian.AppendUint64(buf, m.DataSize)
	buf = binary.LittleEndian.AppendUint64(buf, m.DcpSize)
	buf = append(buf, make([]byte, 32)...) // zeroed Checksum field
	buf = append(buf, make([]byte, 16)...) // zeroed MyHash field
	return md5.Sum(buf)
}
