// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package ftiff

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Range is a byte range within a chunk, as returned by a DiffSource.
type Range struct {
	Offset uint64
	Length uint64
}

// DiffSource decides which bytes of a chunk actually need to be (re)written
// this cycle. The dCP engine (internal/dcp) implements this by hashing
// dcpBlockSize blocks and comparing against its stored hashes; a
// DiffSource that always returns the whole chunk gives plain (non-dCP)
// behavior.
type DiffSource interface {
	ChangedRanges(key string, data []byte) ([]Range, error)
}

// fullRange is the DiffSource used when dCP is disabled: the whole chunk
// is always dirty.
type fullRange struct{}

func (fullRange) ChangedRanges(_ string, data []byte) ([]Range, error) {
	if len(data) == 0 {
		return nil, nil
	}
	return []Range{{Offset: 0, Length: uint64(len(data))}}, nil
}

// FullRange is the DiffSource to pass when dCP is off.
var FullRange DiffSource = fullRange{}

// VarSource supplies the current bytes of a protected variable by id, via
// registry.Var.HostBytes (staging device memory on demand).
type VarSource interface {
	Bytes(varID int32) ([]byte, error)
}

// WriteResult summarizes one Write call for the caller's sidecar metadata.
type WriteResult struct {
	FS       uint64
	DataSize uint64
	DcpSize  uint64 // bytes actually emitted this cycle
}

// Write serializes vars into a complete FTI-FF file, building on prev (the
// chain parsed from the previous checkpoint, or nil for the first write)
// and prevRaw (that previous checkpoint's full committed bytes, or nil).
// It returns the new Chain (to be passed as prev on the next cycle) and
// the full file bytes ready to be committed atomically by the caller --
// internal/levels owns the tmp-file-then-rename write so this package
// stays free of any particular atomicity policy.
//
// Per spec.md §4.C.2, only the byte ranges diff reports as changed are
// actually taken from the freshly read variable; everywhere else in a
// container that already existed in prev, the previous file's own bytes
// are carried forward unchanged. A no-op cycle (nothing dirty) therefore
// reproduces prevRaw's payload byte for byte, and a partial update only
// disturbs the dirty ranges -- this is what makes dCP a real reduction
// in written bytes rather than just a smaller DcpSize counter next to an
// unconditional full rewrite.
func Write(varIDs []int32, varSizes []uint64, src VarSource, prev *Chain, prevRaw []byte, diff DiffSource, timestamp int64) (*Chain, []byte, WriteResult, error) {
	if diff == nil {
		diff = FullRange
	}

	// Record where each pre-existing chunk's container lived in prevRaw
	// before assignOffsets overwrites every chunk's Fptr with this
	// cycle's layout (which shifts once the chain grows a new block).
	prevFptr := make(map[*VarChunk]uint64)
	if prev != nil {
		for _, chunks := range prev.Chunks {
			for _, ch := range chunks {
				prevFptr[ch] = ch.Fptr
			}
		}
	}

	chain := grow(prev, varIDs, varSizes)
	assignOffsets(chain)

	headerRegion := uint64(FMetaSize)
	for _, b := range chain.Blocks {
		headerRegion += uint64(FDBSize) + uint64(b.NumVars)*uint64(FDBVarSize)
	}
	payload := payloadSize(chain)
	fileSize := headerRegion + payload

	payloadBuf := make([]byte, payload)
	var dataSize, dcpSize uint64

	for bi, chunks := range chain.Chunks {
		for _, ch := range chunks {
			if !ch.HasContent {
				continue
			}
			full, err := src.Bytes(ch.VarID)
			if err != nil {
				return nil, nil, WriteResult{}, fmt.Errorf("read variable %d: %w", ch.VarID, err)
			}
			lo, hi := ch.Dptr, ch.Dptr+ch.ChunkSize
			if hi > uint64(len(full)) {
				return nil, nil, WriteResult{}, fmt.Errorf("chunk for var %d exceeds its current size", ch.VarID)
			}
			chunkBytes := full[lo:hi]
			dataSize += uint64(len(chunkBytes))

			key := fmt.Sprintf("%d:%d", ch.VarID, ch.ContainerID)
			ranges, err := diff.ChangedRanges(key, chunkBytes)
			if err != nil {
				return nil, nil, WriteResult{}, fmt.Errorf("diff variable %d: %w", ch.VarID, err)
			}

			dst := payloadBuf[ch.Fptr-headerRegion : ch.Fptr-headerRegion+ch.ContainerSize]
			if oldFptr, ok := prevFptr[ch]; ok && oldFptr+ch.ContainerSize <= uint64(len(prevRaw)) {
				// Container already existed: start from the bytes prevRaw
				// committed for it, then overlay only what diff flagged.
				copy(dst, prevRaw[oldFptr:oldFptr+ch.ContainerSize])
			} else {
				// First appearance of this container (new variable, or no
				// previous file at all): nothing to carry forward, every
				// byte is dirty by definition.
				copy(dst, chunkBytes)
			}
			for _, r := range ranges {
				copy(dst[r.Offset:r.Offset+r.Length], chunkBytes[r.Offset:r.Offset+r.Length])
				dcpSize += r.Length
			}

			// Chunk MD5 always covers the full logical content, per
			// spec.md §4.C step 3, regardless of how much was actually
			// (re)written this cycle under dCP.
			ch.ChunkHash = md5.Sum(chunkBytes)
			_ = bi
		}
	}

	// Self-hashes, innermost first: chunks, then blocks, then file meta.
	for _, chunks := range chain.Chunks {
		for _, ch := range chunks {
			ch.MyHash = selfHashChunk(ch)
		}
	}
	for i, b := range chain.Blocks {
		var blockSize uint64
		for _, ch := range chain.Chunks[i] {
			blockSize += ch.ContainerSize
		}
		b.BlockSize = blockSize
		b.MyHash = selfHashBlock(b)
	}

	meta := FileMeta{
		Timestamp: timestamp,
		FS:        fileSize,
		DataSize:  dataSize,
		DcpSize:   dcpSize,
	}
	sum := md5.Sum(payloadBuf)
	hex.Encode(meta.Checksum[:], sum[:])
	meta.MyHash = selfHashMeta(&meta)

	out := make([]byte, 0, fileSize)
	out = marshalMeta(out, &meta)
	for i, b := range chain.Blocks {
		out = marshalBlock(out, b)
		for _, ch := range chain.Chunks[i] {
			out = marshalChunk(out, ch)
		}
	}
	out = append(out, payloadBuf...)

	return chain, out, WriteResult{FS: fileSize, DataSize: dataSize, DcpSize: dcpSize}, nil
}

func marshalMeta(buf []byte, m *FileMeta) []byte {
	buf = append(buf, magic[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, formatVersion)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(m.Timestamp))
	buf = binary.LittleEndian.AppendUint64(buf, m.CkptSize)
	buf = binary.LittleEndian.AppendUint64(buf, m.FS)
	buf = binary.LittleEndian.AppendUint64(buf, m.MaxFs)
	buf = binary.LittleEndian.AppendUint64(buf, m.PtFs)
	buf = binary.LittleEndian.AppendUint64(buf, m.DataSize)
	buf = binary.LittleEndian.AppendUint64(buf, m.DcpSize)
	buf = append(buf, m.Checksum[:]...)
	buf = append(buf, m.MyHash[:]...)
	return buf
}

func marshalBlock(buf []byte, b *Block) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, b.NumVars)
	buf = binary.LittleEndian.AppendUint64(buf, b.BlockSize)
	buf = append(buf, b.MyHash[:]...)
	return buf
}

func marshalChunk(buf []byte, c *VarChunk) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(c.VarID))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(c.ContainerID))
	buf = binary.LittleEndian.AppendUint64(buf, c.Dptr)
	buf = binary.LittleEndian.AppendUint64(buf, c.Fptr)
	buf = binary.LittleEndian.AppendUint64(buf, c.ChunkSize)
	buf = binary.LittleEndian.AppendUint64(buf, c.ContainerSize)
	buf = append(buf, c.ChunkHash[:]...)
	buf = append(buf, c.MyHash[:]...)
	buf = append(buf, c.flags())
	return buf
}
