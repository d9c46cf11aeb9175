// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package ftiff

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"

	"github.com/ClusterCockpit/cc-fti/internal/ftierrors"
)

// Parse decodes raw FTI-FF bytes into a FileMeta and Chain without
// validating hashes; use Validate to check a parsed file before trusting
// it.
func Parse(raw []byte) (*FileMeta, *Chain, error) {
	if len(raw) < FMetaSize {
		return nil, nil, fmt.Errorf("%w: file shorter than file-meta header", ftierrors.ErrChecksumMismatch)
	}

	meta, err := unmarshalMeta(raw[:FMetaSize])
	if err != nil {
		return nil, nil, err
	}

	chain := &Chain{}
	cursor := FMetaSize
	// All headers precede the payload, and FS is the header region plus
	// every block's BlockSize, so the header walk ends once the headers
	// read so far and the payload they describe cover the whole file.
	var payloadSeen uint64
	for uint64(cursor)+payloadSeen < meta.FS {
		if cursor+FDBSize > len(raw) {
			return nil, nil, fmt.Errorf("%w: truncated block header", ftierrors.ErrChecksumMismatch)
		}
		block, err := unmarshalBlock(raw[cursor : cursor+FDBSize])
		if err != nil {
			return nil, nil, err
		}
		cursor += FDBSize

		chunks := make([]*VarChunk, 0, block.NumVars)
		for i := uint32(0); i < block.NumVars; i++ {
			if cursor+FDBVarSize > len(raw) {
				return nil, nil, fmt.Errorf("%w: truncated chunk header", ftierrors.ErrChecksumMismatch)
			}
			ch, err := unmarshalChunk(raw[cursor : cursor+FDBVarSize])
			if err != nil {
				return nil, nil, err
			}
			cursor += FDBVarSize
			chunks = append(chunks, ch)
		}

		chain.Blocks = append(chain.Blocks, block)
		chain.Chunks = append(chain.Chunks, chunks)
		payloadSeen += block.BlockSize

		// A zero-var block would spin forever; the header region always
		// grows by at least FDBSize per block so this cannot legitimately
		// occur in a file this package wrote.
		if block.NumVars == 0 {
			break
		}
	}

	return meta, chain, nil
}

// Load parses raw and validates it in one step; this is what
// internal/recovery and the next Write call's prev argument should use.
func Load(raw []byte) (*FileMeta, *Chain, error) {
	meta, chain, err := Parse(raw)
	if err != nil {
		return nil, nil, err
	}
	if err := Validate(raw, meta, chain); err != nil {
		return nil, nil, err
	}
	return meta, chain, nil
}

// Validate re-derives every self-hash and the file checksum and compares
// them against the stored values, per spec.md §8 invariant 1. It returns
// ftierrors.ErrChecksumMismatch (wrapped with detail) on the first
// mismatch found.
func Validate(raw []byte, meta *FileMeta, chain *Chain) error {
	if uint64(len(raw)) < meta.FS {
		return fmt.Errorf("%w: file truncated", ftierrors.ErrChecksumMismatch)
	}

	wantMeta := selfHashMeta(meta)
	if wantMeta != meta.MyHash {
		return fmt.Errorf("%w: file-meta self-hash", ftierrors.ErrChecksumMismatch)
	}

	headerRegion := uint64(FMetaSize)
	for i, b := range chain.Blocks {
		if selfHashBlock(b) != b.MyHash {
			return fmt.Errorf("%w: block %d self-hash", ftierrors.ErrChecksumMismatch, i)
		}
		headerRegion += uint64(FDBSize) + uint64(b.NumVars)*uint64(FDBVarSize)
		for j, ch := range chain.Chunks[i] {
			if selfHashChunk(ch) != ch.MyHash {
				return fmt.Errorf("%w: block %d chunk %d self-hash", ftierrors.ErrChecksumMismatch, i, j)
			}
		}
	}

	payload := raw[headerRegion:meta.FS]
	sum := md5.Sum(payload)
	var gotHex [32]byte
	hexEncode(gotHex[:], sum[:])
	if !bytes.Equal(gotHex[:], meta.Checksum[:]) {
		return fmt.Errorf("%w: file checksum", ftierrors.ErrChecksumMismatch)
	}

	for i, chunks := range chain.Chunks {
		for j, ch := range chunks {
			if !ch.HasContent {
				continue
			}
			data := chunkBytes(raw, ch)
			if md5.Sum(data) != ch.ChunkHash {
				return fmt.Errorf("%w: block %d chunk %d content hash", ftierrors.ErrChecksumMismatch, i, j)
			}
		}
	}

	return nil
}

// chunkBytes slices out a chunk's logical content; Fptr is an absolute
// file offset so no per-block base is needed.
func chunkBytes(raw []byte, ch *VarChunk) []byte {
	lo := ch.Fptr
	hi := ch.Fptr + ch.ChunkSize
	return raw[lo:hi]
}

func hexEncode(dst, src []byte) {
	const hextable = "0123456789abcdef"
	for i, b := range src {
		dst[i*2] = hextable[b>>4]
		dst[i*2+1] = hextable[b&0x0f]
	}
}

func unmarshalMeta(b []byte) (*FileMeta, error) {
	if !bytes.Equal(b[0:4], magic[:]) {
		return nil, fmt.Errorf("%w: bad magic", ftierrors.ErrChecksumMismatch)
	}
	m := &FileMeta{}
	off := 4
	version := binary.LittleEndian.Uint32(b[off:])
	off += 4
	if version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ftierrors.ErrChecksumMismatch, version)
	}
	m.Timestamp = int64(binary.LittleEndian.Uint64(b[off:]))
	off += 8
	m.CkptSize = binary.LittleEndian.Uint64(b[off:])
	off += 8
	m.FS = binary.LittleEndian.Uint64(b[off:])
	off += 8
	m.MaxFs = binary.LittleEndian.Uint64(b[off:])
	off += 8
	m.PtFs = binary.LittleEndian.Uint64(b[off:])
	off += 8
	m.DataSize = binary.LittleEndian.Uint64(b[off:])
	off += 8
	m.DcpSize = binary.LittleEndian.Uint64(b[off:])
	off += 8
	copy(m.Checksum[:], b[off:off+32])
	off += 32
	copy(m.MyHash[:], b[off:off+16])
	return m, nil
}

func unmarshalBlock(b []byte) (*Block, error) {
	blk := &Block{}
	blk.NumVars = binary.LittleEndian.Uint32(b[0:])
	blk.BlockSize = binary.LittleEndian.Uint64(b[4:])
	copy(blk.MyHash[:], b[12:28])
	return blk, nil
}

func unmarshalChunk(b []byte) (*VarChunk, error) {
	c := &VarChunk{}
	c.VarID = int32(binary.LittleEndian.Uint32(b[0:]))
	c.ContainerID = int32(binary.LittleEndian.Uint32(b[4:]))
	c.Dptr = binary.LittleEndian.Uint64(b[8:])
	c.Fptr = binary.LittleEndian.Uint64(b[16:])
	c.ChunkSize = binary.LittleEndian.Uint64(b[24:])
	c.ContainerSize = binary.LittleEndian.Uint64(b[32:])
	copy(c.ChunkHash[:], b[40:56])
	copy(c.MyHash[:], b[56:72])
	c.setFlags(b[72])
	return c, nil
}
