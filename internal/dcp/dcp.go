// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package dcp implements the differential-checkpoint engine (spec.md
// §4.D): a per-chunk array of block hashes that decides, cycle over
// cycle, which byte ranges of a variable actually need to be (re)written.
// It implements ftiff.DiffSource so internal/ftiff never needs to know
// dCP exists.
package dcp

import (
	"crypto/md5"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/ClusterCockpit/cc-fti/internal/ftierrors"
	"github.com/ClusterCockpit/cc-fti/internal/ftiff"
)

// Mode selects the hash function used to fingerprint a block.
type Mode int

const (
	ModeMD5 Mode = iota
	ModeCRC32
)

// ParseMode maps a config string to a Mode, defaulting to ModeMD5.
func ParseMode(s string) Mode {
	switch s {
	case "crc32":
		return ModeCRC32
	default:
		return ModeMD5
	}
}

const (
	MinBlockSize = 512
	MaxBlockSize = 65535
)

type blockHash [16]byte

func sumBlock(mode Mode, data []byte) blockHash {
	switch mode {
	case ModeCRC32:
		var h blockHash
		sum := crc32.ChecksumIEEE(data)
		h[0] = byte(sum)
		h[1] = byte(sum >> 8)
		h[2] = byte(sum >> 16)
		h[3] = byte(sum >> 24)
		return h
	default:
		return blockHash(md5.Sum(data))
	}
}

// blockState is one row of a chunk's hash array, per spec.md §4.D.
type blockState struct {
	committed blockHash
	pending   blockHash
	valid     bool // false until the first compare ever runs for this row
	dirty     bool
}

// chunkRow is the per-chunk hash array ("init(dbvar)" in spec.md §4.D).
type chunkRow struct {
	blocks []blockState
}

// expand grows the row to cover n blocks, marking the new rows invalid so
// the next compare always reports them dirty -- new bytes are never
// silently assumed unchanged.
func (r *chunkRow) expand(n int) {
	for len(r.blocks) < n {
		r.blocks = append(r.blocks, blockState{})
	}
}

// collapse shrinks the row to n blocks when the chunk's current size
// needs fewer hash slots than it used to.
func (r *chunkRow) collapse(n int) {
	if len(r.blocks) > n {
		r.blocks = r.blocks[:n]
	}
}

// compare hashes block i of data and updates dirty/pending in place,
// returning whether the block's content differs from the last committed
// hash.
func (r *chunkRow) compare(mode Mode, i int, data []byte) bool {
	sum := sumBlock(mode, data)
	st := &r.blocks[i]
	if !st.valid || st.committed != sum {
		st.pending = sum
		st.dirty = true
	} else {
		st.dirty = false
	}
	return st.dirty
}

// Engine is the dCP store for one rank: one chunkRow per live chunk,
// keyed the same way internal/ftiff keys a chunk ("varID:containerID").
type Engine struct {
	mu        sync.Mutex
	mode      Mode
	blockSize int
	rows      map[string]*chunkRow
	touched   map[string]bool // keys with pending (uncommitted) hashes
}

// New returns an Engine configured per spec.md §4.D, rejecting a
// blockSize outside [512, 65535].
func New(mode Mode, blockSize int) (*Engine, error) {
	if blockSize < MinBlockSize || blockSize > MaxBlockSize {
		return nil, fmt.Errorf("%w: dcp block size %d outside [%d, %d]", ftierrors.ErrConfigInvalid, blockSize, MinBlockSize, MaxBlockSize)
	}
	return &Engine{
		mode:      mode,
		blockSize: blockSize,
		rows:      make(map[string]*chunkRow),
		touched:   make(map[string]bool),
	}, nil
}

func numBlocks(dataLen, blockSize int) int {
	if dataLen == 0 {
		return 0
	}
	return (dataLen + blockSize - 1) / blockSize
}

// ChangedRanges implements ftiff.DiffSource. It compares every
// dcpBlockSize block of data (the last block partial, per spec.md §4.D)
// against the row's committed hashes, expanding or collapsing the row to
// match data's current size, and coalesces contiguous dirty blocks into
// the returned ranges ("next_changed_range" repeated to exhaustion).
// Hashes are only staged as pending here; they become committed (and
// dirty bits clear) on the next call to Commit for this key.
func (e *Engine) ChangedRanges(key string, data []byte) ([]ftiff.Range, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	row, ok := e.rows[key]
	if !ok {
		row = &chunkRow{}
		e.rows[key] = row
	}

	n := numBlocks(len(data), e.blockSize)
	if n > len(row.blocks) {
		row.expand(n)
	} else if n < len(row.blocks) {
		row.collapse(n)
	}

	var ranges []ftiff.Range
	start := -1
	for i := 0; i < n; i++ {
		lo := i * e.blockSize
		hi := lo + e.blockSize
		if hi > len(data) {
			hi = len(data)
		}
		dirty := row.compare(e.mode, i, data[lo:hi])
		switch {
		case dirty && start == -1:
			start = lo
		case !dirty && start != -1:
			ranges = append(ranges, ftiff.Range{Offset: uint64(start), Length: uint64(lo - start)})
			start = -1
		}
	}
	if start != -1 {
		ranges = append(ranges, ftiff.Range{Offset: uint64(start), Length: uint64(len(data) - start)})
	}

	if n > 0 {
		e.touched[key] = true
	}
	return ranges, nil
}

// Commit promotes every pending hash touched since the last Commit or
// Discard to committed and clears dirty bits, per spec.md §4.D's
// invariant: "after a successful checkpoint, every stored hash equals the
// hash of the committed bytes; all dirty bits are cleared."
func (e *Engine) Commit() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.touched {
		row, ok := e.rows[key]
		if !ok {
			continue
		}
		for i := range row.blocks {
			st := &row.blocks[i]
			if st.dirty {
				st.committed = st.pending
				st.valid = true
				st.dirty = false
			}
		}
	}
	e.touched = make(map[string]bool)
}

// Discard abandons this cycle's comparisons without committing anything:
// "If the checkpoint fails, none are cleared (so the next attempt
// re-sends them)." Since compare never mutates committed state directly,
// this only needs to forget which keys were touched; the stored hashes
// and dirty bits are recomputed identically on the next attempt.
func (e *Engine) Discard() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.touched = make(map[string]bool)
}

var _ ftiff.DiffSource = (*Engine)(nil)
