// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package ftiff

// grow applies spec.md §4.C's growth/shrink policy to prev (which may be
// nil, for a fresh chain) given the current size of every live variable,
// and returns the new Chain with structural fields set except Fptr, which
// assignOffsets fills in afterwards.
//
// Growth policy: a variable whose size grew gets exactly one new chunk
// covering the delta, appended to the chain in a new block (the previous
// last block, if any, becomes Complete the instant a newer block exists).
// A variable that shrank keeps its existing chunks and containers (stable
// layout) but the chunks beyond its new size have HasContent cleared. A
// variable seen for the first time gets one new chunk covering its full
// size.
func grow(prev *Chain, varIDs []int32, varSizes []uint64) *Chain {
	chain := &Chain{}
	if prev != nil {
		chain.Blocks = append(chain.Blocks, prev.Blocks...)
		chain.Chunks = append(chain.Chunks, prev.Chunks...)
	}

	var newChunks []*VarChunk
	for i, varID := range varIDs {
		size := varSizes[i]
		existing := chain.ChunksForVar(varID)

		var prevSize uint64
		for _, ch := range existing {
			prevSize += ch.ContainerSize
		}

		switch {
		case size > prevSize:
			newChunks = append(newChunks, &VarChunk{
				VarID:         varID,
				ContainerID:   int32(len(existing)),
				Dptr:          prevSize,
				ChunkSize:     size - prevSize,
				ContainerSize: size - prevSize,
				HasContent:    true,
			})
		case size < prevSize:
			// Shrinkage: zero HasContent on whichever trailing chunks now
			// fall outside [0, size), keep their containers reserved.
			var covered uint64
			for _, ch := range existing {
				start := covered
				covered += ch.ContainerSize
				ch.HasContent = start < size
				if ch.HasContent {
					ch.ChunkSize = min(ch.ContainerSize, size-start)
				} else {
					ch.ChunkSize = 0
				}
			}
		default:
			for _, ch := range existing {
				ch.HasContent = true
				ch.ChunkSize = ch.ContainerSize
			}
		}
	}

	if len(newChunks) == 0 {
		return chain
	}

	if n := len(chain.Blocks); n > 0 {
		chain.Blocks[n-1].Complete = true
	}
	chain.Blocks = append(chain.Blocks, &Block{NumVars: uint32(len(newChunks))})
	chain.Chunks = append(chain.Chunks, newChunks)

	return chain
}

// assignOffsets recomputes every chunk's Fptr from the chain's block
// layout: all block and chunk headers come first, then every chunk's
// container in chain order. Blocks are never reordered or resized once
// written, so pre-existing chunks keep their order, but appending a block
// moves every Fptr by that block's header size. A chunk's Fptr is
// therefore unchanged only across cycles in which the chain gains no
// block.
func assignOffsets(chain *Chain) {
	headerRegion := uint64(FMetaSize)
	for _, b := range chain.Blocks {
		headerRegion += uint64(FDBSize) + uint64(b.NumVars)*uint64(FDBVarSize)
	}

	cursor := headerRegion
	for _, chunks := range chain.Chunks {
		for _, ch := range chunks {
			ch.Fptr = cursor
			cursor += ch.ContainerSize
		}
	}
}

// payloadSize returns the total size of the payload region, i.e. the sum
// of every chunk's ContainerSize.
func payloadSize(chain *Chain) uint64 {
	var total uint64
	for _, chunks := range chain.Chunks {
		for _, ch := range chunks {
			total += ch.ContainerSize
		}
	}
	return total
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
