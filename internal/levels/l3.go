// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package levels

import (
	"context"
	"fmt"

	"github.com/ClusterCockpit/cc-fti/internal/ftierrors"
)

// L3Result summarizes a group encode as seen by the leader rank (the
// only rank with the full picture).
type L3Result struct {
	MaxFs      uint64
	Fragments  []string // MD5 of every shard in the group, data then parity
	ParityDone bool
}

// WriteL3Group performs one group's Reed-Solomon encode, per spec.md
// §4.E "L3 -- Reed-Solomon group". groupRanks lists every rank in the
// group in ring order; the lowest-ranked member acts as the ephemeral
// gather/encode leader for this cycle (no state survives past the call),
// and the last ParityShards members each receive and persist one parity
// fragment alongside their own L1 file.
func WriteL3Group(ctx context.Context, layout Layout, comm Comm, groupRanks []int, selfRank int, groupID, ckptID int, localFile []byte) (L3Result, error) {
	if len(groupRanks) < ParityShards+2 {
		return L3Result{}, fmt.Errorf("%w: L3 group of %d too small for %d parity shards", ftierrors.ErrConfigInvalid, len(groupRanks), ParityShards)
	}

	leader := groupRanks[0]
	parityRanks := groupRanks[len(groupRanks)-ParityShards:]

	if selfRank != leader {
		if err := comm.Send(ctx, leader, TagGroup, localFile); err != nil {
			return L3Result{}, fmt.Errorf("%w: send L1 file to L3 leader rank %d: %v", ftierrors.ErrIO, leader, err)
		}
		for _, p := range parityRanks {
			if p != selfRank {
				continue
			}
			parity, err := comm.Recv(ctx, leader, TagGroup)
			if err != nil {
				return L3Result{}, fmt.Errorf("%w: receive parity shard from L3 leader: %v", ftierrors.ErrIO, err)
			}
			if err := writeFileAtomic(layout.L3File(selfRank, ckptID), parity); err != nil {
				return L3Result{}, err
			}
		}
		return L3Result{}, nil
	}

	files := make([][]byte, len(groupRanks))
	files[0] = localFile
	for i := 1; i < len(groupRanks); i++ {
		data, err := comm.Recv(ctx, groupRanks[i], TagGroup)
		if err != nil {
			return L3Result{}, fmt.Errorf("%w: gather L1 file from rank %d: %v", ftierrors.ErrIO, groupRanks[i], err)
		}
		files[i] = data
	}

	shards, maxFs, err := EncodeGroup(files)
	if err != nil {
		return L3Result{}, err
	}

	fragments := make([]string, len(shards))
	for i, s := range shards {
		fragments[i] = checksumHex(s)
	}

	for j, p := range parityRanks {
		shard := shards[len(groupRanks)+j]
		if p == selfRank {
			if err := writeFileAtomic(layout.L3File(selfRank, ckptID), shard); err != nil {
				return L3Result{}, err
			}
			continue
		}
		if err := comm.Send(ctx, p, TagGroup, shard); err != nil {
			return L3Result{}, fmt.Errorf("%w: distribute parity shard to rank %d: %v", ftierrors.ErrIO, p, err)
		}
	}

	sidecar := Sidecar{
		MaxFs:      maxFs,
		RsChecksum: fragments[0],
	}
	for _, f := range fragments[1:] {
		sidecar.RsChecksum += "," + f
	}
	if err := sidecar.Write(layout.L3Sidecar(groupID, ckptID)); err != nil {
		return L3Result{}, err
	}

	return L3Result{MaxFs: maxFs, Fragments: fragments, ParityDone: true}, nil
}
