// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package levels

import (
	"github.com/ClusterCockpit/cc-fti/internal/ftiff"
)

// L1Result carries what the rest of the pipeline (L2/L3/L4, the planner,
// the head) needs to know about a completed local write.
type L1Result struct {
	Path     string
	Chain    *ftiff.Chain
	Raw      []byte
	FS       uint64
	DataSize uint64
	DcpSize  uint64
	VarIDs   []int
	VarSizes []uint64
}

// WriteL1 serializes the registry snapshot via internal/ftiff and commits
// it atomically to the node-local directory. No inter-rank communication
// happens here (spec.md §4.E "L1 -- Local"). prevRaw is the previous
// cycle's committed file bytes (nil on the first cycle), passed straight
// through to ftiff.Write so dCP's dirty-range savings land on disk and
// not just in the sidecar's DcpSize counter.
func WriteL1(layout Layout, rank, ckptID int, varIDs []int32, varSizes []uint64, src ftiff.VarSource, prev *ftiff.Chain, prevRaw []byte, diff ftiff.DiffSource, timestamp int64) (L1Result, error) {
	chain, raw, res, err := ftiff.Write(varIDs, varSizes, src, prev, prevRaw, diff, timestamp)
	if err != nil {
		return L1Result{}, err
	}
	return CommitL1(layout, rank, ckptID, raw, chain, varIDs, varSizes, res.DataSize, res.DcpSize)
}

// CommitL1 persists an already-serialized FTI-FF file as this cycle's L1
// checkpoint: the atomic write plus sidecar half of WriteL1, split out so
// internal/icp's finalize_icp (which produces the same raw bytes/chain
// via ftiff.Write but outside this package) can commit them through the
// identical path instead of duplicating it.
func CommitL1(layout Layout, rank, ckptID int, raw []byte, chain *ftiff.Chain, varIDs []int32, varSizes []uint64, dataSize, dcpSize uint64) (L1Result, error) {
	path := layout.L1File(rank, ckptID)
	if err := writeFileAtomic(path, raw); err != nil {
		return L1Result{}, err
	}

	ids := make([]int, len(varIDs))
	for i, id := range varIDs {
		ids[i] = int(id)
	}

	sidecar := Sidecar{
		CkptFile: path,
		FS:       uint64(len(raw)),
		VarIDs:   ids,
		VarSizes: varSizes,
		Checksum: checksumHex(raw),
	}
	if err := sidecar.Write(layout.Sidecar("l1", rank, ckptID)); err != nil {
		return L1Result{}, err
	}

	return L1Result{
		Path: path, Chain: chain, Raw: raw, FS: uint64(len(raw)), DataSize: dataSize,
		DcpSize: dcpSize, VarIDs: ids, VarSizes: varSizes,
	}, nil
}
