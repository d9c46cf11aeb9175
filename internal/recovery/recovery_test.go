// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package recovery

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/cc-fti/internal/ftierrors"
	"github.com/ClusterCockpit/cc-fti/internal/levels"
	"github.com/ClusterCockpit/cc-fti/internal/registry"
)

type fakeSource map[int32][]byte

func (f fakeSource) Bytes(varID int32) ([]byte, error) { return f[varID], nil }

func repeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func tmpLayout(t *testing.T) levels.Layout {
	dir := t.TempDir()
	return levels.Layout{LocalDir: dir, GlobalDir: dir, MetadDir: dir, ExecID: "exec1"}
}

func TestRecoverFromL1WhenEverythingSurvived(t *testing.T) {
	layout := tmpLayout(t)
	data := repeat('a', 256)
	_, err := levels.WriteL1(layout, 0, 1, []int32{7}, []uint64{256}, fakeSource{7: data}, nil, nil, nil, 1)
	require.NoError(t, err)

	reg := registry.New()
	buf := make([]byte, 256)
	require.NoError(t, reg.Protect(7, buf, 256, registry.TypeChar))

	p := NewPlanner(layout, nil)
	in := GroupInputs{Rank: 0, Partner: 1, GroupRanks: []int{0}, CkptID: 1}
	state, err := p.Run(context.Background(), nil, in, reg)
	require.NoError(t, err)
	assert.Equal(t, StateReady, state)

	v, ok := reg.Get(7)
	require.True(t, ok)
	assert.Equal(t, data, v.Ptr)
}

func TestRecoverFallsBackToL2WhenL1Lost(t *testing.T) {
	layout := tmpLayout(t)
	data := repeat('b', 512)

	res, err := levels.WriteL1(layout, 0, 1, []int32{3}, []uint64{512}, fakeSource{3: data}, nil, nil, nil, 1)
	require.NoError(t, err)

	net := levels.NewChanNetwork([]int{0, 1})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ctx, cancel := levels.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		levels.WritePartnerCopy(ctx, layout, net.Endpoint(0), 0, 1, res.Path, 256)
	}()
	go func() {
		defer wg.Done()
		ctx, cancel := levels.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Rank 1 has nothing of its own this test cares about; it only
		// needs to participate in the exchange so rank 0's bytes land on
		// the partner side.
		other := filepath.Join(t.TempDir(), "empty")
		require.NoError(t, os.WriteFile(other, nil, 0o644))
		levels.WritePartnerCopy(ctx, layout, net.Endpoint(1), 1, 0, other, 256)
	}()
	wg.Wait()

	// Simulate losing the local L1 copy (node failure).
	require.NoError(t, os.Remove(res.Path))

	reg := registry.New()
	buf := make([]byte, 512)
	require.NoError(t, reg.Protect(3, buf, 512, registry.TypeChar))

	p := NewPlanner(layout, nil)
	in := GroupInputs{Rank: 0, Partner: 1, GroupRanks: []int{0}, CkptID: 1}
	state, err := p.Run(context.Background(), nil, in, reg)
	require.NoError(t, err)
	assert.Equal(t, StateReady, state)

	v, ok := reg.Get(3)
	require.True(t, ok)
	assert.Equal(t, data, v.Ptr)
}

func TestRecoverReconstructsFromL3AfterTwoNodesLost(t *testing.T) {
	layout := tmpLayout(t)
	groupRanks := []int{0, 1, 2, 3}
	files := map[int]fakeSource{
		0: {1: repeat('a', 300)},
		1: {1: repeat('b', 450)},
		2: {1: repeat('c', 300)},
		3: {1: repeat('d', 360)},
	}

	l1Paths := make(map[int]string)
	l1Raw := make(map[int][]byte)
	for _, r := range groupRanks {
		res, err := levels.WriteL1(layout, r, 1, []int32{1}, []uint64{uint64(len(files[r][1]))}, files[r], nil, nil, nil, 1)
		require.NoError(t, err)
		l1Paths[r] = res.Path
		raw, err := os.ReadFile(res.Path)
		require.NoError(t, err)
		l1Raw[r] = raw
	}

	net := levels.NewChanNetwork(groupRanks)
	var wg sync.WaitGroup
	for _, r := range groupRanks {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			ctx, cancel := levels.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, err := levels.WriteL3Group(ctx, layout, net.Endpoint(rank), groupRanks, rank, 0, 1, l1Raw[rank])
			assert.NoError(t, err)
		}(r)
	}
	wg.Wait()

	// Lose ranks 0 and 2's local L1 files (their L3 data shards); both
	// parity fragments (held by ranks 2 and 3) survive, so exactly 2 of
	// the 6 total shards are missing -- within ParityShards' tolerance.
	require.NoError(t, os.Remove(l1Paths[0]))
	require.NoError(t, os.Remove(l1Paths[2]))

	reg := registry.New()
	buf := make([]byte, 300)
	require.NoError(t, reg.Protect(1, buf, 300, registry.TypeChar))

	p := NewPlanner(layout, nil)
	in := GroupInputs{Rank: 0, Partner: 1, GroupRanks: groupRanks, GroupID: 0, CkptID: 1}
	raw, err := p.FetchMissing(L3, in)
	require.NoError(t, err)

	_, chain, err := p.Verify(raw)
	require.NoError(t, err)
	require.NoError(t, p.LoadIntoRegistry(reg, raw, chain))

	v, ok := reg.Get(1)
	require.True(t, ok)
	assert.Equal(t, files[0][1], v.Ptr)
}

func TestVoteLevelFailsUnrecoverableWhenNoLevelSurvives(t *testing.T) {
	layout := tmpLayout(t)
	p := NewPlanner(layout, nil)
	in := GroupInputs{Rank: 0, Partner: 1, GroupRanks: []int{0}, CkptID: 1}
	local := p.Scan(in)
	for i := range local {
		local[i].Present = false
	}

	_, err := p.VoteLevel(context.Background(), nil, in, local)
	require.Error(t, err)
	assert.ErrorIs(t, err, ftierrors.ErrUnrecoverable)
	assert.Equal(t, StateFailed, p.State())
}

func TestLoadIntoRegistryRejectsSizeMismatch(t *testing.T) {
	layout := tmpLayout(t)
	data := repeat('z', 64)
	res, err := levels.WriteL1(layout, 0, 1, []int32{9}, []uint64{64}, fakeSource{9: data}, nil, nil, nil, 1)
	require.NoError(t, err)
	raw, err := os.ReadFile(res.Path)
	require.NoError(t, err)

	reg := registry.New()
	buf := make([]byte, 8) // wrong size on purpose
	require.NoError(t, reg.Protect(9, buf, 8, registry.TypeChar))

	p := NewPlanner(layout, nil)
	_, chain, err := p.Verify(raw)
	require.NoError(t, err)

	err = p.LoadIntoRegistry(reg, raw, chain)
	require.Error(t, err)
	assert.ErrorIs(t, err, ftierrors.ErrVariableMissing)
}

func TestLedgerRecordAndWorthScanning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ledger, err := OpenLedger(path)
	require.NoError(t, err)
	defer ledger.Close()

	assert.False(t, ledger.WorthScanning("exec1", 0, L1))
	require.NoError(t, ledger.RecordCommit("exec1", 0, L1, 1, "deadbeef"))
	assert.True(t, ledger.WorthScanning("exec1", 0, L1))
	assert.False(t, ledger.WorthScanning("exec1", 0, L2))
}
