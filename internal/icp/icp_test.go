// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package icp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/cc-fti/internal/ftierrors"
	"github.com/ClusterCockpit/cc-fti/internal/ftiff"
)

type fakeSource map[int32][]byte

func (f fakeSource) Bytes(varID int32) ([]byte, error) { return f[varID], nil }

func TestFinalizeICPFirstSequenceIsUnconstrained(t *testing.T) {
	d := NewDriver()
	s, err := d.InitICP(1, 1, true)
	require.NoError(t, err)

	require.NoError(t, s.AddVar(1))
	require.NoError(t, s.AddVar(2))

	src := fakeSource{1: []byte("aaaa"), 2: []byte("bb")}
	sizes := map[int32]uint64{1: 4, 2: 2}

	chain, data, result, err := s.FinalizeICP(sizes, src, ftiff.FullRange, 100)
	require.NoError(t, err)
	assert.NotNil(t, chain)
	assert.NotEmpty(t, data)
	assert.Equal(t, uint64(6), result.DataSize)
	assert.Equal(t, StateCommitted, s.State())
}

func TestFinalizeICPRejectsSubsetOfPreviousSequence(t *testing.T) {
	d := NewDriver()
	first, err := d.InitICP(1, 1, true)
	require.NoError(t, err)
	require.NoError(t, first.AddVar(1))
	require.NoError(t, first.AddVar(2))
	_, _, _, err = first.FinalizeICP(map[int32]uint64{1: 4, 2: 2}, fakeSource{1: []byte("aaaa"), 2: []byte("bb")}, ftiff.FullRange, 1)
	require.NoError(t, err)

	second, err := d.InitICP(2, 1, true)
	require.NoError(t, err)
	require.NoError(t, second.AddVar(1)) // omits var 2, committed last cycle

	_, _, _, err = second.FinalizeICP(map[int32]uint64{1: 4}, fakeSource{1: []byte("aaaa")}, ftiff.FullRange, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ftierrors.ErrVariableMissing)
	assert.Equal(t, StateAborted, second.State())

	// A failed sequence never clobbers the driver's committed history.
	third, err := d.InitICP(3, 1, true)
	require.NoError(t, err)
	require.NoError(t, third.AddVar(1))
	require.NoError(t, third.AddVar(2))
	_, _, _, err = third.FinalizeICP(map[int32]uint64{1: 4, 2: 2}, fakeSource{1: []byte("aaaa"), 2: []byte("bb")}, ftiff.FullRange, 3)
	require.NoError(t, err)
}

func TestFinalizeICPAllowsSupersetOfPreviousSequence(t *testing.T) {
	d := NewDriver()
	first, err := d.InitICP(1, 1, true)
	require.NoError(t, err)
	require.NoError(t, first.AddVar(1))
	_, _, _, err = first.FinalizeICP(map[int32]uint64{1: 4}, fakeSource{1: []byte("aaaa")}, ftiff.FullRange, 1)
	require.NoError(t, err)

	second, err := d.InitICP(2, 1, true)
	require.NoError(t, err)
	require.NoError(t, second.AddVar(1))
	require.NoError(t, second.AddVar(2))
	_, _, _, err = second.FinalizeICP(map[int32]uint64{1: 4, 2: 8}, fakeSource{1: []byte("aaaa"), 2: []byte("bbbbbbbb")}, ftiff.FullRange, 2)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, second.State())
}

func TestAddVarIsIdempotentAndRejectedAfterFinalize(t *testing.T) {
	d := NewDriver()
	s, err := d.InitICP(1, 1, true)
	require.NoError(t, err)
	require.NoError(t, s.AddVar(5))
	require.NoError(t, s.AddVar(5)) // duplicate add is a no-op

	_, _, _, err = s.FinalizeICP(map[int32]uint64{5: 2}, fakeSource{5: []byte("zz")}, ftiff.FullRange, 1)
	require.NoError(t, err)

	err = s.AddVar(6)
	require.Error(t, err)
	assert.ErrorIs(t, err, ftierrors.ErrConfigInvalid)
}

func TestInactiveSessionSkipsSupersetEnforcement(t *testing.T) {
	d := NewDriver()
	first, err := d.InitICP(1, 1, true)
	require.NoError(t, err)
	require.NoError(t, first.AddVar(1))
	require.NoError(t, first.AddVar(2))
	_, _, _, err = first.FinalizeICP(map[int32]uint64{1: 4, 2: 2}, fakeSource{1: []byte("aaaa"), 2: []byte("bb")}, ftiff.FullRange, 1)
	require.NoError(t, err)

	second, err := d.InitICP(2, 1, false) // activate=false: no superset check
	require.NoError(t, err)
	require.NoError(t, second.AddVar(1))
	_, _, _, err = second.FinalizeICP(map[int32]uint64{1: 4}, fakeSource{1: []byte("aaaa")}, ftiff.FullRange, 2)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, second.State())
}

func TestFinalizeICPRejectsMissingSizeForAddedVar(t *testing.T) {
	d := NewDriver()
	s, err := d.InitICP(1, 1, true)
	require.NoError(t, err)
	require.NoError(t, s.AddVar(1))

	_, _, _, err = s.FinalizeICP(map[int32]uint64{}, fakeSource{1: []byte("a")}, ftiff.FullRange, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ftierrors.ErrVariableMissing)
	assert.Equal(t, StateAborted, s.State())
}
