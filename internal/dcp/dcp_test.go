// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package dcp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/cc-fti/internal/ftierrors"
)

func repeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestNewRejectsOutOfRangeBlockSize(t *testing.T) {
	_, err := New(ModeMD5, 64)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ftierrors.ErrConfigInvalid))

	_, err = New(ModeMD5, 1<<20)
	require.Error(t, err)
}

func TestFirstCycleIsFullyDirty(t *testing.T) {
	e, err := New(ModeMD5, 512)
	require.NoError(t, err)

	data := repeat('a', 1024)
	ranges, err := e.ChangedRanges("1:0", data)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, uint64(0), ranges[0].Offset)
	assert.Equal(t, uint64(1024), ranges[0].Length)
}

func TestIdempotentSecondCycleIsDry(t *testing.T) {
	e, err := New(ModeMD5, 512)
	require.NoError(t, err)

	data := repeat('a', 1024)
	_, err = e.ChangedRanges("1:0", data)
	require.NoError(t, err)
	e.Commit()

	ranges, err := e.ChangedRanges("1:0", data)
	require.NoError(t, err)
	assert.Empty(t, ranges, "unchanged bytes must not be reported dirty after a committed checkpoint")
}

func TestPartialUpdateReportsExactlyOneBlock(t *testing.T) {
	e, err := New(ModeMD5, 512)
	require.NoError(t, err)

	data := repeat('a', 2048)
	_, err = e.ChangedRanges("1:0", data)
	require.NoError(t, err)
	e.Commit()

	updated := append([]byte(nil), data...)
	for i := 100; i < 200; i++ {
		updated[i] = 'b'
	}
	ranges, err := e.ChangedRanges("1:0", updated)
	require.NoError(t, err)
	require.Len(t, ranges, 1, "bytes [100,200) fall inside a single 512-byte block")
	assert.Equal(t, uint64(0), ranges[0].Offset)
	assert.Equal(t, uint64(512), ranges[0].Length)
}

func TestFailedCheckpointKeepsBlocksDirtyForRetry(t *testing.T) {
	e, err := New(ModeMD5, 512)
	require.NoError(t, err)

	data := repeat('a', 512)
	_, err = e.ChangedRanges("1:0", data)
	require.NoError(t, err)
	e.Discard() // simulate a failed write: never commit

	ranges, err := e.ChangedRanges("1:0", data)
	require.NoError(t, err)
	require.Len(t, ranges, 1, "an uncommitted block must be reported dirty again next attempt")
}

func TestGrowthExpandsRowWithoutLosingCommittedBlocks(t *testing.T) {
	e, err := New(ModeMD5, 512)
	require.NoError(t, err)

	data := repeat('a', 512)
	_, err = e.ChangedRanges("1:0", data)
	require.NoError(t, err)
	e.Commit()

	grown := append(append([]byte(nil), data...), repeat('b', 512)...)
	ranges, err := e.ChangedRanges("1:0", grown)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
	assert.Equal(t, uint64(512), ranges[0].Offset, "only the newly-appended block should be dirty")
}

func TestCRC32ModeDetectsChange(t *testing.T) {
	e, err := New(ModeCRC32, 512)
	require.NoError(t, err)

	data := repeat('a', 512)
	_, err = e.ChangedRanges("1:0", data)
	require.NoError(t, err)
	e.Commit()

	data2 := repeat('z', 512)
	ranges, err := e.ChangedRanges("1:0", data2)
	require.NoError(t, err)
	require.Len(t, ranges, 1)
}
