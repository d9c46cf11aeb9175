// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package levels

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/cc-fti/internal/ftierrors"
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

func tmpLayout(t *testing.T) Layout {
	dir := t.TempDir()
	return Layout{LocalDir: dir, GlobalDir: dir, MetadDir: dir, ExecID: "exec1"}
}

func TestWriteL1CreatesFileAndSidecar(t *testing.T) {
	layout := tmpLayout(t)
	src := fakeSource{1: repeat('a', 1024)}
	res, err := WriteL1(layout, 0, 1, []int32{1}, []uint64{1024}, src, nil, nil, nil, 1)
	require.NoError(t, err)
	assert.FileExists(t, res.Path)

	sidecar, err := ReadSidecar(layout.Sidecar("l1", 0, 1))
	require.NoError(t, err)
	assert.Equal(t, res.FS, sidecar.FS)
	ok, err := checksumFile(res.Path, sidecar.Checksum)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestL2PartnerExchangeRoundTrip(t *testing.T) {
	layout := tmpLayout(t)
	net := NewChanNetwork([]int{0, 1})

	fileA := repeat('a', 4096)
	fileB := repeat('b', 4096)

	var wg sync.WaitGroup
	var resA, resB L2Result
	wg.Add(2)
	go func() {
		defer wg.Done()
		ctx, cancel := WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pathA := writeTemp(t, fileA)
		resA = WritePartnerCopy(ctx, layout, net.Endpoint(0), 0, 1, pathA, 512)
	}()
	go func() {
		defer wg.Done()
		ctx, cancel := WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pathB := writeTemp(t, fileB)
		resB = WritePartnerCopy(ctx, layout, net.Endpoint(1), 1, 0, pathB, 512)
	}()
	wg.Wait()

	require.True(t, resA.Ok)
	require.True(t, resB.Ok)
	gotA, err := os.ReadFile(resA.Path)
	require.NoError(t, err)
	assert.Equal(t, fileB, gotA, "rank 0's partner copy holds rank 1's bytes")

	gotB, err := os.ReadFile(resB.Path)
	require.NoError(t, err)
	assert.Equal(t, fileA, gotB, "rank 1's partner copy holds rank 0's bytes")
}

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "l1-*")
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	return f.Name()
}

func TestL3GroupEncodeAndReconstruct(t *testing.T) {
	layout := tmpLayout(t)
	groupRanks := []int{10, 11, 12, 13}
	net := NewChanNetwork(groupRanks)

	files := map[int][]byte{
		10: repeat('a', 1000),
		11: repeat('b', 1500),
		12: repeat('c', 1000),
		13: repeat('d', 1200),
	}

	var wg sync.WaitGroup
	var leaderRes L3Result
	var leaderErr error
	for _, r := range groupRanks {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			ctx, cancel := WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			res, err := WriteL3Group(ctx, layout, net.Endpoint(rank), groupRanks, rank, 0, 1, files[rank])
			if rank == groupRanks[0] {
				leaderRes, leaderErr = res, err
			}
		}(r)
	}
	wg.Wait()

	require.NoError(t, leaderErr)
	assert.True(t, leaderRes.ParityDone)
	assert.Len(t, leaderRes.Fragments, len(groupRanks)+ParityShards)

	// Parity files must exist on the last two ranks.
	for _, p := range groupRanks[len(groupRanks)-ParityShards:] {
		assert.FileExists(t, layout.L3File(p, 1))
	}

	// Reconstruct after losing 2 of the 4 data files: rebuild the shard
	// set from the 2 surviving data files and the 2 persisted parity
	// files, and confirm the missing data comes back bit for bit.
	maxFs := int(leaderRes.MaxFs)
	shards := make([][]byte, len(groupRanks)+ParityShards)
	// surviving data shards: ranks 11 and 13 (indices 1, 3)
	padded11 := make([]byte, maxFs)
	copy(padded11, files[11])
	shards[1] = padded11
	padded13 := make([]byte, maxFs)
	copy(padded13, files[13])
	shards[3] = padded13
	// parity shards persisted on disk at ranks 12 and 13
	parity0, err := os.ReadFile(layout.L3File(groupRanks[2], 1))
	require.NoError(t, err)
	parity1, err := os.ReadFile(layout.L3File(groupRanks[3], 1))
	require.NoError(t, err)
	shards[len(groupRanks)] = parity0
	shards[len(groupRanks)+1] = parity1

	err = ReconstructGroup(len(groupRanks), shards)
	require.NoError(t, err)

	padded10 := make([]byte, maxFs)
	copy(padded10, files[10])
	assert.Equal(t, padded10, shards[0])
	padded12 := make([]byte, maxFs)
	copy(padded12, files[12])
	assert.Equal(t, padded12, shards[2])
}

func TestL3ReconstructFailsWithMoreThanTwoMissing(t *testing.T) {
	shards := make([][]byte, 6)
	shards[0] = repeat('a', 100)
	shards[1] = nil
	shards[2] = nil
	shards[3] = nil
	shards[4] = repeat('e', 100)
	shards[5] = repeat('f', 100)

	err := ReconstructGroup(4, shards)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ftierrors.ErrGroupInsufficient))
}

func TestWriteL4WithPosixWriter(t *testing.T) {
	layout := tmpLayout(t)
	data := repeat('x', 2048)
	err := WriteL4(context.Background(), layout, PosixWriter{}, 0, 1, data, []int{1}, []uint64{2048}, "")
	require.NoError(t, err)

	got, err := os.ReadFile(layout.L4File(0, 1))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRetryingWriterRetriesOnFailure(t *testing.T) {
	attempts := 0
	flaky := flakyWriter{failTimes: 2, attempts: &attempts}
	w := NewRetryingWriter(&flaky, DefaultRetryLimiter(), 3)

	err := w.Flush(context.Background(), "whatever", []byte("data"))
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

type flakyWriter struct {
	failTimes int
	attempts  *int
}

func (f *flakyWriter) Flush(_ context.Context, _ string, _ []byte) error {
	*f.attempts++
	if *f.attempts <= f.failTimes {
		return ftierrors.ErrIO
	}
	return nil
}

func TestNewS3WriterRejectsEmptyBucket(t *testing.T) {
	_, err := NewS3Writer(context.Background(), S3Config{Endpoint: "http://localhost:9000"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ftierrors.ErrConfigInvalid)
}

// TestNewS3WriterBuildsClientFromStaticCredentials does not touch the
// network: constructing the client only resolves local configuration
// (static credentials, region, endpoint override), matching how
// engine.Init builds one for l4Writer "s3" without requiring
// live AWS access just to start up.
func TestNewS3WriterBuildsClientFromStaticCredentials(t *testing.T) {
	w, err := NewS3Writer(context.Background(), S3Config{
		Bucket:       "ckpt-bucket",
		Endpoint:     "http://127.0.0.1:9000",
		AccessKey:    "minioadmin",
		SecretKey:    "minioadmin",
		Region:       "us-east-1",
		UsePathStyle: true,
	})
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, "ckpt-bucket", w.bucket)
}
