// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/cc-fti/internal/ftierrors"
)

func TestProtectAndGet(t *testing.T) {
	r := New()
	buf := make([]byte, 64)
	require.NoError(t, r.Protect(1, buf, 16, TypeFloat32))

	v, ok := r.Get(1)
	require.True(t, ok)
	assert.Equal(t, 64, v.Size())
}

func TestProtectNewRejectsReuse(t *testing.T) {
	r := New()
	buf := make([]byte, 8)
	require.NoError(t, r.ProtectNew(1, buf, 8, TypeUint8))

	err := r.ProtectNew(1, buf, 8, TypeUint8)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ftierrors.ErrIDReused))
}

func TestReprotectUpdatesInPlace(t *testing.T) {
	r := New()
	buf1 := make([]byte, 8)
	require.NoError(t, r.Protect(1, buf1, 8, TypeUint8))

	buf2 := make([]byte, 16)
	require.NoError(t, r.Protect(1, buf2, 16, TypeUint8))

	v, _ := r.Get(1)
	assert.Equal(t, 16, v.Size())
	assert.Len(t, r.Snapshot(), 1)
}

func TestFreeRemovesFromSnapshotOrder(t *testing.T) {
	r := New()
	require.NoError(t, r.Protect(1, make([]byte, 4), 4, TypeUint8))
	require.NoError(t, r.Protect(2, make([]byte, 4), 4, TypeUint8))
	r.Free(1)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 2, snap[0].ID)
}

func TestSnapshotOrderIsRegistrationOrder(t *testing.T) {
	r := New()
	for _, id := range []int{5, 1, 3} {
		require.NoError(t, r.Protect(id, make([]byte, 1), 1, TypeUint8))
	}
	snap := r.Snapshot()
	var ids []int
	for _, v := range snap {
		ids = append(ids, v.ID)
	}
	assert.Equal(t, []int{5, 1, 3}, ids)
}

func TestDefineCompositeDetectsCycle(t *testing.T) {
	r := New()
	// a references b, b references a: must be rejected.
	// First define "a" over a primitive field and "b" over "a", so both
	// refs exist.
	aRef, err := r.DefineComposite("a", []Field{{Type: TypeFloat64, ByteOffset: 0}})
	require.NoError(t, err)

	bRef, err := r.DefineComposite("b", []Field{{Type: aRef, ByteOffset: 0}})
	require.NoError(t, err)

	// Redefine "a" to point at "b", closing the cycle a -> b -> a.
	// DefineComposite always allocates a new ref, so to exercise the cycle
	// path directly we reach into detectCycle with a synthetic table.
	types := map[TypeRef]TypeDescriptor{
		aRef: {Kind: KindComposite, Fields: []Field{{Type: bRef}}},
		bRef: {Kind: KindComposite, Fields: []Field{{Type: aRef}}},
	}
	err = detectCycle(types, aRef, make(map[TypeRef]int))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ftierrors.ErrConfigInvalid))
}

func TestHostBytesSyncsDeviceVariable(t *testing.T) {
	r := New()
	host := make([]byte, 4)
	synced := false
	err := r.ProtectDevice(1, host, 4, TypeUint8, func(dst []byte) error {
		synced = true
		copy(dst, []byte{1, 2, 3, 4})
		return nil
	})
	require.NoError(t, err)

	v, _ := r.Get(1)
	b, err := v.HostBytes()
	require.NoError(t, err)
	assert.True(t, synced)
	assert.Equal(t, []byte{1, 2, 3, 4}, b)
}

func TestStoredSizeAndRealloc(t *testing.T) {
	r := New()
	require.NoError(t, r.Protect(1, make([]byte, 8), 8, TypeUint8))
	size, ok := r.StoredSize(1)
	require.True(t, ok)
	assert.Equal(t, 8, size)

	newPtr, err := r.Realloc(1, make([]byte, 32), 32)
	require.NoError(t, err)
	assert.Len(t, newPtr, 32)
}
