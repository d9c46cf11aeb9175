// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package snapshot

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/cc-fti/internal/ftilog"
)

func newTestLogger() *ftilog.Logger {
	return ftilog.New("[SNAPSHOT]", ftilog.LevelCrit)
}

func TestRegisterSnapshotRunsOnSchedule(t *testing.T) {
	s, err := New(newTestLogger())
	require.NoError(t, err)

	var calls atomic.Int32
	require.NoError(t, s.RegisterSnapshot(20*time.Millisecond, func() error {
		calls.Add(1)
		return nil
	}))

	s.Start()
	defer s.Shutdown()

	require.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestRegisterSnapshotSurvivesTaskFailure(t *testing.T) {
	s, err := New(newTestLogger())
	require.NoError(t, err)

	var calls atomic.Int32
	require.NoError(t, s.RegisterSnapshot(15*time.Millisecond, func() error {
		calls.Add(1)
		return assert.AnError
	}))

	s.Start()
	defer s.Shutdown()

	require.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestRegisterSnapshotRejectsNonPositiveInterval(t *testing.T) {
	s, err := New(newTestLogger())
	require.NoError(t, err)

	err = s.RegisterSnapshot(0, func() error { return nil })
	require.Error(t, err)
}
