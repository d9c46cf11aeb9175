// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package head implements the per-node head process of spec.md §4.G: an
// event loop offloading L4 flush and file staging for the application
// ranks sharing its node, plus the staging subsystem's request lifecycle.
package head

import (
	"fmt"
	"sync"

	"github.com/ClusterCockpit/cc-fti/internal/ftierrors"
)

// StageState is one staging request's lifecycle stop, per spec.md §4.G:
// "SI_PEND -> SI_ACTV -> SI_SCES|SI_FAIL".
type StageState int

const (
	StagePending StageState = iota
	StageActive
	StageSuccess
	StageFailed
)

func (s StageState) String() string {
	switch s {
	case StagePending:
		return "SI_PEND"
	case StageActive:
		return "SI_ACTV"
	case StageSuccess:
		return "SI_SCES"
	case StageFailed:
		return "SI_FAIL"
	default:
		return "SI_UNKNOWN"
	}
}

// StagingTable tracks every in-flight stage request's lifecycle, capped
// at maxInFlight entries at once -- spec.md §4.G's "upper bound on memory
// ~= SI_MAX_NUM x sizeof(request)".
type StagingTable struct {
	mu          sync.Mutex
	maxInFlight int
	states      map[int]StageState
	nextID      int
}

// NewStagingTable returns an empty table capped at maxInFlight concurrent
// requests.
func NewStagingTable(maxInFlight int) *StagingTable {
	return &StagingTable{maxInFlight: maxInFlight, states: make(map[int]StageState)}
}

// Submit registers a new request in SI_PEND and returns its id, or
// ftierrors.ErrIO if the table is already at capacity.
func (t *StagingTable) Submit() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.states) >= t.maxInFlight {
		return 0, fmt.Errorf("%w: staging table at capacity (%d in flight)", ftierrors.ErrIO, t.maxInFlight)
	}
	id := t.nextID
	t.nextID++
	t.states[id] = StagePending
	return id, nil
}

// MarkActive transitions id to SI_ACTV.
func (t *StagingTable) MarkActive(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[id] = StageActive
}

// Complete transitions id to SI_SCES or SI_FAIL depending on err.
func (t *StagingTable) Complete(id int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.states[id] = StageFailed
		return
	}
	t.states[id] = StageSuccess
}

// Status reports id's current state.
func (t *StagingTable) Status(id int) (StageState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[id]
	return s, ok
}

// Forget frees id's slot once the caller no longer needs its status,
// keeping a long-running head's table bounded.
func (t *StagingTable) Forget(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, id)
}
