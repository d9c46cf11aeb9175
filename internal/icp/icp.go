// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package icp implements the incremental-checkpoint driver of spec.md
// §4.H: init_icp/add_var/finalize_icp, letting the application emit
// protected variables one at a time instead of handing the engine a
// complete list up front.
package icp

import (
	"fmt"

	"github.com/ClusterCockpit/cc-fti/internal/ftierrors"
	"github.com/ClusterCockpit/cc-fti/internal/ftiff"
)

// State is a Session's position in its one-shot lifecycle.
type State int

const (
	StateActive State = iota
	StateCommitted
	StateAborted
)

// Driver remembers the variable set and block chain committed by the
// previous successful FinalizeICP, the reference point AddVar sequences
// are checked against.
type Driver struct {
	prevVarIDs []int32
	prevChain  *ftiff.Chain
	prevRaw    []byte
}

// NewDriver returns a Driver with no committed history -- the first
// Session's FinalizeICP is unconstrained, matching a rank's very first
// checkpoint.
func NewDriver() *Driver {
	return &Driver{}
}

// Session is one init_icp..finalize_icp sequence. Only one Session per
// Driver may be active at a time, mirroring the original API's single
// open iCPInfo handle per rank.
type Session struct {
	driver   *Driver
	ckptID   int
	level    int
	activate bool
	state    State

	order []int32
	added map[int32]bool
}

// InitICP opens a new incremental-checkpoint sequence. activate mirrors
// the original API's toggle: when false, this cycle behaves like a fresh
// first checkpoint (no superset-or-equal enforcement against history),
// useful for levels or formats that do not support incremental emission
// every cycle.
func (d *Driver) InitICP(ckptID, level int, activate bool) (*Session, error) {
	return &Session{
		driver:   d,
		ckptID:   ckptID,
		level:    level,
		activate: activate,
		state:    StateActive,
		added:    make(map[int32]bool),
	}, nil
}

// AddVar records varID as part of the set this cycle will checkpoint.
// Re-adding an id already added this sequence is a no-op, not an error.
func (s *Session) AddVar(varID int32) error {
	if s.state != StateActive {
		return fmt.Errorf("%w: add_var called on a %s icp sequence", ftierrors.ErrConfigInvalid, s.state)
	}
	if s.added[varID] {
		return nil
	}
	s.added[varID] = true
	s.order = append(s.order, varID)
	return nil
}

// FinalizeICP validates the accumulated variable set against the
// previously committed one (when activate is set), then delegates to
// ftiff.Write for the FTI-FF format -- the only format this module
// implements, per spec.md §1's non-goal on pluggable on-disk formats
// beyond FTI-FF. A failure here aborts the sequence: the driver's
// history is left untouched, so the previously committed checkpoint
// remains authoritative and no temp file is ever renamed into place by
// the caller (internal/levels' atomic-write primitive only renames on a
// nil error).
func (s *Session) FinalizeICP(varSizes map[int32]uint64, src ftiff.VarSource, diff ftiff.DiffSource, timestamp int64) (*ftiff.Chain, []byte, ftiff.WriteResult, error) {
	if s.state != StateActive {
		return nil, nil, ftiff.WriteResult{}, fmt.Errorf("%w: finalize_icp called on a %s icp sequence", ftierrors.ErrConfigInvalid, s.state)
	}

	if s.activate {
		have := make(map[int32]bool, len(s.order))
		for _, id := range s.order {
			have[id] = true
		}
		for _, id := range s.driver.prevVarIDs {
			if !have[id] {
				s.state = StateAborted
				return nil, nil, ftiff.WriteResult{}, fmt.Errorf("%w: icp sequence for ckpt %d omits var %d committed last cycle", ftierrors.ErrVariableMissing, s.ckptID, id)
			}
		}
	}

	sizes := make([]uint64, len(s.order))
	for i, id := range s.order {
		size, ok := varSizes[id]
		if !ok {
			s.state = StateAborted
			return nil, nil, ftiff.WriteResult{}, fmt.Errorf("%w: no size given for var %d added to icp sequence", ftierrors.ErrVariableMissing, id)
		}
		sizes[i] = size
	}

	var prevChain *ftiff.Chain
	var prevRaw []byte
	if s.activate {
		prevChain = s.driver.prevChain
		prevRaw = s.driver.prevRaw
	}

	chain, data, result, err := ftiff.Write(s.order, sizes, src, prevChain, prevRaw, diff, timestamp)
	if err != nil {
		s.state = StateAborted
		return nil, nil, ftiff.WriteResult{}, err
	}

	s.state = StateCommitted
	s.driver.prevVarIDs = append([]int32(nil), s.order...)
	s.driver.prevChain = chain
	s.driver.prevRaw = data
	return chain, data, result, nil
}

// State reports the session's current lifecycle position.
func (s *Session) State() State { return s.state }

func (st State) String() string {
	switch st {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}
