// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ftierrors defines the error taxonomy shared by every checkpoint
// engine component. Kinds are sentinel values checked with errors.Is;
// call sites wrap them with %w to attach the failing detail.
package ftierrors

import "errors"

var (
	// ErrConfigInvalid marks a topology/configuration inconsistency (fatal
	// when Init or config.Parse reports it) or an invalid API use, such as
	// an unknown type ref or an iCP call with no open sequence.
	ErrConfigInvalid = errors.New("config invalid")

	// ErrIO marks an underlying filesystem or network write failure. Level
	// encoders treat it as recoverable: the level is downgraded and the
	// cycle proceeds.
	ErrIO = errors.New("io error")

	// ErrChecksumMismatch marks a file that exists but failed validation;
	// the planner treats it identically to a missing file.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrGroupInsufficient marks an L3 group with more than two missing
	// shards; Reed-Solomon cannot reconstruct.
	ErrGroupInsufficient = errors.New("group insufficient for reconstruction")

	// ErrVariableMissing marks an iCP sequence that omitted a variable
	// committed by the previous checkpoint; the iCP is aborted.
	ErrVariableMissing = errors.New("variable missing from icp sequence")

	// ErrUnrecoverable marks a Recover call where no level could
	// reconstruct all ranks' data.
	ErrUnrecoverable = errors.New("unrecoverable failure")

	// ErrIDReused marks ProtectNew called with an id already live in the
	// registry.
	ErrIDReused = errors.New("variable id already in use")
)
