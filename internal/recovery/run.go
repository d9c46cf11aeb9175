// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package recovery

import (
	"context"

	"github.com/ClusterCockpit/cc-fti/internal/levels"
	"github.com/ClusterCockpit/cc-fti/internal/registry"
)

// Run drives a rank through the full recovery state machine once:
// Scan -> VoteLevel -> FetchMissing -> Verify -> LoadIntoRegistry ->
// Ready, matching spec.md §4.F. It is the single entry point Recover
// calls; the individual steps remain exported for tests that need to
// inspect an intermediate state.
func (p *Planner) Run(ctx context.Context, comm levels.Comm, in GroupInputs, reg *registry.Registry) (State, error) {
	local := p.Scan(in)

	level, err := p.VoteLevel(ctx, comm, in, local)
	if err != nil {
		return p.state, err
	}

	raw, err := p.FetchMissing(level, in)
	if err != nil {
		return p.state, err
	}

	_, chain, err := p.Verify(raw)
	if err != nil {
		return p.state, err
	}

	if err := p.LoadIntoRegistry(reg, raw, chain); err != nil {
		return p.state, err
	}

	return p.state, nil
}
