// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package snapshot drives the engine's Snapshot operation (spec.md §6's
// "checkpoint on interval schedule") off a gocron job, the same pattern
// the teacher's internal/taskManager uses for its periodic background
// services.
package snapshot

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/ClusterCockpit/cc-fti/internal/ftierrors"
	"github.com/ClusterCockpit/cc-fti/internal/ftilog"
)

// Scheduler wraps a gocron.Scheduler running exactly one registered
// snapshot task, mirroring the teacher's one-scheduler-per-process
// taskManager.Start/Shutdown shape rather than exposing gocron directly
// to callers.
type Scheduler struct {
	sched gocron.Scheduler
	log   *ftilog.Logger
}

// New creates an idle scheduler; call RegisterSnapshot then Start.
func New(log *ftilog.Logger) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("%w: create snapshot scheduler: %v", ftierrors.ErrConfigInvalid, err)
	}
	return &Scheduler{sched: sched, log: log}, nil
}

// RegisterSnapshot schedules fn to run every interval once Start is
// called. fn is the engine's own Snapshot implementation (Protect state
// already current, Checkpoint at L4); a failure is
// logged and the schedule continues, matching spec.md §7's "warnings
// logged, never promoted" policy for background work.
func (s *Scheduler) RegisterSnapshot(interval time.Duration, fn func() error) error {
	if interval <= 0 {
		return fmt.Errorf("%w: snapshot interval must be positive, got %s", ftierrors.ErrConfigInvalid, interval)
	}
	s.log.Infof("registering snapshot task with %s interval", interval)

	_, err := s.sched.NewJob(gocron.DurationJob(interval),
		gocron.NewTask(func() {
			start := time.Now()
			if err := fn(); err != nil {
				s.log.Errorf("snapshot failed after %s: %v", time.Since(start), err)
				return
			}
			s.log.Infof("snapshot completed in %s", time.Since(start))
		}))
	if err != nil {
		return fmt.Errorf("%w: register snapshot job: %v", ftierrors.ErrConfigInvalid, err)
	}
	return nil
}

// Start begins running registered jobs on their schedule.
func (s *Scheduler) Start() { s.sched.Start() }

// Shutdown stops the scheduler, waiting for any in-flight job to finish.
func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}
