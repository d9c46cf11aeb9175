// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package head

import (
	"context"
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ClusterCockpit/cc-fti/internal/ftierrors"
	"github.com/ClusterCockpit/cc-fti/internal/ftilog"
	"github.com/ClusterCockpit/cc-fti/internal/levels"
)

// Config configures one Head's behavior -- a thin projection of
// config.Config.Head plus whatever the caller already resolved (layout,
// writer, transport), so this package never imports internal/config
// directly and stays testable with a bare levels.ChanNetwork.
type Config struct {
	KeepAlive        bool
	MaxInFlightStage int
}

// Head runs on one node and offloads two kinds of app-rank work that
// spec.md §4.G says may be moved off the critical path: L4 flush
// ("ckpt-request") and staging a local file out to a remote path
// ("stage-request"). It is grounded on the teacher's pkg/nats client
// subscribe/dispatch shape, generalized from one fixed set of subjects to
// the per-Tag request loop spec.md §5 calls for.
type Head struct {
	comm    levels.Comm
	layout  levels.Layout
	writer  levels.L4Writer
	staging *StagingTable
	log     *ftilog.Logger
	cfg     Config
}

// New builds a Head that serves appRanks over comm, flushing L4 through
// writer and reading each rank's committed L1 file from layout.
func New(comm levels.Comm, layout levels.Layout, writer levels.L4Writer, cfg Config, log *ftilog.Logger) *Head {
	if cfg.MaxInFlightStage <= 0 {
		cfg.MaxInFlightStage = 64
	}
	return &Head{
		comm:    comm,
		layout:  layout,
		writer:  writer,
		staging: NewStagingTable(cfg.MaxInFlightStage),
		log:     log,
		cfg:     cfg,
	}
}

// Staging exposes the staging table for local status polling -- a
// simplification the same way internal/recovery's FetchMissing reads
// through levels.Layout directly rather than round-tripping a query
// message: this module models a head and the ranks it serves as sharing
// one process's address space, not genuinely separate ones.
func (h *Head) Staging() *StagingTable { return h.staging }

type inboundMsg struct {
	kind string
	from int
	data []byte
}

// Run serves appRanks until every one of them has sent a finalize-request
// and cfg.KeepAlive is false, or ctx is cancelled.
func (h *Head) Run(ctx context.Context, appRanks []int) error {
	msgs := make(chan inboundMsg, 64)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, r := range appRanks {
		r := r
		go h.pump(ctx, r, levels.TagCkpt, "ckpt", msgs)
		go h.pump(ctx, r, levels.TagStage, "stage", msgs)
		go h.pump(ctx, r, levels.TagFinal, "final", msgs)
	}

	finalized := make(map[int]bool)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-msgs:
			switch m.kind {
			case "ckpt":
				h.handleCkpt(ctx, m.from, m.data)
			case "stage":
				h.handleStage(ctx, m.from, m.data)
			case "final":
				finalized[m.from] = true
				if len(finalized) == len(appRanks) && !h.cfg.KeepAlive {
					return nil
				}
			}
		}
	}
}

func (h *Head) pump(ctx context.Context, from int, tag levels.Tag, kind string, out chan<- inboundMsg) {
	for {
		data, err := h.comm.Recv(ctx, from, tag)
		if err != nil {
			return
		}
		select {
		case out <- inboundMsg{kind: kind, from: from, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

// handleCkpt performs the rank's requested offline L4 flush: it reads the
// rank's already-committed L1 file (this node owns it, per spec.md §6's
// per-rank local directories), verifies it against the checksum the rank
// reported, flushes it through the configured L4Writer, then acks.
func (h *Head) handleCkpt(ctx context.Context, from int, raw []byte) {
	req, err := decodeCkptRequest(raw)
	if err != nil {
		h.log.Errorf("ckpt-request from rank %d: %v", from, err)
		return
	}

	reply := h.doCkpt(ctx, from, req)
	if !reply.OK {
		h.log.Warnf("ckpt-request from rank %d failed: %s", from, reply.Reason)
	}
	if err := h.comm.Send(ctx, from, levels.TagCkpt, encodeCkptReply(reply)); err != nil {
		h.log.Errorf("ckpt-reply to rank %d: %v", from, err)
	}
}

func (h *Head) doCkpt(ctx context.Context, from int, req ckptRequest) ckptReply {
	data, err := os.ReadFile(h.layout.L1File(from, int(req.CkptID)))
	if err != nil {
		return ckptReply{Reason: fmt.Sprintf("read local ckpt for rank %d: %v", from, err)}
	}
	if uint64(len(data)) != req.FileSize {
		return ckptReply{Reason: fmt.Sprintf("rank %d reported size %d, found %d", from, req.FileSize, len(data))}
	}
	if sum := fmt.Sprintf("%x", md5.Sum(data)); sum != req.Checksum {
		return ckptReply{Reason: fmt.Sprintf("rank %d reported checksum %s, found %s", from, req.Checksum, sum)}
	}

	if err := levels.WriteL4(ctx, h.layout, h.writer, from, int(req.CkptID), data, nil, nil, ""); err != nil {
		return ckptReply{Reason: fmt.Sprintf("L4 flush for rank %d: %v", from, err)}
	}
	return ckptReply{OK: true}
}

// handleStage services a stage-request: it queues the request in the
// staging table, replies with the assigned id right away so the caller
// never blocks on the copy, then performs the copy in the background.
func (h *Head) handleStage(ctx context.Context, from int, raw []byte) {
	req, err := decodeStageRequest(raw)
	if err != nil {
		h.log.Errorf("stage-request from rank %d: %v", from, err)
		return
	}

	id, err := h.staging.Submit()
	if err != nil {
		h.log.Warnf("stage-request from rank %d rejected: %v", from, err)
		h.send(ctx, from, levels.TagStage, encodeStageReply(stageReply{Reason: err.Error()}))
		return
	}
	h.send(ctx, from, levels.TagStage, encodeStageReply(stageReply{ID: int32(id), Queued: true}))

	go h.runStage(id, req)
}

func (h *Head) runStage(id int, req stageRequest) {
	h.staging.MarkActive(id)
	err := copyFile(req.Local, req.Remote)
	h.staging.Complete(id, err)
	if err != nil {
		h.log.Errorf("stage %d (%s -> %s) failed: %v", id, req.Local, req.Remote, err)
	}
}

func (h *Head) send(ctx context.Context, dest int, tag levels.Tag, data []byte) {
	if err := h.comm.Send(ctx, dest, tag, data); err != nil {
		h.log.Errorf("send to rank %d: %v", dest, err)
	}
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("%w: stage read %s: %v", ftierrors.ErrIO, src, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("%w: stage mkdir for %s: %v", ftierrors.ErrIO, dst, err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("%w: stage write %s: %v", ftierrors.ErrIO, dst, err)
	}
	return nil
}
