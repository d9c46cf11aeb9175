// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ccfti is the public API of the checkpoint/restart engine,
// spec.md §6: Init, Protect, Checkpoint, the iCP driver, Recover,
// RecoverVar, Snapshot, Finalize, Stage and StageStatus, all on one
// per-rank Engine value (spec.md §5: a rank is a goroutine with its own
// *Engine; no two Engine values ever share a registry or mutex).
package ccfti

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ClusterCockpit/cc-fti/internal/config"
	"github.com/ClusterCockpit/cc-fti/internal/dcp"
	"github.com/ClusterCockpit/cc-fti/internal/ftierrors"
	"github.com/ClusterCockpit/cc-fti/internal/ftiff"
	"github.com/ClusterCockpit/cc-fti/internal/ftilog"
	"github.com/ClusterCockpit/cc-fti/internal/head"
	"github.com/ClusterCockpit/cc-fti/internal/icp"
	"github.com/ClusterCockpit/cc-fti/internal/levels"
	"github.com/ClusterCockpit/cc-fti/internal/recovery"
	"github.com/ClusterCockpit/cc-fti/internal/registry"
	"github.com/ClusterCockpit/cc-fti/internal/snapshot"
	"github.com/ClusterCockpit/cc-fti/internal/topology"
)

// Token mirrors spec.md §6's exit codes / return tokens exactly, so a
// caller written against the original API's integer contract ports over
// unchanged.
type Token int

const (
	SCES Token = 0  // success
	DONE Token = 1  // checkpoint performed
	HEAD Token = 2  // this process is a head
	NSCS Token = -1 // generic failure
	NREC Token = -2 // unrecoverable
)

// Engine is one rank's handle onto the checkpoint/restart core.
type Engine struct {
	cfg    config.Config
	topo   topology.Topology
	layout levels.Layout
	comm   levels.Comm
	reg    *registry.Registry
	log    *ftilog.Logger

	dcpEngine    *dcp.Engine
	icpDrv       *icp.Driver
	curICP       *icp.Session
	curICPCkptID int
	ledger       *recovery.Ledger
	l4Writer     levels.L4Writer

	headClient *head.Client
	localHead  *head.Head // set only by the in-process simulation harness
	snapSched  *snapshot.Scheduler

	ckptID    int
	prevChain *ftiff.Chain
	prevRaw   []byte
}

// registrySource adapts *registry.Registry to ftiff.VarSource.
type registrySource struct{ reg *registry.Registry }

func (s registrySource) Bytes(varID int32) ([]byte, error) {
	v, ok := s.reg.Get(int(varID))
	if !ok {
		return nil, fmt.Errorf("%w: variable %d not protected", ftierrors.ErrVariableMissing, varID)
	}
	return v.HostBytes()
}

// Init derives this rank's topology and, for an application rank, brings
// up its registry, dCP engine, iCP driver and recovery ledger. A rank
// that resolves to a node's head returns (nil, HEAD, nil): spec.md §6
// "HEAD=2 this process is a head" -- the caller is expected to run
// internal/head's event loop itself rather than continue as an
// application rank.
func Init(cfg config.Config, rank, totalRanks int, comm levels.Comm) (*Engine, Token, error) {
	topo, err := topology.New(rank, totalRanks, cfg.Topology.NodeSize, cfg.Topology.Heads, cfg.Topology.GroupSize, cfg.Levels.L2, cfg.Levels.L3)
	if err != nil {
		return nil, NSCS, err
	}
	if topo.IsHead {
		return nil, HEAD, nil
	}

	log := ftilog.New(fmt.Sprintf("[RANK%d]", rank), ftilog.ParseLevel(cfg.LogLevel))

	layout := levels.Layout{LocalDir: cfg.LocalDir, GlobalDir: cfg.GlobalDir, MetadDir: cfg.MetadDir, ExecID: cfg.ExecID}

	var dcpEngine *dcp.Engine
	if cfg.DCP.Enabled {
		mode := dcp.ParseMode(cfg.DCP.Mode)
		dcpEngine, err = dcp.New(mode, cfg.DCP.BlockSize)
		if err != nil {
			return nil, NSCS, err
		}
	}

	ledger, err := recovery.OpenLedger(filepath.Join(cfg.MetadDir, cfg.ExecID, "ledger.db"))
	if err != nil {
		return nil, NSCS, err
	}

	var writer levels.L4Writer
	switch cfg.Levels.L4Writer {
	case "", "posix":
		writer = levels.PosixWriter{}
	case "s3":
		writer, err = levels.NewS3Writer(context.Background(), levels.S3Config{
			Endpoint:     cfg.Levels.S3.Endpoint,
			Bucket:       cfg.Levels.S3.Bucket,
			AccessKey:    cfg.Levels.S3.AccessKey,
			SecretKey:    cfg.Levels.S3.SecretKey,
			Region:       cfg.Levels.S3.Region,
			UsePathStyle: cfg.Levels.S3.UsePathStyle,
		})
		if err != nil {
			ledger.Close()
			return nil, NSCS, err
		}
	default:
		ledger.Close()
		return nil, NSCS, fmt.Errorf("%w: unsupported l4Writer %q", ftierrors.ErrConfigInvalid, cfg.Levels.L4Writer)
	}

	e := &Engine{
		cfg:       cfg,
		topo:      topo,
		layout:    layout,
		comm:      comm,
		reg:       registry.New(),
		log:       log,
		dcpEngine: dcpEngine,
		icpDrv:    icp.NewDriver(),
		ledger:    ledger,
		l4Writer:  writer,
	}

	if topo.H == 1 && comm != nil {
		e.headClient = head.NewClient(comm, topo.HeadRank())
	}

	return e, SCES, nil
}

// AttachHead wires e directly to a Head running in this same process, the
// simplification internal/recovery and internal/head's own tests already
// rely on (a head and the ranks it serves sharing one address space); it
// lets StageStatus answer locally instead of needing a query round trip
// this module does not implement.
func (e *Engine) AttachHead(h *head.Head) { e.localHead = h }

// Registry exposes the underlying registry for Protect/DefineComposite/
// DefineDataset/Free/Realloc calls -- spec.md §4.B's operations are
// unchanged from internal/registry, so Engine does not re-wrap each one.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// Topology exposes the derived topology, mainly for callers building a
// cluster simulation (cmd/ccfti-bench) that need every rank's partner/
// group/head relationships up front.
func (e *Engine) Topology() topology.Topology { return e.topo }

func (e *Engine) diffSource() ftiff.DiffSource {
	if e.dcpEngine != nil {
		return e.dcpEngine
	}
	return ftiff.FullRange
}

func (e *Engine) snapshotVars() ([]int32, []uint64) {
	vars := e.reg.Snapshot()
	ids := make([]int32, len(vars))
	sizes := make([]uint64, len(vars))
	for i, v := range vars {
		ids[i] = int32(v.ID)
		sizes[i] = uint64(v.Size())
	}
	return ids, sizes
}

// Checkpoint writes one checkpoint cycle at the requested level (1-4),
// per spec.md §4.E/§6. L1 is always performed (it is the foundation every
// other level builds on); L2/L3/L4 are attempted additionally when level
// asks for them and the corresponding internal/config.Levels toggle is
// on. Per spec.md §7's error policy, only an L1 failure is a hard error
// (NSCS); a higher level's failure is logged and the cycle still reports
// DONE, since L1 alone is already a valid, recoverable checkpoint.
func (e *Engine) Checkpoint(ctx context.Context, level int) (Token, error) {
	e.ckptID++
	varIDs, varSizes := e.snapshotVars()
	src := registrySource{reg: e.reg}
	diff := e.diffSource()
	timestamp := time.Now().UnixNano()

	l1res, err := levels.WriteL1(e.layout, e.topo.Rank, e.ckptID, varIDs, varSizes, src, e.prevChain, e.prevRaw, diff, timestamp)
	if err != nil {
		if e.dcpEngine != nil {
			e.dcpEngine.Discard()
		}
		return NSCS, err
	}
	if e.dcpEngine != nil {
		e.dcpEngine.Commit()
	}
	e.prevChain = l1res.Chain
	e.prevRaw = l1res.Raw
	e.recordCommit(recovery.L1, l1res.FS)

	if level >= recovery.L2 && e.cfg.Levels.L2 {
		res := levels.WritePartnerCopy(ctx, e.layout, e.comm, e.topo.Rank, e.topo.PartnerRank(), l1res.Path, e.cfg.Levels.BlockSize)
		if !res.Ok {
			e.log.Warnf("L2 partner exchange failed this cycle, L1 remains authoritative")
		} else {
			e.recordCommit(recovery.L2, res.PtFs)
		}
	}

	if level >= recovery.L3 && e.cfg.Levels.L3 {
		groupRanks := e.topo.GroupRanks()
		raw, err := os.ReadFile(l1res.Path)
		if err != nil {
			e.log.Warnf("L3 group encode skipped: %v", err)
		} else if _, err := levels.WriteL3Group(ctx, e.layout, e.comm, groupRanks, e.topo.Rank, e.topo.GroupID, e.ckptID, raw); err != nil {
			e.log.Warnf("L3 group encode failed this cycle: %v", err)
		} else {
			// A group member's own L1 file doubles as its L3 data shard
			// (internal/recovery's reconstructL3 relies on exactly this),
			// so every rank in the group -- not just the parity holders --
			// is worth recording as L3-present.
			e.recordCommit(recovery.L3, l1res.FS)
		}
	}

	if level >= recovery.L4 && e.cfg.Levels.L4 {
		if err := e.flushL4(ctx, l1res); err != nil {
			e.log.Warnf("L4 flush failed this cycle: %v", err)
		} else {
			e.recordCommit(recovery.L4, l1res.FS)
		}
	}

	return DONE, nil
}

func (e *Engine) flushL4(ctx context.Context, l1res levels.L1Result) error {
	raw, err := os.ReadFile(l1res.Path)
	if err != nil {
		return err
	}
	if e.headClient != nil {
		return e.headClient.RequestCkpt(ctx, e.ckptID, recovery.L4, uint64(len(raw)), checksumHex(raw))
	}
	return levels.WriteL4(ctx, e.layout, e.l4Writer, e.topo.Rank, e.ckptID, raw, l1res.VarIDs, l1res.VarSizes, "")
}

func (e *Engine) recordCommit(level int, fs uint64) {
	if err := e.ledger.RecordCommit(e.cfg.ExecID, e.topo.Rank, level, e.ckptID, fmt.Sprintf("fs:%d", fs)); err != nil {
		e.log.Warnf("ledger record for level %d failed (scan-order hint only): %v", level, err)
	}
}

// InitICP opens an incremental-checkpoint sequence, per spec.md §4.H.
// ckptID is the caller's chosen identifier for the cycle this sequence
// will commit as; FinalizeICP commits under this same id rather than
// Checkpoint's own auto-incrementing counter.
func (e *Engine) InitICP(ckptID, level int, activate bool) error {
	s, err := e.icpDrv.InitICP(ckptID, level, activate)
	if err != nil {
		return err
	}
	e.curICP = s
	e.curICPCkptID = ckptID
	return nil
}

// AddVarICP adds varID to the currently open iCP sequence.
func (e *Engine) AddVarICP(varID int) error {
	if e.curICP == nil {
		return fmt.Errorf("%w: add_var called with no open icp sequence", ftierrors.ErrConfigInvalid)
	}
	return e.curICP.AddVar(int32(varID))
}

// FinalizeICP closes the currently open iCP sequence and commits its
// result as this cycle's L1 checkpoint, through the same
// levels.CommitL1 path WriteL1 itself uses.
func (e *Engine) FinalizeICP(ctx context.Context, level int) (Token, error) {
	if e.curICP == nil {
		return NSCS, fmt.Errorf("%w: finalize_icp called with no open icp sequence", ftierrors.ErrConfigInvalid)
	}
	session := e.curICP
	e.curICP = nil

	varIDs, varSizes := e.snapshotVars()
	sizes := make(map[int32]uint64, len(varIDs))
	for i, id := range varIDs {
		sizes[id] = varSizes[i]
	}

	e.ckptID = e.curICPCkptID
	chain, raw, result, err := session.FinalizeICP(sizes, registrySource{reg: e.reg}, e.diffSource(), time.Now().UnixNano())
	if err != nil {
		return NSCS, err
	}

	l1res, err := levels.CommitL1(e.layout, e.topo.Rank, e.ckptID, raw, chain, varIDs, varSizes, result.DataSize, result.DcpSize)
	if err != nil {
		return NSCS, err
	}
	e.prevChain = chain
	e.prevRaw = raw
	e.recordCommit(recovery.L1, l1res.FS)

	if level > recovery.L1 && e.cfg.Levels.L2 {
		if res := levels.WritePartnerCopy(ctx, e.layout, e.comm, e.topo.Rank, e.topo.PartnerRank(), l1res.Path, e.cfg.Levels.BlockSize); res.Ok {
			e.recordCommit(recovery.L2, res.PtFs)
		}
	}

	return DONE, nil
}

// Recover restores every protected variable from the best surviving
// level across this rank's group, per spec.md §4.F.
func (e *Engine) Recover(ctx context.Context) (Token, error) {
	planner := recovery.NewPlanner(e.layout, e.ledger)
	in := recovery.GroupInputs{
		Rank: e.topo.Rank, Partner: e.topo.PartnerRank(),
		GroupRanks: e.topo.GroupRanks(), GroupID: e.topo.GroupID, CkptID: e.ckptID,
	}
	_, err := planner.Run(ctx, e.comm, in, e.reg)
	if err != nil {
		return failToken(err), err
	}
	return SCES, nil
}

// RecoverVar restores exactly one protected variable, per spec.md §6's
// RecoverVar(id). The planner runs through Verify identically to a full
// Recover; only the final load step is narrowed to one id.
func (e *Engine) RecoverVar(ctx context.Context, varID int) (Token, error) {
	planner := recovery.NewPlanner(e.layout, e.ledger)
	in := recovery.GroupInputs{
		Rank: e.topo.Rank, Partner: e.topo.PartnerRank(),
		GroupRanks: e.topo.GroupRanks(), GroupID: e.topo.GroupID, CkptID: e.ckptID,
	}
	local := planner.Scan(in)
	level, err := planner.VoteLevel(ctx, e.comm, in, local)
	if err != nil {
		return failToken(err), err
	}
	raw, err := planner.FetchMissing(level, in)
	if err != nil {
		return failToken(err), err
	}
	_, chain, err := planner.Verify(raw)
	if err != nil {
		return NSCS, err
	}
	if err := planner.LoadVarIntoRegistry(e.reg, raw, chain, int32(varID)); err != nil {
		return NSCS, err
	}
	return SCES, nil
}

// failToken classifies a recovery-path error for spec.md §6's token
// table. ErrGroupInsufficient (RS could not reconstruct an L3 group,
// more shards missing than levels.ParityShards tolerates) is as
// unrecoverable as VoteLevel finding no sufficient level at all: both
// mean the group's data is gone at every level this rank could reach.
func failToken(err error) Token {
	if errors.Is(err, ftierrors.ErrUnrecoverable) || errors.Is(err, ftierrors.ErrGroupInsufficient) {
		return NREC
	}
	return NSCS
}

// Snapshot is spec.md §6's interval-schedule checkpoint: simply
// Checkpoint at level L4, so every level enabled in the config runs.
// The level is fixed, not read from the config. StartSnapshotSchedule is what
// actually puts it on a schedule; Snapshot itself stays callable on its
// own for a caller that wants to trigger one cycle directly.
func (e *Engine) Snapshot(ctx context.Context) (Token, error) {
	return e.Checkpoint(ctx, recovery.L4)
}

// StartSnapshotSchedule begins running Snapshot every
// cfg.Checkpoints.Interval via internal/snapshot's gocron-backed
// scheduler, per spec.md §6. Finalize shuts the scheduler down along
// with the rest of this rank's state.
func (e *Engine) StartSnapshotSchedule(ctx context.Context) error {
	interval, err := time.ParseDuration(e.cfg.Checkpoints.Interval)
	if err != nil {
		return fmt.Errorf("%w: checkpoints.interval %q: %v", ftierrors.ErrConfigInvalid, e.cfg.Checkpoints.Interval, err)
	}
	sched, err := snapshot.New(e.log)
	if err != nil {
		return err
	}
	if err := sched.RegisterSnapshot(interval, func() error {
		_, err := e.Snapshot(ctx)
		return err
	}); err != nil {
		return err
	}
	sched.Start()
	e.snapSched = sched
	return nil
}

// Stage asks this rank's head to copy local to remote, per spec.md §6's
// Stage(local,remote).
func (e *Engine) Stage(ctx context.Context, local, remote string) (int, error) {
	if e.headClient == nil {
		return 0, fmt.Errorf("%w: Stage called on a rank with no head", ftierrors.ErrConfigInvalid)
	}
	return e.headClient.RequestStage(ctx, local, remote)
}

// StageStatus answers spec.md §6's StageStatus(id). It only works when
// AttachHead was called with the local Head this rank's requests landed
// on -- the same same-process simplification internal/head's own tests
// use -- since this module does not implement a remote status query.
func (e *Engine) StageStatus(id int) (head.StageState, error) {
	if e.localHead == nil {
		return 0, fmt.Errorf("%w: StageStatus needs a locally attached head (see AttachHead)", ftierrors.ErrConfigInvalid)
	}
	state, ok := e.localHead.Staging().Status(id)
	if !ok {
		return 0, fmt.Errorf("%w: unknown stage id %d", ftierrors.ErrConfigInvalid, id)
	}
	return state, nil
}

// Finalize closes the ledger and, for a rank with a head, sends its
// finalize-request.
func (e *Engine) Finalize(ctx context.Context) (Token, error) {
	if e.snapSched != nil {
		if err := e.snapSched.Shutdown(); err != nil {
			e.log.Warnf("snapshot scheduler shutdown failed: %v", err)
		}
	}
	if e.headClient != nil {
		if err := e.headClient.Finalize(ctx); err != nil {
			e.log.Warnf("finalize-request to head failed: %v", err)
		}
	}
	if err := e.ledger.Close(); err != nil {
		return NSCS, err
	}
	return SCES, nil
}

func checksumHex(data []byte) string {
	sum := md5.Sum(data)
	return fmt.Sprintf("%x", sum)
}
