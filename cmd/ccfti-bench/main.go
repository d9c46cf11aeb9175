// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command ccfti-bench stands up a single-process simulation of a multi-
// rank cc-fti run: every simulated rank gets its own *ccfti.Engine over an
// internal/levels.ChanNetwork, so the full Checkpoint/Recover pipeline
// runs exactly as it would across real processes, just without MPI or a
// real network in between. It exists to exercise and demonstrate the
// engine end to end (checkpoint cycles at any level, and the loss of one
// rank's L1 file followed by a full-cluster Recover, are reachable by
// flag combinations here) without requiring an actual cluster launch.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"golang.org/x/sync/errgroup"

	ccfti "github.com/ClusterCockpit/cc-fti/engine"
	"github.com/ClusterCockpit/cc-fti/internal/config"
	"github.com/ClusterCockpit/cc-fti/internal/ftilog"
	"github.com/ClusterCockpit/cc-fti/internal/head"
	"github.com/ClusterCockpit/cc-fti/internal/levels"
	"github.com/ClusterCockpit/cc-fti/internal/registry"
)

var log = ftilog.New("[BENCH]", ftilog.LevelInfo)

// flagConfig is the subset of internal/config.Config this driver lets the
// command line override directly, plus the run parameters (rank count,
// cycle count, fault injection) that describe the simulated launch itself
// rather than any one rank's behavior and so have no place in a per-engine
// config file.
type flagConfig struct {
	configFile string
	workDir    string
	ranks      int
	nodeSize   int
	heads      int
	groupSize  int
	level      int
	cycles     int
	varBytes   int
	failRank   int
	user       string
	group      string
	gops       bool
}

func parseFlags() flagConfig {
	var fc flagConfig
	flag.StringVar(&fc.configFile, "config", "", "Path to a JSON engine config (see internal/config). If empty, built-in defaults plus the other flags are used.")
	flag.StringVar(&fc.workDir, "work-dir", "", "Directory for local/global/metadata storage (default: a fresh temp directory)")
	flag.IntVar(&fc.ranks, "ranks", 4, "Total simulated ranks, head ranks included")
	flag.IntVar(&fc.nodeSize, "node-size", 1, "Ranks per node")
	flag.IntVar(&fc.heads, "heads", 0, "Heads per node, 0 or 1")
	flag.IntVar(&fc.groupSize, "group-size", 4, "Nodes per L2/L3 group")
	flag.IntVar(&fc.level, "level", 3, "Checkpoint level to request each cycle (1-4)")
	flag.IntVar(&fc.cycles, "cycles", 3, "Number of checkpoint cycles to run before recovery")
	flag.IntVar(&fc.varBytes, "var-bytes", 1<<20, "Size in bytes of the single protected buffer simulated on each rank")
	flag.IntVar(&fc.failRank, "fail-rank", -1, "If >= 0, delete that rank's local L1 file after the last checkpoint cycle and attempt a full-cluster Recover")
	flag.StringVar(&fc.user, "user", "", "Drop privileges to this user after setup")
	flag.StringVar(&fc.group, "group", "", "Drop privileges to this group after setup")
	flag.BoolVar(&fc.gops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.Parse()
	return fc
}

func loadConfig(fc flagConfig) (config.Config, error) {
	if fc.configFile == "" {
		cfg := config.Default()
		cfg.ExecID = fmt.Sprintf("bench-%d", os.Getpid())
		cfg.Topology = config.Topology{NodeSize: fc.nodeSize, Heads: fc.heads, GroupSize: fc.groupSize}
		return cfg, nil
	}
	raw, err := os.ReadFile(fc.configFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("reading %s: %w", fc.configFile, err)
	}
	return config.Parse(raw)
}

func main() {
	fc := parseFlags()

	if fc.gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Fatalf("gops/agent.Listen failed: %v", err)
		}
	}

	if err := loadDotEnv("./.env"); err != nil && !os.IsNotExist(err) {
		log.Fatalf("parsing './.env' file failed: %v", err)
	}

	cfg, err := loadConfig(fc)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	workDir := fc.workDir
	if workDir == "" {
		workDir, err = os.MkdirTemp("", "ccfti-bench-*")
		if err != nil {
			log.Fatalf("creating work dir: %v", err)
		}
	}
	for _, sub := range []string{"local", "global", "metad"} {
		if err := os.MkdirAll(filepath.Join(workDir, sub), 0o755); err != nil {
			log.Fatalf("creating %s dir: %v", sub, err)
		}
	}
	cfg.LocalDir = filepath.Join(workDir, "local")
	cfg.GlobalDir = filepath.Join(workDir, "global")
	cfg.MetadDir = filepath.Join(workDir, "metad")

	// Bind/allocate everything this process needs (sockets, files) before
	// dropping the privilege needed to do that.
	if err := dropPrivileges(fc.user, fc.group); err != nil {
		log.Fatalf("dropping privileges: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-sigs
		notifySystemd(false, "shutting down")
		cancel()
	}()

	notifySystemd(true, fmt.Sprintf("running %d simulated ranks in %s", fc.ranks, workDir))
	runErr := run(ctx, cfg, fc)
	cancel()
	wg.Wait()
	if runErr != nil {
		log.Fatalf("run failed: %v", runErr)
	}
	log.Infof("bench run completed")
}

// layoutFor rebuilds the storage layout a rank's *ccfti.Engine already
// holds internally; the driver needs the same paths to delete a file for
// fault injection without Engine exposing its layout just for that.
func layoutFor(cfg config.Config) levels.Layout {
	return levels.Layout{LocalDir: cfg.LocalDir, GlobalDir: cfg.GlobalDir, MetadDir: cfg.MetadDir, ExecID: cfg.ExecID}
}

// cluster holds one simulation's live engines, split into application
// ranks (the ones this driver drives through Checkpoint/Recover) and the
// node heads serving them (spec.md §4.G offloads L4/staging to these).
type cluster struct {
	net      *levels.ChanNetwork
	appRanks []int
	engines  map[int]*ccfti.Engine
	heads    map[int]*head.Head
}

func buildCluster(cfg config.Config, totalRanks int) (*cluster, error) {
	allRanks := make([]int, totalRanks)
	for r := range allRanks {
		allRanks[r] = r
	}
	net := levels.NewChanNetwork(allRanks)
	layout := layoutFor(cfg)

	c := &cluster{net: net, engines: make(map[int]*ccfti.Engine), heads: make(map[int]*head.Head)}
	headNodeRanks := make(map[int][]int) // head global rank -> its node's app ranks

	for _, r := range allRanks {
		e, tok, err := ccfti.Init(cfg, r, totalRanks, net.Endpoint(r))
		if err != nil {
			return nil, fmt.Errorf("rank %d init: %w", r, err)
		}
		switch tok {
		case ccfti.HEAD:
			c.heads[r] = head.New(net.Endpoint(r), layout, levels.PosixWriter{},
				head.Config{KeepAlive: cfg.Head.KeepAlive, MaxInFlightStage: cfg.Head.MaxInFlightStage}, log)
		case ccfti.SCES:
			c.appRanks = append(c.appRanks, r)
			c.engines[r] = e
		default:
			return nil, fmt.Errorf("rank %d init returned unexpected token %d", r, tok)
		}
	}

	for headRank := range c.heads {
		headNode := headRank / cfg.Topology.NodeSize
		for _, r := range c.appRanks {
			if r/cfg.Topology.NodeSize == headNode {
				headNodeRanks[headRank] = append(headNodeRanks[headRank], r)
			}
		}
	}
	for headRank, h := range c.heads {
		h, ranks := h, headNodeRanks[headRank]
		go func() { _ = h.Run(context.Background(), ranks) }()
		for _, r := range ranks {
			c.engines[r].AttachHead(h)
		}
	}

	return c, nil
}

// runAll drives f concurrently over every application rank's engine and
// collects each rank's (Token, error), mirroring spec.md §5's model of a
// rank as an independent goroutine with its own Engine. It uses
// errgroup.Group rather than a bare sync.WaitGroup purely for the
// fan-out/join itself; each rank's own (Token, error) is still recorded
// under a mutex, since g.Wait()'s own return value only ever surfaces
// the first error and this caller wants every rank's outcome.
func runAll(c *cluster, f func(rank int, e *ccfti.Engine) (ccfti.Token, error)) (map[int]ccfti.Token, map[int]error) {
	toks := make(map[int]ccfti.Token, len(c.appRanks))
	errs := make(map[int]error, len(c.appRanks))
	var mu sync.Mutex
	var g errgroup.Group
	for _, r := range c.appRanks {
		r := r
		g.Go(func() error {
			tok, err := f(r, c.engines[r])
			mu.Lock()
			toks[r], errs[r] = tok, err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return toks, errs
}

func bufferFor(rank, size int) []byte {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(rank + 1)
	}
	return buf
}

func run(ctx context.Context, cfg config.Config, fc flagConfig) error {
	c, err := buildCluster(cfg, fc.ranks)
	if err != nil {
		return err
	}
	defer runAll(c, func(_ int, e *ccfti.Engine) (ccfti.Token, error) { return e.Finalize(ctx) })

	buffers := make(map[int][]byte, len(c.appRanks))
	for _, r := range c.appRanks {
		buffers[r] = bufferFor(r, fc.varBytes)
		if err := c.engines[r].Registry().Protect(1, buffers[r], len(buffers[r]), registry.TypeUint8); err != nil {
			return fmt.Errorf("rank %d protect: %w", r, err)
		}
	}

	for cycle := 1; cycle <= fc.cycles; cycle++ {
		start := time.Now()
		_, errs := runAll(c, func(_ int, e *ccfti.Engine) (ccfti.Token, error) { return e.Checkpoint(ctx, fc.level) })
		for r, err := range errs {
			if err != nil {
				return fmt.Errorf("cycle %d rank %d checkpoint: %w", cycle, r, err)
			}
		}
		log.Infof("cycle %d: level %d checkpoint committed across %d ranks in %s", cycle, fc.level, len(c.appRanks), time.Since(start))
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	if fc.failRank < 0 {
		return nil
	}
	return simulateFailureAndRecover(ctx, c, cfg, fc)
}

// simulateFailureAndRecover deletes fc.failRank's committed L1 file (the
// same single-file loss spec.md §8 seed scenarios 2 and 3 inject), zeroes
// its in-memory buffer so a successful Recover is actually observable,
// and runs a full-cluster Recover: every rank participates because
// VoteLevel's gather/broadcast needs the whole group present even though
// only one rank lost data.
func simulateFailureAndRecover(ctx context.Context, c *cluster, cfg config.Config, fc flagConfig) error {
	failEngine, ok := c.engines[fc.failRank]
	if !ok {
		return fmt.Errorf("fail-rank %d is not a simulated application rank", fc.failRank)
	}

	lostPath := layoutFor(cfg).L1File(fc.failRank, fc.cycles)
	if err := os.Remove(lostPath); err != nil {
		return fmt.Errorf("deleting %s to simulate loss: %w", lostPath, err)
	}
	log.Warnf("simulated loss: removed %s", lostPath)

	zeroed := make([]byte, fc.varBytes)
	if err := failEngine.Registry().Protect(1, zeroed, len(zeroed), registry.TypeUint8); err != nil {
		return fmt.Errorf("re-protecting rank %d after simulated loss: %w", fc.failRank, err)
	}

	start := time.Now()
	toks, errs := runAll(c, func(_ int, e *ccfti.Engine) (ccfti.Token, error) { return e.Recover(ctx) })
	log.Infof("recovery round completed in %s", time.Since(start))

	for r, tok := range toks {
		if errs[r] != nil {
			log.Warnf("rank %d recover: token=%d err=%v", r, tok, errs[r])
			if r == fc.failRank {
				return fmt.Errorf("recovery of rank %d failed: %w", r, errs[r])
			}
		}
	}

	restored, ok := failEngine.Registry().Get(1)
	if !ok {
		return fmt.Errorf("rank %d has no variable 1 after recovery", fc.failRank)
	}
	got, err := restored.HostBytes()
	if err != nil {
		return fmt.Errorf("reading recovered bytes for rank %d: %w", fc.failRank, err)
	}
	want := bufferFor(fc.failRank, fc.varBytes)
	if !bytes.Equal(got, want) {
		return fmt.Errorf("rank %d recovered content mismatch (got %d bytes, want %d matching the original pattern)", fc.failRank, len(got), len(want))
	}
	log.Infof("rank %d successfully recovered its %d-byte buffer", fc.failRank, fc.varBytes)
	return nil
}
