// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package recovery implements the recovery planner of spec.md §4.F: the
// per-rank Scan -> VoteLevel -> FetchMissing -> Verify -> LoadIntoRegistry
// -> Ready state machine, cheapest-level-first (L1 before L2 before L3
// before L4), with checksums gating every level.
package recovery

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ClusterCockpit/cc-fti/internal/ftierrors"
)

// ledgerSchema mirrors the teacher's sqliteBackend.go: WAL mode, a single
// table keyed by the triple the planner actually queries, an index for
// the lookup the Scan step performs once per rank per vote round.
const ledgerSchema = `
CREATE TABLE IF NOT EXISTS commits (
	exec_id    TEXT NOT NULL,
	rank       INTEGER NOT NULL,
	level      INTEGER NOT NULL,
	ckpt_id    INTEGER NOT NULL,
	checksum   TEXT NOT NULL,
	committed_at INTEGER NOT NULL,
	PRIMARY KEY (exec_id, rank, level, ckpt_id)
);

CREATE INDEX IF NOT EXISTS idx_commits_lookup ON commits(exec_id, rank, level);
`

// Ledger is a cache of which (execId, rank, level, ckptId) commits the
// planner has already seen, so a Scan can skip directories the ledger
// says were never written instead of walking every level's tree on every
// vote round. Only its misses are taken at face value: a hit still goes
// through the checksum-gated file read before the level counts as present
// (spec.md §4.F, "Checksums gate every level").
type Ledger struct {
	db *sqlx.DB
}

// OpenLedger opens (creating if absent) a sqlite-backed ledger at path.
func OpenLedger(path string) (*Ledger, error) {
	db, err := sqlx.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open recovery ledger %s: %v", ftierrors.ErrIO, path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: ledger pragma %q: %v", ftierrors.ErrIO, pragma, err)
		}
	}

	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create ledger schema: %v", ftierrors.ErrIO, err)
	}

	return &Ledger{db: db}, nil
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// RecordCommit notes that level for (rank, ckptID) committed with
// checksum, for a future Scan's benefit. A failure to record is never
// fatal to the checkpoint that produced it -- the ledger is an
// optimization, not a log the commit itself depends on.
func (l *Ledger) RecordCommit(execID string, rank, level, ckptID int, checksum string) error {
	if l == nil {
		return nil
	}
	_, err := l.db.Exec(`
		INSERT INTO commits (exec_id, rank, level, ckpt_id, checksum, committed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(exec_id, rank, level, ckpt_id) DO UPDATE SET
			checksum = excluded.checksum,
			committed_at = excluded.committed_at
	`, execID, rank, level, ckptID, checksum, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("%w: record ledger commit: %v", ftierrors.ErrIO, err)
	}
	return nil
}

// ledgerRow is what WorthScanning scans a matching row into.
type ledgerRow struct {
	Checksum    string `db:"checksum"`
	CommittedAt int64  `db:"committed_at"`
}

// WorthScanning reports whether the ledger has ever seen a commit for
// (execID, rank, level). Scan treats false as "absent on this rank" and
// reads no file for it; a true result is still followed by the
// checksum-gated file read. A nil ledger, or one that cannot be queried,
// returns true.
func (l *Ledger) WorthScanning(execID string, rank, level int) bool {
	if l == nil {
		return true
	}
	var row ledgerRow
	err := l.db.Get(&row, `
		SELECT checksum, committed_at FROM commits
		WHERE exec_id = ? AND rank = ? AND level = ?
		ORDER BY ckpt_id DESC LIMIT 1
	`, execID, rank, level)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false
		}
		// A corrupt/locked database: the ledger has nothing useful to
		// say, so err on the side of scanning for real.
		return true
	}
	return row.Checksum != ""
}
