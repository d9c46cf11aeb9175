// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package levels

import (
	"fmt"
	"path/filepath"
)

// Layout derives every on-disk path spec.md §6 names from the three
// configured root directories and the execution id.
type Layout struct {
	LocalDir  string
	GlobalDir string
	MetadDir  string
	ExecID    string
}

func (l Layout) L1File(rank, ckptID int) string {
	return filepath.Join(l.LocalDir, l.ExecID, "l1", fmt.Sprintf("%d-Ckpt%d.fti", rank, ckptID))
}

func (l Layout) PartnerFile(rank, partner int) string {
	return filepath.Join(l.LocalDir, l.ExecID, "l2", fmt.Sprintf("%d", rank), fmt.Sprintf("Ptner-Rank%d.fti", partner))
}

func (l Layout) L3File(rank, ckptID int) string {
	return filepath.Join(l.LocalDir, l.ExecID, "l3", fmt.Sprintf("%d-Ckpt%d.fti", rank, ckptID))
}

func (l Layout) L3Sidecar(groupID, ckptID int) string {
	return filepath.Join(l.MetadDir, l.ExecID, "l3", fmt.Sprintf("group%d-Ckpt%d.sidecar", groupID, ckptID))
}

func (l Layout) L4File(rank, ckptID int) string {
	return filepath.Join(l.GlobalDir, l.ExecID, "l4", fmt.Sprintf("%d-Ckpt%d.fti", rank, ckptID))
}

func (l Layout) L4Archive(rank, ckptID int, timestamp string) string {
	return filepath.Join(l.GlobalDir, l.ExecID, "l4_archive", timestamp, fmt.Sprintf("%d-Ckpt%d.fti", rank, ckptID))
}

func (l Layout) DcpFile(rank int) string {
	return filepath.Join(l.GlobalDir, l.ExecID, "dCP", fmt.Sprintf("dCPFile-Rank%d.fti", rank))
}

func (l Layout) Sidecar(level string, rank, ckptID int) string {
	return filepath.Join(l.MetadDir, l.ExecID, level, fmt.Sprintf("%d-Ckpt%d.sidecar", rank, ckptID))
}
