// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package levels

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ClusterCockpit/cc-fti/internal/ftierrors"
)

// Sidecar is the per-level metadata companion file spec.md §6 describes:
// a plain key=value text file living under <metadDir>/<exec_id>/l{1..4}.
type Sidecar struct {
	CkptFile      string
	FS            uint64
	MaxFs         uint64
	Pfs           uint64
	VarIDs        []int
	VarSizes      []uint64
	Checksum      string
	PtnerChecksum string
	RsChecksum    string
}

// Write renders s as key=value lines, one per field, with varID_i/varSize_i
// repeated per variable -- the format external FTI tooling expects to be
// able to parse without linking this module.
func (s Sidecar) Write(path string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "ckpt_file=%s\n", s.CkptFile)
	fmt.Fprintf(&b, "fs=%d\n", s.FS)
	fmt.Fprintf(&b, "maxFs=%d\n", s.MaxFs)
	fmt.Fprintf(&b, "pfs=%d\n", s.Pfs)
	fmt.Fprintf(&b, "nbVar=%d\n", len(s.VarIDs))
	for i, id := range s.VarIDs {
		fmt.Fprintf(&b, "varID_%d=%d\n", i, id)
		fmt.Fprintf(&b, "varSize_%d=%d\n", i, s.VarSizes[i])
	}
	if s.Checksum != "" {
		fmt.Fprintf(&b, "checksum=%s\n", s.Checksum)
	}
	if s.PtnerChecksum != "" {
		fmt.Fprintf(&b, "ptner_checksum=%s\n", s.PtnerChecksum)
	}
	if s.RsChecksum != "" {
		fmt.Fprintf(&b, "rs_checksum=%s\n", s.RsChecksum)
	}
	return writeFileAtomic(path, []byte(b.String()))
}

// ReadSidecar parses a key=value metadata file back into a Sidecar.
func ReadSidecar(path string) (Sidecar, error) {
	f, err := os.Open(path)
	if err != nil {
		return Sidecar{}, fmt.Errorf("%w: open sidecar %s: %v", ftierrors.ErrIO, path, err)
	}
	defer f.Close()

	kv := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		kv[parts[0]] = parts[1]
	}
	if err := sc.Err(); err != nil {
		return Sidecar{}, fmt.Errorf("%w: scan sidecar %s: %v", ftierrors.ErrIO, path, err)
	}

	s := Sidecar{
		CkptFile:      kv["ckpt_file"],
		FS:            parseUint(kv["fs"]),
		MaxFs:         parseUint(kv["maxFs"]),
		Pfs:           parseUint(kv["pfs"]),
		Checksum:      kv["checksum"],
		PtnerChecksum: kv["ptner_checksum"],
		RsChecksum:    kv["rs_checksum"],
	}
	nbVar, _ := strconv.Atoi(kv["nbVar"])
	for i := 0; i < nbVar; i++ {
		id, _ := strconv.Atoi(kv[fmt.Sprintf("varID_%d", i)])
		size := parseUint(kv[fmt.Sprintf("varSize_%d", i)])
		s.VarIDs = append(s.VarIDs, id)
		s.VarSizes = append(s.VarSizes, size)
	}
	return s, nil
}

func parseUint(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}
