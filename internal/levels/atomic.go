// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package levels implements the L1-L4 checkpoint level encoders of
// spec.md §4.E: L1 local copy, L2 partner exchange, L3 Reed-Solomon group
// encode, and L4 parallel-filesystem flush.
package levels

import (
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ClusterCockpit/cc-fti/internal/ftierrors"
)

// writeFileAtomic writes data to path via a temp file in the same
// directory, fsyncs it, then renames it into place -- the commit
// primitive every level below relies on so a reader never observes a
// partially-written file (spec.md §5: "a checkpoint is considered
// committed only after every participating rank has durably renamed its
// temporary into place").
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", ftierrors.ErrIO, dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp in %s: %v", ftierrors.ErrIO, dir, err)
	}
	tmpName := tmp.Name()
	// Remove the temp file on any early return; a successful rename makes
	// this a harmless no-op since the path no longer exists under tmpName.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write %s: %v", ftierrors.ErrIO, tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: fsync %s: %v", ftierrors.ErrIO, tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ftierrors.ErrIO, tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("%w: rename %s to %s: %v", ftierrors.ErrIO, tmpName, path, err)
	}
	return nil
}

// checksumHex returns the hex MD5 of data, the same digest form sidecar
// files and FTI-FF's own file_meta.checksum use.
func checksumHex(data []byte) string {
	sum := md5.Sum(data)
	return fmt.Sprintf("%x", sum)
}

// checksumFile hashes path with MD5 and compares against want (hex), per
// spec.md §4.F: "a file that exists but fails its MD5 is treated as
// missing."
func checksumFile(path string, want string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, nil // missing, not an error the caller needs to see
	}
	sum := md5.Sum(data)
	got := fmt.Sprintf("%x", sum)
	return got == want, nil
}
