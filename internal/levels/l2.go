// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package levels

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/ClusterCockpit/cc-fti/internal/ftierrors"
)

// L2Result records the outcome of a partner exchange.
type L2Result struct {
	Path string // local copy of the partner's file, or "" if the level failed
	PtFs uint64
	Ok   bool
}

// WritePartnerCopy exchanges rank's already-written L1 file with partner
// byte-for-byte in blockSize chunks, per spec.md §4.E "L2 -- Partner":
// send local bytes while concurrently receiving the partner's, then
// commit what was received as Ptner-Rank<partner>.fti. Each side first
// sends an 8-byte little-endian size header, so the two files may differ
// in size (either may be empty). On any send/recv
// error the partial partner file is discarded and the level reports
// failure for this rank -- L3/L4 may still proceed independently.
func WritePartnerCopy(ctx context.Context, layout Layout, comm Comm, rank, partner int, localPath string, blockSize int) L2Result {
	local, err := os.ReadFile(localPath)
	if err != nil {
		return L2Result{}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- sendChunks(ctx, comm, partner, local, blockSize)
	}()

	var received []byte
	hdr, recvErr := comm.Recv(ctx, partner, TagPartner)
	if recvErr == nil && len(hdr) != 8 {
		recvErr = fmt.Errorf("%w: bad partner size header from rank %d", ftierrors.ErrIO, partner)
	} else if recvErr == nil {
		received, recvErr = recvChunks(ctx, comm, partner, int(binary.LittleEndian.Uint64(hdr)))
	}
	sendErr := <-errCh

	if sendErr != nil || recvErr != nil {
		return L2Result{}
	}

	path := layout.PartnerFile(rank, partner)
	if err := writeFileAtomic(path, received); err != nil {
		return L2Result{}
	}

	return L2Result{Path: path, PtFs: uint64(len(received)), Ok: true}
}

func sendChunks(ctx context.Context, comm Comm, dest int, data []byte, blockSize int) error {
	if err := comm.Send(ctx, dest, TagPartner, binary.LittleEndian.AppendUint64(nil, uint64(len(data)))); err != nil {
		return err
	}
	for off := 0; off < len(data); off += blockSize {
		end := off + blockSize
		if end > len(data) {
			end = len(data)
		}
		if err := comm.Send(ctx, dest, TagPartner, data[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func recvChunks(ctx context.Context, comm Comm, src int, expected int) ([]byte, error) {
	buf := make([]byte, 0, expected)
	for len(buf) < expected {
		chunk, err := comm.Recv(ctx, src, TagPartner)
		if err != nil {
			return nil, fmt.Errorf("%w: receive partner chunk from rank %d: %v", ftierrors.ErrIO, src, err)
		}
		buf = append(buf, chunk...)
	}
	return buf, nil
}
