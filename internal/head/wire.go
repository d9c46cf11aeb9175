// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package head

import (
	"encoding/binary"
	"fmt"

	"github.com/ClusterCockpit/cc-fti/internal/ftierrors"
)

// ckptRequest asks the head to perform an offline L4 flush on behalf of
// the sending rank, per spec.md §4.G: "on ckpt-request: perform the
// L2/L3/L4 steps configured as non-inline."
type ckptRequest struct {
	CkptID   int32
	Level    int32
	FileSize uint64
	Checksum string
}

func encodeCkptRequest(r ckptRequest) []byte {
	buf := make([]byte, 4+4+8+4+len(r.Checksum))
	binary.LittleEndian.PutUint32(buf[0:], uint32(r.CkptID))
	binary.LittleEndian.PutUint32(buf[4:], uint32(r.Level))
	binary.LittleEndian.PutUint64(buf[8:], r.FileSize)
	binary.LittleEndian.PutUint32(buf[16:], uint32(len(r.Checksum)))
	copy(buf[20:], r.Checksum)
	return buf
}

func decodeCkptRequest(raw []byte) (ckptRequest, error) {
	if len(raw) < 20 {
		return ckptRequest{}, fmt.Errorf("%w: malformed ckpt-request", ftierrors.ErrIO)
	}
	n := int(binary.LittleEndian.Uint32(raw[16:]))
	if len(raw) < 20+n {
		return ckptRequest{}, fmt.Errorf("%w: truncated ckpt-request checksum", ftierrors.ErrIO)
	}
	return ckptRequest{
		CkptID:   int32(binary.LittleEndian.Uint32(raw[0:])),
		Level:    int32(binary.LittleEndian.Uint32(raw[4:])),
		FileSize: binary.LittleEndian.Uint64(raw[8:]),
		Checksum: string(raw[20 : 20+n]),
	}, nil
}

// ckptReply acknowledges a ckptRequest's outcome back to the app rank.
type ckptReply struct {
	OK     bool
	Reason string
}

func encodeCkptReply(r ckptReply) []byte {
	buf := make([]byte, 1+len(r.Reason))
	if r.OK {
		buf[0] = 1
	}
	copy(buf[1:], r.Reason)
	return buf
}

func decodeCkptReply(raw []byte) (ckptReply, error) {
	if len(raw) < 1 {
		return ckptReply{}, fmt.Errorf("%w: malformed ckpt-reply", ftierrors.ErrIO)
	}
	return ckptReply{OK: raw[0] == 1, Reason: string(raw[1:])}, nil
}

// stageRequest asks the head to copy a local file to a path under the
// global (or external) namespace, per spec.md §4.G's "on stage-request:
// copy a named local file to a named remote path."
type stageRequest struct {
	Local  string
	Remote string
}

func encodeStageRequest(r stageRequest) []byte {
	buf := make([]byte, 4+len(r.Local)+len(r.Remote))
	binary.LittleEndian.PutUint32(buf, uint32(len(r.Local)))
	copy(buf[4:], r.Local)
	copy(buf[4+len(r.Local):], r.Remote)
	return buf
}

func decodeStageRequest(raw []byte) (stageRequest, error) {
	if len(raw) < 4 {
		return stageRequest{}, fmt.Errorf("%w: malformed stage-request", ftierrors.ErrIO)
	}
	n := int(binary.LittleEndian.Uint32(raw))
	if len(raw) < 4+n {
		return stageRequest{}, fmt.Errorf("%w: truncated stage-request local path", ftierrors.ErrIO)
	}
	return stageRequest{Local: string(raw[4 : 4+n]), Remote: string(raw[4+n:])}, nil
}

// stageReply carries the id the head assigned a stage request (for later
// StageStatus polling) plus an immediate accept/reject.
type stageReply struct {
	ID     int32
	Queued bool
	Reason string
}

func encodeStageReply(r stageReply) []byte {
	buf := make([]byte, 4+1+len(r.Reason))
	binary.LittleEndian.PutUint32(buf, uint32(r.ID))
	if r.Queued {
		buf[4] = 1
	}
	copy(buf[5:], r.Reason)
	return buf
}

func decodeStageReply(raw []byte) (stageReply, error) {
	if len(raw) < 5 {
		return stageReply{}, fmt.Errorf("%w: malformed stage-reply", ftierrors.ErrIO)
	}
	return stageReply{
		ID:     int32(binary.LittleEndian.Uint32(raw)),
		Queued: raw[4] == 1,
		Reason: string(raw[5:]),
	}, nil
}

// finalizeRequest tells the head an app rank is done sending work; no
// payload beyond the tag itself is needed.
type finalizeRequest struct{}

func encodeFinalizeRequest() []byte { return nil }
