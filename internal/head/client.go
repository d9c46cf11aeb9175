// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package head

import (
	"context"
	"fmt"

	"github.com/ClusterCockpit/cc-fti/internal/ftierrors"
	"github.com/ClusterCockpit/cc-fti/internal/levels"
)

// Client is the app-rank side of the head protocol: a thin request/reply
// wrapper over levels.Comm so an app rank never needs to know the wire
// encoding this package uses internally.
type Client struct {
	comm levels.Comm
	head int
}

// NewClient builds a Client that talks to the head at rank headRank over
// comm.
func NewClient(comm levels.Comm, headRank int) *Client {
	return &Client{comm: comm, head: headRank}
}

// RequestCkpt asks the head to flush ckptID's already-committed L1 file
// to L4 on this rank's behalf, blocking until the head acknowledges.
// level names which level this offload is standing in for (spec.md §4.G
// allows any of L2/L3/L4 to be configured non-inline; this module only
// implements the L4 offload, the one case with no app-rank peer to
// exchange bytes with).
func (c *Client) RequestCkpt(ctx context.Context, ckptID, level int, fileSize uint64, checksum string) error {
	req := encodeCkptRequest(ckptRequest{CkptID: int32(ckptID), Level: int32(level), FileSize: fileSize, Checksum: checksum})
	if err := c.comm.Send(ctx, c.head, levels.TagCkpt, req); err != nil {
		return err
	}
	raw, err := c.comm.Recv(ctx, c.head, levels.TagCkpt)
	if err != nil {
		return err
	}
	reply, err := decodeCkptReply(raw)
	if err != nil {
		return err
	}
	if !reply.OK {
		return fmt.Errorf("%w: head declined ckpt-request: %s", ftierrors.ErrIO, reply.Reason)
	}
	return nil
}

// RequestStage asks the head to copy local to remote, returning the id
// the head will track its progress under.
func (c *Client) RequestStage(ctx context.Context, local, remote string) (int, error) {
	req := encodeStageRequest(stageRequest{Local: local, Remote: remote})
	if err := c.comm.Send(ctx, c.head, levels.TagStage, req); err != nil {
		return 0, err
	}
	raw, err := c.comm.Recv(ctx, c.head, levels.TagStage)
	if err != nil {
		return 0, err
	}
	reply, err := decodeStageReply(raw)
	if err != nil {
		return 0, err
	}
	if !reply.Queued {
		return 0, fmt.Errorf("%w: head declined stage-request: %s", ftierrors.ErrIO, reply.Reason)
	}
	return int(reply.ID), nil
}

// Finalize tells the head this rank is done; it never blocks for a reply
// since the head side only tracks finalize-requests to decide whether to
// exit its own loop.
func (c *Client) Finalize(ctx context.Context) error {
	return c.comm.Send(ctx, c.head, levels.TagFinal, encodeFinalizeRequest())
}
