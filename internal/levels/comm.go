// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package levels

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ClusterCockpit/cc-fti/internal/ftierrors"
)

// Tag partitions rank<->rank and rank<->head traffic so L2 partner bytes
// never get mistaken for a head control message, per spec.md §5: "Head
// <-> app messages use dedicated tags ... to avoid channel crosstalk."
type Tag int

const (
	TagPartner Tag = iota
	TagGroup         // L3 group gather/scatter
	TagCkpt
	TagStage
	TagFinal
	TagGeneral
)

// Comm is the point-to-point transport L2 partner exchange, L3 group
// gather, and the head protocol (internal/head) are all built on. Recv
// blocks for a message from exactly src on tag, the same recv-from-
// specific-source semantics spec.md's MPI-style point-to-point exchange
// assumes. One production implementation (natsComm) and one in-process
// test double (chanComm) satisfy it identically.
type Comm interface {
	Send(ctx context.Context, dest int, tag Tag, data []byte) error
	Recv(ctx context.Context, src int, tag Tag) ([]byte, error)
}

// ChanNetwork is an in-process Comm fabric connecting every rank passed
// to NewChanNetwork, used by tests and by the single-process multi-rank
// simulation in cmd/ccfti-bench. Each (dest, tag, src) triple gets its
// own buffered channel so concurrent senders on the same tag (an L3
// group gather at a leader rank) never steal each other's messages.
type ChanNetwork struct {
	mu      sync.Mutex
	inboxes map[int]map[Tag]map[int]chan []byte
}

// NewChanNetwork preallocates inboxes for ranks.
func NewChanNetwork(ranks []int) *ChanNetwork {
	n := &ChanNetwork{inboxes: make(map[int]map[Tag]map[int]chan []byte)}
	for _, r := range ranks {
		n.inboxes[r] = make(map[Tag]map[int]chan []byte)
	}
	return n
}

func (n *ChanNetwork) channel(dest int, tag Tag, src int) chan []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	tags, ok := n.inboxes[dest]
	if !ok {
		tags = make(map[Tag]map[int]chan []byte)
		n.inboxes[dest] = tags
	}
	srcs, ok := tags[tag]
	if !ok {
		srcs = make(map[int]chan []byte)
		tags[tag] = srcs
	}
	ch, ok := srcs[src]
	if !ok {
		ch = make(chan []byte, 64)
		srcs[src] = ch
	}
	return ch
}

// Endpoint returns the Comm a given rank should use to talk to the rest
// of the network.
func (n *ChanNetwork) Endpoint(rank int) Comm {
	return &chanComm{net: n, self: rank}
}

type chanComm struct {
	net  *ChanNetwork
	self int
}

func (c *chanComm) Send(ctx context.Context, dest int, tag Tag, data []byte) error {
	buf := append([]byte(nil), data...)
	select {
	case c.net.channel(dest, tag, c.self) <- buf:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: send to rank %d timed out: %v", ftierrors.ErrIO, dest, ctx.Err())
	}
}

func (c *chanComm) Recv(ctx context.Context, src int, tag Tag) ([]byte, error) {
	select {
	case data := <-c.net.channel(c.self, tag, src):
		return data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: recv from rank %d timed out: %v", ftierrors.ErrIO, src, ctx.Err())
	}
}

// natsComm is the production Comm, grounded on the teacher's pkg/nats
// client: every rank subscribes once per tag to its own subject and
// demultiplexes by sender, since a NATS subject carries no sender
// identity of its own -- each published message is prefixed with the
// sender's rank as a 4-byte little-endian header.
type natsComm struct {
	conn *nats.Conn
	self int
	subs map[Tag]*nats.Subscription

	mu     sync.Mutex
	inbox  map[Tag]map[int]chan []byte
}

// NewNatsComm connects to addr and subscribes self up for every tag it
// may receive on.
func NewNatsComm(addr string, self int) (*natsComm, error) {
	nc, err := nats.Connect(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: nats connect %s: %v", ftierrors.ErrIO, addr, err)
	}
	c := &natsComm{
		conn:  nc,
		self:  self,
		subs:  make(map[Tag]*nats.Subscription),
		inbox: make(map[Tag]map[int]chan []byte),
	}
	for _, tag := range []Tag{TagPartner, TagGroup, TagCkpt, TagStage, TagFinal, TagGeneral} {
		tag := tag
		sub, err := nc.Subscribe(subject(self, tag), func(msg *nats.Msg) {
			if len(msg.Data) < 4 {
				return
			}
			src := int(binary.LittleEndian.Uint32(msg.Data[:4]))
			c.inboxFor(tag, src) <- msg.Data[4:]
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("%w: nats subscribe %s: %v", ftierrors.ErrIO, subject(self, tag), err)
		}
		c.subs[tag] = sub
	}
	return c, nil
}

func (c *natsComm) inboxFor(tag Tag, src int) chan []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	srcs, ok := c.inbox[tag]
	if !ok {
		srcs = make(map[int]chan []byte)
		c.inbox[tag] = srcs
	}
	ch, ok := srcs[src]
	if !ok {
		ch = make(chan []byte, 64)
		srcs[src] = ch
	}
	return ch
}

func subject(rank int, tag Tag) string {
	return fmt.Sprintf("fti.rank%d.tag%d", rank, tag)
}

func (c *natsComm) Send(ctx context.Context, dest int, tag Tag, data []byte) error {
	buf := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(buf[:4], uint32(c.self))
	copy(buf[4:], data)
	if err := c.conn.Publish(subject(dest, tag), buf); err != nil {
		return fmt.Errorf("%w: nats publish to rank %d: %v", ftierrors.ErrIO, dest, err)
	}
	return nil
}

func (c *natsComm) Recv(ctx context.Context, src int, tag Tag) ([]byte, error) {
	ch := c.inboxFor(tag, src)
	select {
	case data := <-ch:
		return data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: recv tag %d from rank %d timed out: %v", ftierrors.ErrIO, tag, src, ctx.Err())
	}
}

// Close unsubscribes and closes the underlying NATS connection.
func (c *natsComm) Close() {
	for _, sub := range c.subs {
		sub.Unsubscribe()
	}
	c.conn.Close()
}

// WithTimeout is a small helper the level encoders use so a stalled
// partner never blocks a checkpoint cycle forever.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}
