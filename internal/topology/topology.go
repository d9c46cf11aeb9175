// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package topology derives the ring/group/node structure from a flat
// rank count, per spec.md §4.A. It is a pure function of its inputs: it
// never opens a socket or touches a filesystem.
package topology

import (
	"fmt"

	"github.com/ClusterCockpit/cc-fti/internal/ftierrors"
)

// Topology is one rank's view of the cluster layout.
type Topology struct {
	Rank int // this process's global rank
	P    int // total ranks
	N    int // ranks per node (nodeSize)
	H    int // heads per node, 0 or 1
	G    int // nodes per group (groupSize)

	NodesTotal     int
	AppRanksPerNode int
	GroupsTotal    int

	NodeID    int // this rank's node index [0, NodesTotal)
	GroupID   int // this rank's group index [0, GroupsTotal)
	NodeRank  int // this rank's index within its node [0, N)
	IsHead    bool

	// LeftNode/RightNode are node indices, not ranks: the ring neighbors
	// used for L3 group ordering.
	LeftNode  int
	RightNode int

	// PartnerNode is this rank's node's L2 partner: nodes are paired off
	// two at a time within the group (groupLocal XOR 1) rather than
	// linked around the ring, so that A's partner is B exactly when B's
	// partner is A -- the mutual exchange internal/levels.WritePartnerCopy
	// requires. The ring-adjacency neighbor used for LeftNode/RightNode
	// is not mutual for groupSize > 2 and cannot back a bidirectional
	// Send/Recv pair.
	PartnerNode int
}

// New derives the Topology for global rank `rank` out of `p` total ranks,
// given nodeSize, heads-per-node and groupSize. It returns ErrConfigInvalid
// for every inconsistency named in spec.md §4.A; group-size bounds are
// only checked against the levels that are actually enabled by the caller
// (l2Enabled, l3Enabled), mirroring config.Config.validateCrossField.
func New(rank, p, nodeSize, heads, groupSize int, l2Enabled, l3Enabled bool) (Topology, error) {
	if p <= 0 || nodeSize <= 0 || groupSize <= 0 {
		return Topology{}, fmt.Errorf("%w: ranks, nodeSize and groupSize must be positive", ftierrors.ErrConfigInvalid)
	}
	if heads != 0 && heads != 1 {
		return Topology{}, fmt.Errorf("%w: heads must be 0 or 1, got %d", ftierrors.ErrConfigInvalid, heads)
	}
	if rank < 0 || rank >= p {
		return Topology{}, fmt.Errorf("%w: rank %d out of range [0,%d)", ftierrors.ErrConfigInvalid, rank, p)
	}
	if p%nodeSize != 0 {
		return Topology{}, fmt.Errorf("%w: total ranks %d not a multiple of nodeSize %d", ftierrors.ErrConfigInvalid, p, nodeSize)
	}
	nodesTotal := p / nodeSize
	if nodesTotal%groupSize != 0 {
		return Topology{}, fmt.Errorf("%w: node count %d not a multiple of groupSize %d", ftierrors.ErrConfigInvalid, nodesTotal, groupSize)
	}
	if l2Enabled && groupSize <= 2 {
		return Topology{}, fmt.Errorf("%w: groupSize must be > 2 when L2 is enabled", ftierrors.ErrConfigInvalid)
	}
	if l3Enabled && groupSize >= 32 {
		return Topology{}, fmt.Errorf("%w: groupSize must be < 32 when L3 is enabled", ftierrors.ErrConfigInvalid)
	}

	nodeID := rank / nodeSize
	nodeRank := rank % nodeSize
	groupID := nodeID / groupSize
	groupsTotal := nodesTotal / groupSize
	appRanksPerNode := nodeSize - heads

	groupLocal := nodeID % groupSize
	groupBase := groupID * groupSize
	leftNode := groupBase + (groupLocal-1+groupSize)%groupSize
	rightNode := groupBase + (groupLocal+1)%groupSize

	partnerLocal := groupLocal ^ 1
	if partnerLocal >= groupSize {
		// Odd groupSize's last member has no pair; it partners with
		// itself, degrading L2 to a second local copy for that one node.
		partnerLocal = groupLocal
	}
	partnerNode := groupBase + partnerLocal

	isHead := heads == 1 && nodeRank == 0

	return Topology{
		Rank:            rank,
		P:               p,
		N:               nodeSize,
		H:               heads,
		G:               groupSize,
		NodesTotal:      nodesTotal,
		AppRanksPerNode: appRanksPerNode,
		GroupsTotal:     groupsTotal,
		NodeID:          nodeID,
		GroupID:         groupID,
		NodeRank:        nodeRank,
		IsHead:          isHead,
		LeftNode:        leftNode,
		RightNode:       rightNode,
		PartnerNode:     partnerNode,
	}, nil
}

// PartnerRank returns the global rank hosting this rank's L2 partner copy:
// the process with the same NodeRank on the paired node (see PartnerNode).
// Pairing is mutual by construction, so partner.PartnerRank() == this
// rank whenever this rank has a real (non-self) partner.
func (t Topology) PartnerRank() int {
	return t.PartnerNode*t.N + t.NodeRank
}

// GroupNodeIDs returns the node indices making up this rank's L3 group, in
// ring order starting from GroupID*G.
func (t Topology) GroupNodeIDs() []int {
	base := t.GroupID * t.G
	ids := make([]int, t.G)
	for i := range ids {
		ids[i] = base + i
	}
	return ids
}

// HeadRank returns the global rank of this node's head process, valid only
// when H == 1.
func (t Topology) HeadRank() int {
	return t.NodeID*t.N + 0
}

// GroupRanks returns the global ranks making up this rank's L3 group, one
// per node in GroupNodeIDs order: the peer with the same NodeRank on each
// node, since L3 groups a ring of nodes rather than a ring of raw ranks.
func (t Topology) GroupRanks() []int {
	nodeIDs := t.GroupNodeIDs()
	ranks := make([]int, len(nodeIDs))
	for i, nodeID := range nodeIDs {
		ranks[i] = nodeID*t.N + t.NodeRank
	}
	return ranks
}
