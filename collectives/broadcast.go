// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collectives

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/goshmem/symm"
	"github.com/gomlx/goshmem/team"
	"github.com/gomlx/goshmem/transports"
)

// Broadcast-class pSync cell roles (within team.BcastSyncSize cells).
const (
	bcastData    = 0 // data-arrival flag
	bcastAck     = 1 // acknowledgment counter
	bcastBarrA   = 2 // embedded barrier window A (2 cells)
	bcastBarrB   = 4 // embedded barrier window B (2 cells)
	bcastRingCnt = 6 // scatter-collect ring counter
)

// Broadcast copies nelems elements from the root's source buffer into every
// member's destination buffer, the root's included.
func Broadcast[T dtypes.Supported](e *Engine, t *team.Team, dest, src *symm.Slice[T], nelems, root int) error {
	return e.BroadcastBytes(t, dest.Mem(), src.Mem(), nelems*dest.ElemSize(), root)
}

// BroadcastBytes is the untyped form of Broadcast: nbytes from the root's
// src into every member's dest. root is a team rank.
func (e *Engine) BroadcastBytes(t *team.Team, dest, src *symm.Mem, nbytes, root int) error {
	cm := teamComm(t, team.ClassCollective)
	if root < 0 || root >= cm.size {
		exceptions.Panicf("collectives: broadcast root %d outside team of %d", root, cm.size)
	}
	e.runBroadcast(cm, dest, src, nbytes, root)
	return nil
}

// BroadcastActiveSet is the legacy active-set form; root is an active-set
// index and psync needs at least team.BcastSyncSize cells.
func (e *Engine) BroadcastActiveSet(c transports.Conduit, psync, dest, src *symm.Mem,
	nbytes, root, start, logStride, size int) {
	cm := activeComm(c, psync, start, logStride, size, team.BcastSyncSize)
	if root < 0 || root >= cm.size {
		exceptions.Panicf("collectives: broadcast root %d outside active set of %d", root, cm.size)
	}
	e.runBroadcast(cm, dest, src, nbytes, root)
}

func (e *Engine) runBroadcast(cm *comm, dest, src *symm.Mem, nbytes, root int) {
	if cm.size == 1 {
		if cm.me == root {
			copy(dest.Bytes()[:nbytes], src.Bytes()[:nbytes])
		}
		return
	}
	switch e.broadcast {
	case BcastLinear:
		linearBroadcast(cm, dest, src, nbytes, root)
	case BcastCompleteTree:
		vr := (cm.me - root + cm.size) % cm.size
		treeBroadcast(cm, dest, src, nbytes, root, completeParent(vr, e.radix), completeChildren(vr, e.radix, cm.size), false)
	case BcastBinomialTree:
		vr := (cm.me - root + cm.size) % cm.size
		treeBroadcast(cm, dest, src, nbytes, root, binomialParent(vr), binomialChildren(vr, cm.size), false)
	case BcastKnomialTree, BcastKnomialTreeSignal:
		vr := (cm.me - root + cm.size) % cm.size
		parent := 0
		if vr != 0 {
			parent = knomialParent(vr, e.radix)
		}
		signal := e.broadcast == BcastKnomialTreeSignal
		treeBroadcast(cm, dest, src, nbytes, root, parent, knomialChildren(vr, e.radix, cm.size), signal)
	case BcastScatterCollect:
		scatterCollectBroadcast(cm, dest, src, nbytes, root)
	}
}

// linearBroadcast: a barrier establishes every dest is ready to overwrite,
// the root pushes to each member directly, and a second barrier establishes
// the data landed everywhere.
func linearBroadcast(cm *comm, dest, src *symm.Mem, nbytes, root int) {
	cm.treeBarrier(bcastBarrA)
	if cm.me == root {
		payload := src.Bytes()[:nbytes]
		copy(dest.Bytes()[:nbytes], payload)
		for i := 0; i < cm.size; i++ {
			if i != root {
				dest.PutNBI(cm.pe(i), 0, payload)
			}
		}
		cm.c.Quiet()
	}
	cm.treeBarrier(bcastBarrB)
}

// treeBroadcast pushes the payload down a tree rooted at the broadcast
// root; each node waits for its parent's data, fans out to its children,
// and acknowledges up the tree only after its whole subtree acknowledged.
// The ack count (children, plus the parent's ack for non-roots) is what
// keeps a node from resetting its pSync while a child still reads its data.
//
// parent and children are in virtual (root-rotated) rank space.
func treeBroadcast(cm *comm, dest, src *symm.Mem, nbytes, root, parent int, children []int, signal bool) {
	actual := func(v int) int { return cm.pe((v + root) % cm.size) }
	vr := (cm.me - root + cm.size) % cm.size

	if vr == 0 {
		copy(dest.Bytes()[:nbytes], src.Bytes()[:nbytes])
	} else {
		cm.ps.Wait(bcastData, transports.CmpNe, team.SyncValue)
		cm.ps.Store(bcastData, team.SyncValue)
	}
	payload := dest.Bytes()[:nbytes]
	for _, child := range children {
		pe := actual(child)
		if signal {
			dest.PutSignal(pe, 0, payload, cm.ps, bcastData, 1, transports.SignalSet)
		} else {
			dest.PutNBI(pe, 0, payload)
			cm.c.Fence(pe)
			cm.ps.AtomicSet(pe, bcastData, 1)
		}
	}
	if len(children) > 0 {
		cm.ps.Wait(bcastAck, transports.CmpEq, int64(len(children)))
		cm.ps.Store(bcastAck, team.SyncValue)
	}
	if vr != 0 {
		cm.ps.AtomicAdd(actual(parent), bcastAck, 1)
	}
}

// blockExtent splits nbytes into `size` near-equal blocks and returns block
// i's byte range.
func blockExtent(i, nbytes, size int) (off, n int) {
	q, rem := nbytes/size, nbytes%size
	off = i * q
	if i < rem {
		off += i
	} else {
		off += rem
	}
	n = q
	if i < rem {
		n++
	}
	return
}

// scatterCollectBroadcast distributes the root's buffer in contiguous
// blocks by binomial halving, then gathers the blocks around a logical
// ring so every member ends with the full buffer.
func scatterCollectBroadcast(cm *comm, dest, src *symm.Mem, nbytes, root int) {
	size := cm.size
	vr := (cm.me - root + size) % size
	actual := func(v int) int { return cm.pe((v + root) % size) }

	if vr == 0 {
		copy(dest.Bytes()[:nbytes], src.Bytes()[:nbytes])
	}
	// Scatter: at step dist, owners (vr % 2*dist == 0) hand the upper half
	// of their virtual-block range to vr+dist.
	vsize := 1 << log2ceil(size)
	for dist := vsize >> 1; dist >= 1; dist >>= 1 {
		switch {
		case vr%(2*dist) == 0 && vr+dist < size:
			lo := vr + dist
			hi := vr + 2*dist
			if hi > size {
				hi = size
			}
			loOff, _ := blockExtent(lo, nbytes, size)
			hiOff, hiN := blockExtent(hi-1, nbytes, size)
			peer := actual(lo)
			dest.PutNBI(peer, loOff, dest.Bytes()[loOff:hiOff+hiN])
			cm.c.Fence(peer)
			cm.ps.AtomicSet(peer, bcastData, 1)
		case vr%(2*dist) == dist:
			cm.ps.Wait(bcastData, transports.CmpNe, team.SyncValue)
			cm.ps.Store(bcastData, team.SyncValue)
		}
	}
	// Collect: each round forward the block received last round to the
	// right neighbor. The only writer of the ring counter is the left
	// neighbor, whose rounds are ordered, so a cumulative count is sound.
	right := actual((vr + 1) % size)
	for i := 0; i < size-1; i++ {
		b := (vr - i + size) % size
		off, n := blockExtent(b, nbytes, size)
		dest.PutNBI(right, off, dest.Bytes()[off:off+n])
		cm.c.Fence(right)
		cm.ps.AtomicAdd(right, bcastRingCnt, 1)
		cm.ps.Wait(bcastRingCnt, transports.CmpGe, int64(i+1))
	}
	if size > 1 {
		cm.ps.Store(bcastRingCnt, team.SyncValue)
	}
}
