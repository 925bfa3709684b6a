// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collectives

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/goshmem/symm"
	"github.com/gomlx/goshmem/team"
	"github.com/gomlx/goshmem/transports"
)

// Collect-class pSync cell roles (within team.CollectSyncSize cells).
// Contribution sizes differ per member, so blocks travel with metadata: a
// ring transfer carries (offset, size) through a bounded window of slots,
// and doubling/Bruck rounds each get a (flag, offset, length) triplet.
const (
	colBarrA    = 0 // embedded barrier window A (2 cells)
	colBarrB    = 2 // embedded barrier window B (2 cells)
	colPrefVal  = 4 // prefix-sum chain: running byte offset
	colPrefFlag = 5
	colTotVal   = 6 // total bytes + 1, delivered to rank 0
	colDataCnt  = 7 // gather completion counter on rank 0
	colAck      = 8 // ring window backpressure, written by the right neighbor

	colSlot      = 9 // ring metadata slots: colSlotDepth triplets (seq, off, size)
	colSlotDepth = 8

	colRec       = colSlot + 3*colSlotDepth // per-round (flag, off, len) triplets
	colRecRounds = (team.CollectSyncSize - colRec) / 3
)

// Collect concatenates a variable number of elements from every member's
// src into every member's dest, ordered by team rank. nelems is this
// member's contribution and may differ across members.
func Collect[T dtypes.Supported](e *Engine, t *team.Team, dest, src *symm.Slice[T], nelems int) error {
	return e.CollectBytes(t, dest.Mem(), src.Mem(), nelems*dest.ElemSize())
}

// CollectBytes is the untyped form of Collect: this member contributes
// nbytes, and dest receives every member's contribution in team-rank order.
func (e *Engine) CollectBytes(t *team.Team, dest, src *symm.Mem, nbytes int) error {
	cm := teamComm(t, team.ClassCollective)
	e.runCollect(cm, dest, src, nbytes)
	return nil
}

// CollectActiveSet is the legacy active-set form; psync needs at least
// team.CollectSyncSize cells.
func (e *Engine) CollectActiveSet(c transports.Conduit, psync, dest, src *symm.Mem,
	nbytes, start, logStride, size int) {
	cm := activeComm(c, psync, start, logStride, size, team.CollectSyncSize)
	e.runCollect(cm, dest, src, nbytes)
}

func (e *Engine) runCollect(cm *comm, dest, src *symm.Mem, nbytes int) {
	if cm.size == 1 {
		copy(dest.Bytes()[:nbytes], src.Bytes()[:nbytes])
		return
	}
	switch e.collect {
	case CollectLinear:
		linearCollect(cm, dest, src, nbytes)
	case CollectAllLinear:
		allLinearCollect(cm, dest, src, nbytes)
	case CollectRecDoubling:
		recDoublingCollect(cm, dest, src, nbytes)
	case CollectRing:
		ringCollect(cm, dest, src, nbytes)
	case CollectBruck:
		bruckCollect(cm, dest, src, nbytes)
	}
}

// chainPrefix runs an exclusive prefix sum of contribution sizes along the
// rank chain: each member learns its byte offset in the assembled buffer
// and forwards the running total to the next rank.
func chainPrefix(cm *comm, nbytes int) int {
	off := 0
	if cm.me > 0 {
		cm.ps.Wait(colPrefFlag, transports.CmpNe, team.SyncValue)
		off = int(cm.ps.Load(colPrefVal))
		cm.ps.Store(colPrefFlag, team.SyncValue)
		cm.ps.Store(colPrefVal, team.SyncValue)
	}
	if cm.me < cm.size-1 {
		next := cm.pe(cm.me + 1)
		cm.ps.AtomicSet(next, colPrefVal, int64(off+nbytes))
		cm.ps.AtomicSet(next, colPrefFlag, 1)
	}
	return off
}

// linearCollect gathers every contribution on rank 0, which learns the
// total from the last rank of the prefix chain and pushes the assembled
// buffer to everyone.
func linearCollect(cm *comm, dest, src *symm.Mem, nbytes int) {
	cm.treeBarrier(colBarrA)
	off := chainPrefix(cm, nbytes)
	if cm.me == cm.size-1 {
		cm.ps.AtomicSet(cm.pe(0), colTotVal, int64(off+nbytes)+1)
	}
	if cm.me == 0 {
		copy(dest.Bytes()[:nbytes], src.Bytes()[:nbytes])
		cm.ps.Wait(colDataCnt, transports.CmpEq, int64(cm.size-1))
		cm.ps.Store(colDataCnt, team.SyncValue)
		cm.ps.Wait(colTotVal, transports.CmpNe, team.SyncValue)
		total := int(cm.ps.Load(colTotVal)) - 1
		cm.ps.Store(colTotVal, team.SyncValue)
		full := dest.Bytes()[:total]
		for i := 1; i < cm.size; i++ {
			dest.PutNBI(cm.pe(i), 0, full)
		}
		cm.c.Quiet()
	} else {
		root := cm.pe(0)
		dest.Put(root, off, src.Bytes()[:nbytes])
		cm.c.Fence(root)
		cm.ps.AtomicAdd(root, colDataCnt, 1)
	}
	cm.treeBarrier(colBarrB)
}

// allLinearCollect has every member push its own block directly into every
// destination at its chained offset.
func allLinearCollect(cm *comm, dest, src *symm.Mem, nbytes int) {
	cm.treeBarrier(colBarrA)
	off := chainPrefix(cm, nbytes)
	block := src.Bytes()[:nbytes]
	copy(dest.Bytes()[off:off+nbytes], block)
	for i := 0; i < cm.size; i++ {
		if i != cm.me {
			dest.PutNBI(cm.pe(i), off, block)
		}
	}
	cm.c.Quiet()
	cm.treeBarrier(colBarrB)
}

// ringCollect forwards blocks around the ring with their (offset, size)
// metadata riding in a bounded window of sync-cell slots; the receiver acks
// each consumed slot back to the sender so slots can be reused.
func ringCollect(cm *comm, dest, src *symm.Mem, nbytes int) {
	off := chainPrefix(cm, nbytes)
	copy(dest.Bytes()[off:off+nbytes], src.Bytes()[:nbytes])
	left := cm.pe((cm.me - 1 + cm.size) % cm.size)
	right := cm.pe((cm.me + 1) % cm.size)
	curOff, curLen := off, nbytes
	for i := 0; i < cm.size-1; i++ {
		if i >= colSlotDepth {
			cm.ps.Wait(colAck, transports.CmpGe, int64(i-colSlotDepth+1))
		}
		dest.PutNBI(right, curOff, dest.Bytes()[curOff:curOff+curLen])
		cm.c.Fence(right)
		s := colSlot + 3*(i%colSlotDepth)
		cm.ps.AtomicSet(right, s+1, int64(curOff))
		cm.ps.AtomicSet(right, s+2, int64(curLen))
		cm.ps.AtomicSet(right, s, int64(i)+1)
		cm.ps.Wait(s, transports.CmpEq, int64(i)+1)
		curOff = int(cm.ps.Load(s + 1))
		curLen = int(cm.ps.Load(s + 2))
		cm.ps.Store(s, team.SyncValue)
		cm.ps.Store(s+1, team.SyncValue)
		cm.ps.Store(s+2, team.SyncValue)
		cm.ps.AtomicAdd(left, colAck, 1)
	}
	cm.ps.Wait(colAck, transports.CmpEq, int64(cm.size-1))
	cm.ps.Store(colAck, team.SyncValue)
}

// recDoublingCollect doubles the gathered region each round; the regions of
// exchange partners are adjacent byte ranges, so each round's metadata is
// just the partner region's offset and length. Power-of-two teams only.
func recDoublingCollect(cm *comm, dest, src *symm.Mem, nbytes int) {
	cm.requirePowerOfTwo("collect rec_dbl")
	if log2ceil(cm.size) > colRecRounds {
		exceptions.Panicf("collectives: collect rec_dbl needs %d rounds, sync buffer carries %d", log2ceil(cm.size), colRecRounds)
	}
	off := chainPrefix(cm, nbytes)
	copy(dest.Bytes()[off:off+nbytes], src.Bytes()[:nbytes])
	regOff, regLen := off, nbytes
	for r, dist := 0, 1; dist < cm.size; r, dist = r+1, dist*2 {
		peer := cm.pe(cm.me ^ dist)
		dest.PutNBI(peer, regOff, dest.Bytes()[regOff:regOff+regLen])
		cm.c.Fence(peer)
		s := colRec + 3*r
		cm.ps.AtomicSet(peer, s+1, int64(regOff))
		cm.ps.AtomicSet(peer, s+2, int64(regLen))
		cm.ps.AtomicSet(peer, s, 1)
		cm.ps.Wait(s, transports.CmpNe, team.SyncValue)
		peerOff := int(cm.ps.Load(s + 1))
		peerLen := int(cm.ps.Load(s + 2))
		cm.ps.Store(s, team.SyncValue)
		cm.ps.Store(s+1, team.SyncValue)
		cm.ps.Store(s+2, team.SyncValue)
		if peerOff < regOff {
			regOff = peerOff
		}
		regLen += peerLen
	}
}

// bruckCollect first shares every member's contribution size through the
// team's work array, then runs the Bruck round structure with each block
// put at its final offset. Needs a team; the legacy active-set form has no
// work array to hold the size table.
func bruckCollect(cm *comm, dest, src *symm.Mem, nbytes int) {
	if cm.work == nil {
		exceptions.Panicf("collectives: collect bruck requires a team")
	}
	if log2ceil(cm.size) > colRecRounds {
		exceptions.Panicf("collectives: collect bruck needs %d rounds, sync buffer carries %d", log2ceil(cm.size), colRecRounds)
	}
	cm.treeBarrier(colBarrA)
	for i := 0; i < cm.size; i++ {
		cm.work.AtomicSet(cm.pe(i), cm.me, int64(nbytes))
	}
	cm.treeBarrier(colBarrB)
	offs := make([]int, cm.size+1)
	for i := 0; i < cm.size; i++ {
		offs[i+1] = offs[i] + int(cm.work.Load(i))
	}

	copy(dest.Bytes()[offs[cm.me]:offs[cm.me+1]], src.Bytes()[:nbytes])
	for r, dist := 0, 1; dist < cm.size; r, dist = r+1, dist*2 {
		cnt := dist
		if cm.size-dist < cnt {
			cnt = cm.size - dist
		}
		peer := cm.pe((cm.me - dist + cm.size) % cm.size)
		for i := 0; i < cnt; i++ {
			b := (cm.me + i) % cm.size
			dest.PutNBI(peer, offs[b], dest.Bytes()[offs[b]:offs[b+1]])
		}
		cm.c.Fence(peer)
		s := colRec + 3*r
		cm.ps.AtomicSet(peer, s, 1)
		cm.ps.Wait(s, transports.CmpNe, team.SyncValue)
		cm.ps.Store(s, team.SyncValue)
	}
}
