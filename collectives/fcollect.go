// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collectives

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/goshmem/symm"
	"github.com/gomlx/goshmem/team"
	"github.com/gomlx/goshmem/transports"
)

// Fcollect-class pSync cell roles (within team.FcollectSyncSize cells).
const (
	fcolBarrA = 0 // embedded barrier window A (2 cells)
	fcolBarrB = 2 // embedded barrier window B (2 cells)
	fcolRing  = 4 // ring counter, written only by the left neighbor
	fcolNbrL  = 5 // neighbor-exchange counter written by the left neighbor
	fcolNbrR  = 6 // neighbor-exchange counter written by the right neighbor
	fcolFlag  = 8 // per-round flags for doubling/Bruck variants
)

// fcolRounds is how many per-round flag cells the sync buffer carries.
const fcolRounds = team.FcollectSyncSize - fcolFlag

// Fcollect concatenates nelems elements from every member's src into every
// member's dest, ordered by team rank.
func Fcollect[T dtypes.Supported](e *Engine, t *team.Team, dest, src *symm.Slice[T], nelems int) error {
	return e.FcollectBytes(t, dest.Mem(), src.Mem(), nelems*dest.ElemSize())
}

// FcollectBytes is the untyped form of Fcollect: every member contributes
// nbytes, and dest receives size*nbytes ordered by team rank.
func (e *Engine) FcollectBytes(t *team.Team, dest, src *symm.Mem, nbytes int) error {
	cm := teamComm(t, team.ClassCollective)
	e.runFcollect(cm, dest, src, nbytes)
	return nil
}

// FcollectActiveSet is the legacy active-set form; psync needs at least
// team.FcollectSyncSize cells.
func (e *Engine) FcollectActiveSet(c transports.Conduit, psync, dest, src *symm.Mem,
	nbytes, start, logStride, size int) {
	cm := activeComm(c, psync, start, logStride, size, team.FcollectSyncSize)
	e.runFcollect(cm, dest, src, nbytes)
}

func (e *Engine) runFcollect(cm *comm, dest, src *symm.Mem, nbytes int) {
	if cm.size == 1 {
		copy(dest.Bytes()[:nbytes], src.Bytes()[:nbytes])
		return
	}
	switch e.fcollect {
	case FcollectLinear:
		linearFcollect(cm, dest, src, nbytes)
	case FcollectAllLinear:
		allLinearFcollect(cm, dest, src, nbytes)
	case FcollectRecDoubling:
		recDoublingFcollect(cm, dest, src, nbytes)
	case FcollectRing:
		ringFcollect(cm, dest, src, nbytes)
	case FcollectBruck, FcollectBruckSignal:
		bruckFcollect(cm, dest, src, nbytes, e.fcollect == FcollectBruckSignal)
	case FcollectBruckNoRotate:
		bruckNoRotateFcollect(cm, dest, src, nbytes)
	case FcollectNeighborExchange:
		neighborExchangeFcollect(cm, dest, src, nbytes)
	}
}

// linearFcollect gathers every contribution on rank 0, which then pushes
// the assembled buffer to everyone.
func linearFcollect(cm *comm, dest, src *symm.Mem, nbytes int) {
	cm.treeBarrier(fcolBarrA)
	if cm.me == 0 {
		copy(dest.Bytes()[:nbytes], src.Bytes()[:nbytes])
		for i := 1; i < cm.size; i++ {
			src.Get(dest.Bytes()[i*nbytes:(i+1)*nbytes], cm.pe(i), 0)
		}
		full := dest.Bytes()[:cm.size*nbytes]
		for i := 1; i < cm.size; i++ {
			dest.PutNBI(cm.pe(i), 0, full)
		}
		cm.c.Quiet()
	}
	cm.treeBarrier(fcolBarrB)
}

// allLinearFcollect has every member push its own block directly into every
// destination.
func allLinearFcollect(cm *comm, dest, src *symm.Mem, nbytes int) {
	cm.treeBarrier(fcolBarrA)
	block := src.Bytes()[:nbytes]
	copy(dest.Bytes()[cm.me*nbytes:], block)
	for i := 0; i < cm.size; i++ {
		if i != cm.me {
			dest.PutNBI(cm.pe(i), cm.me*nbytes, block)
		}
	}
	cm.c.Quiet()
	cm.treeBarrier(fcolBarrB)
}

// recDoublingFcollect doubles the gathered range each round by exchanging
// it with the partner across the round's distance. Power-of-two teams only.
func recDoublingFcollect(cm *comm, dest, src *symm.Mem, nbytes int) {
	cm.requirePowerOfTwo("fcollect rec_dbl")
	copy(dest.Bytes()[cm.me*nbytes:(cm.me+1)*nbytes], src.Bytes()[:nbytes])
	for r, dist := 0, 1; dist < cm.size; r, dist = r+1, dist*2 {
		peer := cm.pe(cm.me ^ dist)
		start := cm.me &^ (dist - 1)
		dest.PutNBI(peer, start*nbytes, dest.Bytes()[start*nbytes:(start+dist)*nbytes])
		cm.c.Fence(peer)
		cm.ps.AtomicSet(peer, fcolFlag+r, 1)
		cm.ps.Wait(fcolFlag+r, transports.CmpNe, team.SyncValue)
		cm.ps.Store(fcolFlag+r, team.SyncValue)
	}
}

// ringFcollect forwards, each round, the block received the round before to
// the right neighbor. The counter is cumulative with a single writer.
func ringFcollect(cm *comm, dest, src *symm.Mem, nbytes int) {
	copy(dest.Bytes()[cm.me*nbytes:(cm.me+1)*nbytes], src.Bytes()[:nbytes])
	right := cm.pe((cm.me + 1) % cm.size)
	for i := 0; i < cm.size-1; i++ {
		b := (cm.me - i + cm.size) % cm.size
		dest.PutNBI(right, b*nbytes, dest.Bytes()[b*nbytes:(b+1)*nbytes])
		cm.c.Fence(right)
		cm.ps.AtomicAdd(right, fcolRing, 1)
		cm.ps.Wait(fcolRing, transports.CmpGe, int64(i+1))
	}
	cm.ps.Store(fcolRing, team.SyncValue)
}

func reverseBlocks(buf []byte, nbytes, lo, hi int, tmp []byte) {
	for lo < hi-1 {
		a := buf[lo*nbytes : (lo+1)*nbytes]
		b := buf[(hi-1)*nbytes : hi*nbytes]
		copy(tmp, a)
		copy(a, b)
		copy(b, tmp)
		lo++
		hi--
	}
}

// bruckFcollect gathers in log rounds with blocks kept rotated so every
// send is one contiguous region, then de-rotates in place with three
// reversals. With signal=true the data and its arrival flag travel in one
// put-with-signal.
func bruckFcollect(cm *comm, dest, src *symm.Mem, nbytes int, signal bool) {
	size := cm.size
	if log2ceil(size) > fcolRounds {
		exceptions.Panicf("collectives: fcollect bruck needs %d rounds, sync buffer carries %d", log2ceil(size), fcolRounds)
	}
	copy(dest.Bytes()[:nbytes], src.Bytes()[:nbytes])
	for r, dist := 0, 1; dist < size; r, dist = r+1, dist*2 {
		cnt := dist
		if size-dist < cnt {
			cnt = size - dist
		}
		peer := cm.pe((cm.me - dist + size) % size)
		payload := dest.Bytes()[:cnt*nbytes]
		if signal {
			dest.PutSignal(peer, dist*nbytes, payload, cm.ps, fcolFlag+r, 1, transports.SignalSet)
		} else {
			dest.PutNBI(peer, dist*nbytes, payload)
			cm.c.Fence(peer)
			cm.ps.AtomicSet(peer, fcolFlag+r, 1)
		}
		cm.ps.Wait(fcolFlag+r, transports.CmpNe, team.SyncValue)
		cm.ps.Store(fcolFlag+r, team.SyncValue)
	}
	// Local block i holds PE (me+i)%size: rotate left by size-me to put
	// block b at position b.
	if k := (size - cm.me) % size; k != 0 {
		tmp := make([]byte, nbytes)
		buf := dest.Bytes()[:size*nbytes]
		reverseBlocks(buf, nbytes, 0, k, tmp)
		reverseBlocks(buf, nbytes, k, size, tmp)
		reverseBlocks(buf, nbytes, 0, size, tmp)
	}
}

// bruckNoRotateFcollect runs the same round structure but addresses every
// block at its final position, one put per block, so no de-rotation pass is
// needed.
func bruckNoRotateFcollect(cm *comm, dest, src *symm.Mem, nbytes int) {
	size := cm.size
	if log2ceil(size) > fcolRounds {
		exceptions.Panicf("collectives: fcollect bruck needs %d rounds, sync buffer carries %d", log2ceil(size), fcolRounds)
	}
	copy(dest.Bytes()[cm.me*nbytes:(cm.me+1)*nbytes], src.Bytes()[:nbytes])
	for r, dist := 0, 1; dist < size; r, dist = r+1, dist*2 {
		cnt := dist
		if size-dist < cnt {
			cnt = size - dist
		}
		peer := cm.pe((cm.me - dist + size) % size)
		for i := 0; i < cnt; i++ {
			b := (cm.me + i) % size
			dest.PutNBI(peer, b*nbytes, dest.Bytes()[b*nbytes:(b+1)*nbytes])
		}
		cm.c.Fence(peer)
		cm.ps.AtomicSet(peer, fcolFlag+r, 1)
		cm.ps.Wait(fcolFlag+r, transports.CmpNe, team.SyncValue)
		cm.ps.Store(fcolFlag+r, team.SyncValue)
	}
}

// neighborExchangeFcollect only ever talks to the two adjacent ranks: after
// completing its own pair, each member relays the pair it received last to
// the opposite neighbor. Even team sizes only. Each neighbor gets its own
// cumulative counter, so both directions stay single-writer.
func neighborExchangeFcollect(cm *comm, dest, src *symm.Mem, nbytes int) {
	cm.requireEven("fcollect neighbor_exchange")
	size := cm.size
	me := cm.me
	left := cm.pe((me - 1 + size) % size)
	right := cm.pe((me + 1) % size)
	even := me%2 == 0
	pair := me / 2
	npairs := size / 2

	copy(dest.Bytes()[me*nbytes:(me+1)*nbytes], src.Bytes()[:nbytes])

	// send delivers blocks [lo, lo+n) of dest to the neighbor and bumps
	// the counter named for the side of the receiver we sit on.
	var fromLeft, fromRight int64
	send := func(peer, lo, n int) {
		dest.PutNBI(peer, lo*nbytes, dest.Bytes()[lo*nbytes:(lo+n)*nbytes])
		cm.c.Fence(peer)
		if peer == right {
			cm.ps.AtomicAdd(peer, fcolNbrL, 1)
		} else {
			cm.ps.AtomicAdd(peer, fcolNbrR, 1)
		}
	}
	recvWait := func(peer int) {
		if peer == left {
			fromLeft++
			cm.ps.Wait(fcolNbrL, transports.CmpGe, fromLeft)
		} else {
			fromRight++
			cm.ps.Wait(fcolNbrR, transports.CmpGe, fromRight)
		}
	}
	partnerAt := func(step int) int {
		// Even ranks start toward the right neighbor, odd ranks toward
		// the left, then both alternate.
		if (step%2 == 1) == even {
			return right
		}
		return left
	}
	recvPairAt := func(step int) int {
		if step == 1 {
			return pair
		}
		k := step / 2
		if (step%2 == 0) == even {
			return ((pair-k)%npairs + npairs) % npairs
		}
		return (pair + k) % npairs
	}

	// Step 1 completes the pair with a single block; later steps relay
	// the pair received the step before.
	partner := partnerAt(1)
	send(partner, me, 1)
	recvWait(partner)
	recent := pair
	for step := 2; step <= npairs; step++ {
		partner = partnerAt(step)
		send(partner, 2*recent, 2)
		recvWait(partner)
		recent = recvPairAt(step)
	}
	cm.ps.Store(fcolNbrL, team.SyncValue)
	cm.ps.Store(fcolNbrR, team.SyncValue)
}
