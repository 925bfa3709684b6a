// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collectives

import (
	"github.com/gomlx/goshmem/symm"
	"github.com/gomlx/goshmem/team"
	"github.com/gomlx/goshmem/transports"
)

// Barrier-class pSync cell roles.
const (
	barArrive  = 0 // arrival counter, or dissemination round bitmask
	barRelease = 1
)

// Sync establishes that every member of the team has reached this call. It
// does not order outstanding one-sided operations; see Barrier.
func (e *Engine) Sync(t *team.Team) {
	cm := teamComm(t, team.ClassBarrier)
	e.runSync(cm, e.sync)
}

// Barrier is Sync plus completion of all of this PE's outstanding one-sided
// operations, on the conduit and on every context attached to the team,
// before its arrival is signaled. A release received through the barrier is
// therefore proof that the sender's prior stores are visible.
func (e *Engine) Barrier(t *team.Team) {
	t.QuietAll()
	cm := teamComm(t, team.ClassBarrier)
	e.runSync(cm, e.barrier)
}

// SyncActiveSet is the legacy active-set form of Sync, with a caller-managed
// pSync of at least team.BarrierSyncSize cells.
func (e *Engine) SyncActiveSet(c transports.Conduit, psync *symm.Mem, start, logStride, size int) {
	cm := activeComm(c, psync, start, logStride, size, team.BarrierSyncSize)
	e.runSync(cm, e.sync)
}

// BarrierActiveSet is the legacy active-set form of Barrier.
func (e *Engine) BarrierActiveSet(c transports.Conduit, psync *symm.Mem, start, logStride, size int) {
	c.Quiet()
	cm := activeComm(c, psync, start, logStride, size, team.BarrierSyncSize)
	e.runSync(cm, e.barrier)
}

func (e *Engine) runSync(cm *comm, alg BarrierAlg) {
	if cm.size == 1 {
		return
	}
	switch alg {
	case BarrierLinear:
		linearSync(cm)
	case BarrierCompleteTree:
		parent := completeParent(cm.me, e.radix)
		treeSync(cm, parent, completeChildren(cm.me, e.radix, cm.size))
	case BarrierBinomialTree:
		treeSync(cm, binomialParent(cm.me), binomialChildren(cm.me, cm.size))
	case BarrierKnomialTree:
		var parent int
		if cm.me != 0 {
			parent = knomialParent(cm.me, e.radix)
		}
		treeSync(cm, parent, knomialChildren(cm.me, e.radix, cm.size))
	case BarrierDissemination:
		disseminationSync(cm)
	}
}

// linearSync gathers every arrival on a fixed coordinator, which then
// releases everyone.
func linearSync(cm *comm) {
	if cm.me == 0 {
		cm.ps.Wait(barArrive, transports.CmpEq, int64(cm.size-1))
		cm.ps.Store(barArrive, team.SyncValue)
		for i := 1; i < cm.size; i++ {
			cm.ps.AtomicSet(cm.pe(i), barRelease, 1)
		}
		return
	}
	cm.ps.AtomicAdd(cm.pe(0), barArrive, 1)
	cm.ps.Wait(barRelease, transports.CmpNe, team.SyncValue)
	cm.ps.Store(barRelease, team.SyncValue)
}

// treeSync counts child arrivals, forwards the aggregate arrival to the
// parent, and propagates the root's release down. A node resets its cells
// before releasing its children, so a child racing into the next
// synchronization on this buffer cannot observe stale state.
func treeSync(cm *comm, parent int, children []int) {
	if len(children) > 0 {
		cm.ps.Wait(barArrive, transports.CmpEq, int64(len(children)))
		cm.ps.Store(barArrive, team.SyncValue)
	}
	if cm.me != 0 {
		cm.ps.AtomicAdd(cm.pe(parent), barArrive, 1)
		cm.ps.Wait(barRelease, transports.CmpNe, team.SyncValue)
		cm.ps.Store(barRelease, team.SyncValue)
	}
	for _, child := range children {
		cm.ps.AtomicSet(cm.pe(child), barRelease, 1)
	}
}

// disseminationSync runs ceil(log2(size)) rounds; in round r each PE
// signals the peer 2^r ahead and waits for the peer 2^r behind. Round r's
// signal is the distinct bit 1<<r of a single bitmask cell, added exactly
// once by its one designated sender, so rounds cannot be confused even when
// a fast peer runs several rounds ahead.
func disseminationSync(cm *comm) {
	for r, dist := 0, 1; dist < cm.size; r, dist = r+1, dist<<1 {
		peer := (cm.me + dist) % cm.size
		cm.ps.AtomicAdd(cm.pe(peer), barArrive, 1<<r)
		cm.ps.WaitBitsSet(barArrive, 1<<r)
	}
	cm.ps.Store(barArrive, team.SyncValue)
}
