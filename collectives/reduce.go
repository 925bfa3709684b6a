// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collectives

import (
	"math/bits"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/goshmem/symm"
	"github.com/gomlx/goshmem/team"
	"github.com/gomlx/goshmem/transports"
)

// Reduce-class pSync cell roles (within team.ReduceSyncSize cells). The
// exchanges are get-based: a PE announces its partial result is readable,
// the peer gets it, and the peer announces it is done reading. Each
// doubling/halving round uses its own data and free cell so no round can
// consume a flag belonging to another.
const (
	redHandA = 0 // pre/post fold handshake: data ready (also bcast data)
	redHandB = 1 // pre/post fold handshake: consumed (also bcast ack)
	redRing  = 2 // ring allgather counter
	redBarrA = 4 // linear variant: embedded barrier window A (2 cells)
	redBarrB = 6 // linear variant: embedded barrier window B (2 cells)
	redFree  = 8              // per-round "done reading" flags
	redData  = redFree + 32   // per-round "partial ready" flags
)

// Reduce combines nelems elements of src from every team member with op and
// leaves the identical result in every member's dest.
func Reduce[T dtypes.Supported](e *Engine, t *team.Team, op Op[T], dest, src *symm.Slice[T], nelems int) error {
	cm := teamComm(t, team.ClassCollective)
	runReduce(e.reduceAlgFor(dest.DType()), cm, op, dest, src, nelems)
	return nil
}

// ReduceActiveSet is the legacy active-set form; psync needs at least
// team.ReduceSyncSize cells.
func ReduceActiveSet[T dtypes.Supported](e *Engine, c transports.Conduit, psync *symm.Mem,
	op Op[T], dest, src *symm.Slice[T], nelems, start, logStride, size int) {
	cm := activeComm(c, psync, start, logStride, size, team.ReduceSyncSize)
	runReduce(e.reduceAlgFor(dest.DType()), cm, op, dest, src, nelems)
}

func runReduce[T dtypes.Supported](alg ReduceAlg, cm *comm, op Op[T], dest, src *symm.Slice[T], nelems int) {
	if nelems < 0 || nelems > dest.Len() || nelems > src.Len() {
		exceptions.Panicf("collectives: reduce of %d elements exceeds buffers (dest %d, src %d)",
			nelems, dest.Len(), src.Len())
	}
	if cm.size == 1 {
		copy(dest.Local()[:nelems], src.Local()[:nelems])
		return
	}
	switch alg {
	case ReduceLinear:
		linearReduce(cm, op, dest, src, nelems)
	case ReduceBinomial:
		binomialReduce(cm, op, dest, src, nelems)
	case ReduceRecDoubling:
		recDoublingReduce(cm, op, dest, src, nelems)
	case ReduceRabenseifner:
		rabenseifnerReduce(cm, op, dest, src, nelems, false)
	case ReduceRabenseifner2:
		rabenseifnerReduce(cm, op, dest, src, nelems, true)
	}
}

// linearReduce: rank 0 gets every member's source, folds, and pushes the
// result back out. Barriers bracket the data movement so sources are stable
// and destinations writable in between.
func linearReduce[T dtypes.Supported](cm *comm, op Op[T], dest, src *symm.Slice[T], nelems int) {
	cm.treeBarrier(redBarrA)
	if cm.me == 0 {
		acc := dest.Local()[:nelems]
		copy(acc, src.Local()[:nelems])
		tmp := make([]T, nelems)
		for i := 1; i < cm.size; i++ {
			src.Get(tmp, cm.pe(i), 0)
			op.fold(acc, tmp)
		}
		for i := 1; i < cm.size; i++ {
			dest.Put(cm.pe(i), 0, 0, nelems)
		}
		cm.c.Quiet()
	}
	cm.treeBarrier(redBarrB)
}

// binomialReduce folds partials up a binomial tree rooted at rank 0, then
// broadcasts the result back down the same tree. A child's flag cell is
// indexed by its distance bit, so a parent with several children knows
// which partial became readable.
func binomialReduce[T dtypes.Supported](cm *comm, op Op[T], dest, src *symm.Slice[T], nelems int) {
	acc := dest.Local()[:nelems]
	copy(acc, src.Local()[:nelems])
	tmp := make([]T, nelems)

	for _, child := range binomialChildren(cm.me, cm.size) {
		j := bits.TrailingZeros(uint(child - cm.me))
		cm.ps.Wait(redData+j, transports.CmpNe, team.SyncValue)
		cm.ps.Store(redData+j, team.SyncValue)
		dest.Get(tmp, cm.pe(child), 0)
		op.fold(acc, tmp)
		cm.ps.AtomicSet(cm.pe(child), redFree+j, 1)
	}
	if cm.me != 0 {
		j := bits.TrailingZeros(uint(cm.me))
		cm.ps.AtomicSet(cm.pe(binomialParent(cm.me)), redData+j, 1)
		cm.ps.Wait(redFree+j, transports.CmpNe, team.SyncValue)
		cm.ps.Store(redFree+j, team.SyncValue)
	}
	mem := dest.Mem()
	treeBroadcast(cm, mem, mem, nelems*dest.ElemSize(), 0, binomialParent(cm.me), binomialChildren(cm.me, cm.size), false)
}

// foldBracket reduces the group to the largest power-of-two subset: each of
// the first rem odd ranks hands its partial to the even rank on its left.
// Returns the caller's rank in the reduced group, or -1 for folded-out odd
// ranks, together with the group size.
func foldBracket[T dtypes.Supported](cm *comm, op Op[T], dest *symm.Slice[T], acc, tmp []T) (newrank, pof2, rem int) {
	pof2 = 1
	for pof2*2 <= cm.size {
		pof2 *= 2
	}
	rem = cm.size - pof2
	switch {
	case cm.me >= 2*rem:
		newrank = cm.me - rem
	case cm.me%2 == 1:
		partner := cm.pe(cm.me - 1)
		cm.ps.AtomicSet(partner, redHandA, 1)
		cm.ps.Wait(redHandB, transports.CmpNe, team.SyncValue)
		cm.ps.Store(redHandB, team.SyncValue)
		newrank = -1
	default:
		partner := cm.pe(cm.me + 1)
		cm.ps.Wait(redHandA, transports.CmpNe, team.SyncValue)
		cm.ps.Store(redHandA, team.SyncValue)
		dest.Get(tmp[:len(acc)], partner, 0)
		op.fold(acc, tmp[:len(acc)])
		cm.ps.AtomicSet(partner, redHandB, 1)
		newrank = cm.me / 2
	}
	return
}

// unfoldBracket pushes the finished result from each even rank of a folded
// pair back to its odd partner.
func unfoldBracket[T dtypes.Supported](cm *comm, dest *symm.Slice[T], nelems, rem int) {
	if cm.me >= 2*rem {
		return
	}
	if cm.me%2 == 0 {
		partner := cm.pe(cm.me + 1)
		dest.Put(partner, 0, 0, nelems)
		cm.c.Fence(partner)
		cm.ps.AtomicSet(partner, redHandA, 1)
	} else {
		cm.ps.Wait(redHandA, transports.CmpNe, team.SyncValue)
		cm.ps.Store(redHandA, team.SyncValue)
	}
}

// bracketPE maps a rank of the power-of-two group back to a group rank.
func bracketPE(cm *comm, newrank, rem int) int {
	if newrank < rem {
		return cm.pe(2 * newrank)
	}
	return cm.pe(newrank + rem)
}

// recDoublingReduce: after folding to a power of two, ranks pairwise
// exchange whole partials across doubling distances, each side getting the
// other's buffer and folding locally.
func recDoublingReduce[T dtypes.Supported](cm *comm, op Op[T], dest, src *symm.Slice[T], nelems int) {
	acc := dest.Local()[:nelems]
	copy(acc, src.Local()[:nelems])
	tmp := make([]T, nelems)

	newrank, pof2, rem := foldBracket(cm, op, dest, acc, tmp)
	if newrank >= 0 {
		for r, dist := 0, 1; dist < pof2; r, dist = r+1, dist*2 {
			peer := bracketPE(cm, newrank^dist, rem)
			cm.ps.AtomicSet(peer, redData+r, 1)
			cm.ps.Wait(redData+r, transports.CmpNe, team.SyncValue)
			cm.ps.Store(redData+r, team.SyncValue)
			dest.Get(tmp, peer, 0)
			cm.ps.AtomicSet(peer, redFree+r, 1)
			cm.ps.Wait(redFree+r, transports.CmpNe, team.SyncValue)
			cm.ps.Store(redFree+r, team.SyncValue)
			op.fold(acc, tmp)
		}
	}
	unfoldBracket(cm, dest, nelems, rem)
}

// halvingRound records one reduce-scatter round for replay during the
// allgather phase.
type halvingRound struct {
	peer         int // group rank of the exchange partner
	lo, hi       int // element range held before the round
	myLo, myHi   int // half kept after the round
}

// rabenseifnerReduce: reduce-scatter by recursive halving, so each rank of
// the power-of-two group ends owning one fully reduced element block, then
// an allgather of the blocks. The allgather replays the halving rounds in
// reverse (ring=false) or circulates the final blocks around a ring
// (ring=true).
func rabenseifnerReduce[T dtypes.Supported](cm *comm, op Op[T], dest, src *symm.Slice[T], nelems int, ring bool) {
	acc := dest.Local()[:nelems]
	copy(acc, src.Local()[:nelems])
	tmp := make([]T, nelems)

	newrank, pof2, rem := foldBracket(cm, op, dest, acc, tmp)
	if newrank >= 0 {
		var rounds []halvingRound
		lo, hi := 0, nelems
		r := 0
		for dist := pof2 / 2; dist >= 1; dist /= 2 {
			peer := bracketPE(cm, newrank^dist, rem)
			mid := lo + (hi-lo)/2
			myLo, myHi := lo, mid
			if newrank&dist != 0 {
				myLo, myHi = mid, hi
			}
			// Peer reads my other half while I read and fold mine; the
			// two element ranges never overlap.
			cm.ps.AtomicSet(peer, redData+r, 1)
			cm.ps.Wait(redData+r, transports.CmpNe, team.SyncValue)
			cm.ps.Store(redData+r, team.SyncValue)
			n := myHi - myLo
			dest.Get(tmp[:n], peer, myLo)
			op.fold(acc[myLo:myHi], tmp[:n])
			rounds = append(rounds, halvingRound{peer: peer, lo: lo, hi: hi, myLo: myLo, myHi: myHi})
			lo, hi = myLo, myHi
			r++
		}
		if ring {
			ringAllgatherBlocks(cm, dest, nelems, newrank, pof2, rem)
		} else {
			for i := len(rounds) - 1; i >= 0; i-- {
				rd := rounds[i]
				otherLo, otherHi := rd.lo, rd.myLo
				if rd.myLo == rd.lo {
					otherLo, otherHi = rd.myHi, rd.hi
				}
				cm.ps.AtomicSet(rd.peer, redFree+i, 1)
				cm.ps.Wait(redFree+i, transports.CmpNe, team.SyncValue)
				cm.ps.Store(redFree+i, team.SyncValue)
				dest.Get(acc[otherLo:otherHi], rd.peer, otherLo)
			}
		}
	}
	unfoldBracket(cm, dest, nelems, rem)
}

// halvingBlock returns the element range rank x of the power-of-two group
// owns after the reduce-scatter phase.
func halvingBlock(x, pof2, nelems int) (lo, hi int) {
	lo, hi = 0, nelems
	for dist := pof2 / 2; dist >= 1; dist /= 2 {
		mid := lo + (hi-lo)/2
		if x&dist != 0 {
			lo = mid
		} else {
			hi = mid
		}
	}
	return
}

// ringAllgatherBlocks circulates the reduce-scatter blocks around the
// power-of-two group. The ring counter is cumulative: its only writer is
// the left neighbor, whose rounds are ordered.
func ringAllgatherBlocks[T dtypes.Supported](cm *comm, dest *symm.Slice[T], nelems, newrank, pof2, rem int) {
	if pof2 == 1 {
		return
	}
	right := bracketPE(cm, (newrank+1)%pof2, rem)
	for i := 0; i < pof2-1; i++ {
		b := (newrank - i + pof2) % pof2
		lo, hi := halvingBlock(b, pof2, nelems)
		dest.Put(right, lo, lo, hi-lo)
		cm.c.Fence(right)
		cm.ps.AtomicAdd(right, redRing, 1)
		cm.ps.Wait(redRing, transports.CmpGe, int64(i+1))
	}
	cm.ps.Store(redRing, team.SyncValue)
}
