// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collectives

import (
	"math/bits"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/goshmem/symm"
	"github.com/gomlx/goshmem/team"
	"github.com/gomlx/goshmem/transports"
)

// comm is one collective invocation's view of its participants: the active
// set, this PE's index within it, and the synchronization buffer in use.
// All neighbor math happens in active-set index space and is mapped to a
// global PE only at the transport boundary.
type comm struct {
	c    transports.Conduit
	ps   *symm.Mem
	me   int // active-set index of this PE
	size int

	// Either an explicit rank->PE table (team collectives) or start/stride
	// geometry (legacy active sets).
	pes           []int
	start, stride int

	// work is the team's per-member scratch array (one cell per member),
	// nil for legacy active sets.
	work *symm.Mem
}

// pe maps an active-set index to a global PE.
func (cm *comm) pe(i int) int {
	if cm.pes != nil {
		return cm.pes[i]
	}
	return cm.start + i*cm.stride
}

// teamComm builds the invocation view for a team collective, drawing the
// next synchronization buffer of the class.
func teamComm(t *team.Team, class team.SyncClass) *comm {
	if t.MyPE() < 0 {
		exceptions.Panicf("collectives: PE %d is not a member of the team", t.Conduit().MyPE())
	}
	pes := make([]int, t.NPEs())
	for i := range pes {
		pes[i] = t.GlobalPE(i)
	}
	return &comm{
		c:    t.Conduit(),
		ps:   t.SyncSlot(class),
		me:   t.MyPE(),
		size: t.NPEs(),
		pes:  pes,
		work: t.WorkArray(),
	}
}

// activeComm builds the invocation view for a legacy active-set collective:
// every stride-th global PE from start, with the caller-provided pSync.
func activeComm(c transports.Conduit, psync *symm.Mem, start, logStride, size, minSyncSize int) *comm {
	if logStride < 0 || size <= 0 || start < 0 {
		exceptions.Panicf("collectives: malformed active set start=%d logStride=%d size=%d", start, logStride, size)
	}
	stride := 1 << logStride
	me := c.MyPE()
	if (me-start)%stride != 0 || me < start || me >= start+size*stride {
		exceptions.Panicf("collectives: PE %d is not in the active set start=%d stride=%d size=%d", me, start, stride, size)
	}
	if psync.Cells() < minSyncSize {
		exceptions.Panicf("collectives: pSync of %d cells is smaller than the required %d", psync.Cells(), minSyncSize)
	}
	return &comm{
		c:      c,
		ps:     psync,
		me:     (me - start) / stride,
		size:   size,
		start:  start,
		stride: stride,
	}
}

// requirePowerOfTwo asserts a structural precondition of the xor /
// recursive-doubling families.
func (cm *comm) requirePowerOfTwo(alg string) {
	if cm.size&(cm.size-1) != 0 {
		exceptions.Panicf("collectives: %s requires a power-of-two team size, got %d", alg, cm.size)
	}
}

// requireEven asserts a structural precondition of the color-pairwise /
// neighbor-exchange families.
func (cm *comm) requireEven(alg string) {
	if cm.size%2 != 0 {
		exceptions.Panicf("collectives: %s requires an even team size, got %d", alg, cm.size)
	}
}

// log2ceil returns ceil(log2(n)) for n >= 1.
func log2ceil(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// binomialParent returns node i's parent in a binomial tree rooted at 0, by
// clearing the lowest set bit.
func binomialParent(i int) int {
	return i & (i - 1)
}

// binomialChildren appends node i's children in a binomial tree of the
// given size, nearest first.
func binomialChildren(i, size int) []int {
	var children []int
	low := i & -i
	if i == 0 {
		low = 1 << 62
	}
	for bit := 1; bit < low; bit <<= 1 {
		child := i | bit
		if child >= size {
			break
		}
		children = append(children, child)
	}
	return children
}

// knomialParent returns node i's parent in a k-nomial tree rooted at 0:
// clear i's lowest non-zero base-k digit.
func knomialParent(i, k int) int {
	pow := 1
	for i/pow%k == 0 {
		pow *= k
	}
	return i - (i / pow % k * pow)
}

// knomialChildren lists node i's children in a k-nomial tree of the given
// size: for every power-of-k position below i's lowest non-zero digit,
// nodes i + d*k^pos for d in 1..k-1.
func knomialChildren(i, k, size int) []int {
	var children []int
	for pow := 1; pow < size; pow *= k {
		if i != 0 && i/pow%k != 0 {
			break
		}
		for d := 1; d < k; d++ {
			child := i + d*pow
			if child >= size {
				return children
			}
			children = append(children, child)
		}
	}
	return children
}

// completeChildren lists node i's children in a complete k-ary tree.
func completeChildren(i, k, size int) []int {
	var children []int
	for d := 1; d <= k; d++ {
		child := i*k + d
		if child >= size {
			break
		}
		children = append(children, child)
	}
	return children
}

// completeParent returns node i's parent in a complete k-ary tree.
func completeParent(i, k int) int {
	return (i - 1) / k
}

// treeBarrier synchronizes the active set using two cells of the pSync at
// base: an arrival counter (base) and a release flag (base+1). It is the
// barrier embedded by collectives that terminate with a full
// synchronization; team-level barrier/sync have their own variants in
// barrier.go.
func (cm *comm) treeBarrier(base int) {
	if cm.size == 1 {
		return
	}
	arrive, release := base, base+1
	children := binomialChildren(cm.me, cm.size)
	if len(children) > 0 {
		cm.ps.Wait(arrive, transports.CmpEq, int64(len(children)))
	}
	cm.ps.Store(arrive, team.SyncValue)
	if cm.me != 0 {
		cm.ps.AtomicAdd(cm.pe(binomialParent(cm.me)), arrive, 1)
		cm.ps.Wait(release, transports.CmpNe, team.SyncValue)
		cm.ps.Store(release, team.SyncValue)
	}
	for _, child := range children {
		cm.ps.AtomicSet(cm.pe(child), release, 1)
	}
}
