// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collectives

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/goshmem/symm"
	"github.com/gomlx/goshmem/team"
	"github.com/gomlx/goshmem/transports"
)

// Alltoall-class pSync cell roles (within team.AlltoallSyncSize cells).
const (
	a2aBarr = 0 // completion barrier window (2 cells)
	a2aCnt  = 2 // delivery counter, one increment per incoming block
)

// a2aPolicy is the peer-visitation order of an alltoall algorithm.
type a2aPolicy int

const (
	a2aShift a2aPolicy = iota // peer (me+i) % size
	a2aXor                    // peer me ^ i, power-of-two sizes
	a2aColor                  // pairwise rounds from an edge coloring
)

// a2aCompletion is how an alltoall algorithm detects that all blocks
// arrived.
type a2aCompletion int

const (
	a2aBarrier a2aCompletion = iota
	a2aCounter
	a2aSignal
)

func splitAlltoallAlg(alg AlltoallAlg) (a2aPolicy, a2aCompletion) {
	return a2aPolicy(int(alg) / 3), a2aCompletion(int(alg) % 3)
}

// edgeColorPartner returns the partner of rank me in round i of a
// round-robin edge coloring of the complete graph on npes nodes, or -1 when
// me sits out the round (odd npes only). Every pair of ranks meets in
// exactly one of the chromatic-index many rounds.
func edgeColorPartner(me, i, npes int) int {
	chr := npes
	if npes%2 == 0 {
		chr = npes - 1
	}
	var v int
	if me < chr {
		v = (i + chr - me) % chr
	} else if i%2 == 1 {
		v = ((i + chr) / 2) % chr
	} else {
		v = i / 2
	}
	if v == me {
		if npes%2 == 1 {
			return -1
		}
		return chr
	}
	return v
}

// peerSeq lists the team ranks to exchange with, in the order the policy
// dictates. Every policy visits each other rank exactly once.
func peerSeq(cm *comm, policy a2aPolicy) []int {
	peers := make([]int, 0, cm.size-1)
	switch policy {
	case a2aShift:
		for i := 1; i < cm.size; i++ {
			peers = append(peers, (cm.me+i)%cm.size)
		}
	case a2aXor:
		cm.requirePowerOfTwo("alltoall xor_pairwise_exchange")
		for i := 1; i < cm.size; i++ {
			peers = append(peers, cm.me^i)
		}
	case a2aColor:
		chr := cm.size
		if cm.size%2 == 0 {
			chr = cm.size - 1
		}
		for i := 0; i < chr; i++ {
			if p := edgeColorPartner(cm.me, i, cm.size); p >= 0 {
				peers = append(peers, p)
			}
		}
	}
	return peers
}

func finishAlltoall(cm *comm, completion a2aCompletion) {
	if completion == a2aBarrier {
		cm.c.Quiet()
		cm.treeBarrier(a2aBarr)
		return
	}
	cm.ps.Wait(a2aCnt, transports.CmpEq, int64(cm.size-1))
	cm.ps.Store(a2aCnt, team.SyncValue)
}

// Alltoall exchanges fixed-size blocks: block i of this member's src lands
// as block me of member i's dest.
func Alltoall[T dtypes.Supported](e *Engine, t *team.Team, dest, src *symm.Slice[T], nelems int) error {
	return e.AlltoallBytes(t, dest.Mem(), src.Mem(), nelems*dest.ElemSize())
}

// AlltoallBytes is the untyped form of Alltoall: src and dest each hold
// size blocks of nbytes.
func (e *Engine) AlltoallBytes(t *team.Team, dest, src *symm.Mem, nbytes int) error {
	cm := teamComm(t, team.ClassCollective)
	runAlltoall(cm, e.alltoall, dest, src, nbytes)
	return nil
}

// AlltoallActiveSet is the legacy active-set form; psync needs at least
// team.AlltoallSyncSize cells.
func (e *Engine) AlltoallActiveSet(c transports.Conduit, psync, dest, src *symm.Mem,
	nbytes, start, logStride, size int) {
	cm := activeComm(c, psync, start, logStride, size, team.AlltoallSyncSize)
	runAlltoall(cm, e.alltoall, dest, src, nbytes)
}

func runAlltoall(cm *comm, alg AlltoallAlg, dest, src *symm.Mem, nbytes int) {
	copy(dest.Bytes()[cm.me*nbytes:(cm.me+1)*nbytes], src.Bytes()[cm.me*nbytes:(cm.me+1)*nbytes])
	if cm.size == 1 {
		return
	}
	policy, completion := splitAlltoallAlg(alg)
	for _, i := range peerSeq(cm, policy) {
		peer := cm.pe(i)
		block := src.Bytes()[i*nbytes : (i+1)*nbytes]
		switch completion {
		case a2aSignal:
			dest.PutSignal(peer, cm.me*nbytes, block, cm.ps, a2aCnt, 1, transports.SignalAdd)
		case a2aCounter:
			dest.PutNBI(peer, cm.me*nbytes, block)
			cm.c.Fence(peer)
			cm.ps.AtomicAdd(peer, a2aCnt, 1)
		default:
			dest.PutNBI(peer, cm.me*nbytes, block)
		}
	}
	finishAlltoall(cm, completion)
}

// Alltoalls is the strided variant of Alltoall: block j of the source
// occupies elements sst*(j*nelems+k), and lands on member j's dest at
// elements dst*(me*nelems+k).
func Alltoalls[T dtypes.Supported](e *Engine, t *team.Team, dest, src *symm.Slice[T], dst, sst, nelems int) error {
	return e.AlltoallsBytes(t, dest.Mem(), src.Mem(), dst, sst, dest.ElemSize(), nelems)
}

// AlltoallsBytes is the untyped form of Alltoalls; strides are in elements
// of elemSize bytes.
func (e *Engine) AlltoallsBytes(t *team.Team, dest, src *symm.Mem, dst, sst, elemSize, nelems int) error {
	cm := teamComm(t, team.ClassCollective)
	runAlltoalls(cm, e.alltoalls, dest, src, dst, sst, elemSize, nelems)
	return nil
}

// AlltoallsActiveSet is the legacy active-set form; psync needs at least
// team.AlltoallsSyncSize cells.
func (e *Engine) AlltoallsActiveSet(c transports.Conduit, psync, dest, src *symm.Mem,
	dst, sst, elemSize, nelems, start, logStride, size int) {
	cm := activeComm(c, psync, start, logStride, size, team.AlltoallsSyncSize)
	runAlltoalls(cm, e.alltoalls, dest, src, dst, sst, elemSize, nelems)
}

func runAlltoalls(cm *comm, alg AlltoallAlg, dest, src *symm.Mem, dst, sst, elemSize, nelems int) {
	// Self block, element by element.
	srcBytes, destBytes := src.Bytes(), dest.Bytes()
	for k := 0; k < nelems; k++ {
		so := sst * (cm.me*nelems + k) * elemSize
		do := dst * (cm.me*nelems + k) * elemSize
		copy(destBytes[do:do+elemSize], srcBytes[so:so+elemSize])
	}
	if cm.size == 1 {
		return
	}
	policy, completion := splitAlltoallAlg(alg)
	for _, i := range peerSeq(cm, policy) {
		peer := cm.pe(i)
		so := sst * i * nelems * elemSize
		// A strided put cannot carry a piggybacked signal, so the signal
		// variants complete each block like the counter ones.
		dest.IPut(peer, dst*cm.me*nelems*elemSize, dst, srcBytes[so:], sst, elemSize, nelems)
		if completion != a2aBarrier {
			cm.c.Fence(peer)
			cm.ps.AtomicAdd(peer, a2aCnt, 1)
		}
	}
	finishAlltoall(cm, completion)
}
