// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package team maintains PE membership for goshmem: the predefined world and
// node teams, teams derived by strided or 2-D splitting, rank translation
// between teams, and the per-team synchronization buffers every collective
// runs on.
//
// Three index spaces coexist: global PE (job-wide identity), team rank
// (0..NPEs-1 within a team) and the active-set index used inside an
// algorithm. This package owns the first two; package collectives computes
// the third.
package team

import (
	"math/bits"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/goshmem/symm"
	"github.com/gomlx/goshmem/transports"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Synchronization-buffer ABI constants. Sizes are in 8-byte cells; every
// cell holds SyncValue whenever the buffer is idle.
const (
	// SyncValue is the baseline every pSync cell returns to between
	// collectives.
	SyncValue = int64(0)

	// BarrierSyncSize is the cell count of a barrier-class buffer: an
	// arrival/bitmask cell, a release cell and two spares.
	BarrierSyncSize = 4

	// BcastSyncSize is the minimum cell count for a broadcast buffer.
	BcastSyncSize = 8

	// AlltoallSyncSize is the minimum cell count for alltoall buffers.
	AlltoallSyncSize = 4

	// AlltoallsSyncSize is the minimum cell count for strided alltoall
	// buffers.
	AlltoallsSyncSize = 4

	// FcollectSyncSize is the minimum cell count for fixed-length collect
	// buffers: barrier windows, ring counters and one flag per exchange
	// round.
	FcollectSyncSize = 36

	// ReduceSyncSize is the minimum cell count for reduction buffers:
	// hand-off cells plus a free/data handshake cell pair per doubling
	// round.
	ReduceSyncSize = 72

	// CollectSyncSize is the minimum cell count for variable-length collect
	// buffers: prefix-sum cells, the bounded announcement pipeline and
	// three cells per doubling round.
	CollectSyncSize = 104

	// MaxSyncSize covers any operation class.
	MaxSyncSize = CollectSyncSize
)

// MaxTeams is the size of the per-job team pool: the maximum number of teams
// (predefined included) alive at once.
const MaxTeams = 32

// SyncClass selects which of a team's synchronization buffers an operation
// uses.
type SyncClass int

const (
	// ClassBarrier is used by barrier and sync.
	ClassBarrier SyncClass = iota

	// ClassCollective is used by every other collective.
	ClassCollective
)

// Config carries team creation options.
type Config struct {
	// NumContexts is the number of communication contexts the team expects
	// to have attached.
	NumContexts int
}

// Mask bits selecting Config fields; unselected fields read as zero.
const (
	ConfigNumContexts int64 = 1 << iota
)

// Registry owns the team pool of one PE: the predefined teams plus the slot
// bookkeeping backing derived teams. Every PE of the job builds its own
// Registry collectively via NewWorld.
type Registry struct {
	c       transports.Conduit
	pool    *symm.Mem
	used    [MaxTeams]bool
	world   *Team
	shared  *Team
	npes    int
	slCells int
}

// Team is an ordered subset of PEs with its own rank numbering.
type Team struct {
	reg        *Registry
	parent     *Team
	predefined bool
	destroyed  bool

	rank   int // this PE's rank, -1 if not a member
	nranks int
	start  int // geometry in global PE space
	stride int

	toGlobal   []int       // team rank -> global PE
	fromGlobal map[int]int // global PE -> team rank

	cfg  Config
	slot int // pool slot index

	barrier [2]*symm.Mem // parity-alternating barrier-class buffers
	coll    [2]*symm.Mem // parity-alternating collective-class buffers
	work    *symm.Mem    // per-team scratch cells, one per job PE

	seq      [2]uint64 // per-class invocation counters
	contexts []transports.Context
}

// Cells of one pool slot: two barrier-class buffers, two collective-class
// buffers, and one work cell per job PE.
func slotCells(npes int) int {
	return 2*BarrierSyncSize + 2*MaxSyncSize + npes
}

// NewWorld collectively creates this PE's Registry with the predefined
// teams. Every PE of the job must call it before any collective.
func NewWorld(c transports.Conduit) (*Registry, error) {
	npes := c.NumPEs()
	sl := slotCells(npes)
	pool, err := symm.Alloc(c, MaxTeams*sl*symm.CellBytes)
	if err != nil {
		return nil, errors.WithMessage(err, "team.NewWorld: allocating team pool")
	}
	r := &Registry{c: c, pool: pool, npes: npes, slCells: sl}
	all := make([]int, npes)
	for i := range all {
		all[i] = i
	}
	r.world = r.newTeam(nil, all, 0, 1, Config{}, 0)
	r.world.predefined = true
	// The local transport keeps the whole job on one node, so the
	// node-sharing team has world membership. Other transports narrow it.
	r.shared = r.newTeam(nil, all, 0, 1, Config{}, 1)
	r.shared.predefined = true
	klog.V(1).Infof("PE %d: world team of %d PEs created", c.MyPE(), npes)
	return r, nil
}

// World returns the predefined team containing every PE of the job.
func (r *Registry) World() *Team { return r.world }

// Shared returns the predefined team of PEs sharing this PE's node.
func (r *Registry) Shared() *Team { return r.shared }

// newTeam builds the local image of a team over pool slot `slot`. members
// holds global PEs in team-rank order.
func (r *Registry) newTeam(parent *Team, members []int, start, stride int, cfg Config, slot int) *Team {
	t := &Team{
		reg:        r,
		parent:     parent,
		nranks:     len(members),
		rank:       -1,
		start:      start,
		stride:     stride,
		toGlobal:   members,
		fromGlobal: make(map[int]int, len(members)),
		cfg:        cfg,
		slot:       slot,
	}
	me := r.c.MyPE()
	for rank, pe := range members {
		t.fromGlobal[pe] = rank
		if pe == me {
			t.rank = rank
		}
	}
	base := slot * r.slCells * symm.CellBytes
	off := base
	for p := 0; p < 2; p++ {
		t.barrier[p] = r.pool.View(off, BarrierSyncSize*symm.CellBytes)
		off += BarrierSyncSize * symm.CellBytes
	}
	for p := 0; p < 2; p++ {
		t.coll[p] = r.pool.View(off, MaxSyncSize*symm.CellBytes)
		off += MaxSyncSize * symm.CellBytes
	}
	t.work = r.pool.View(off, r.npes*symm.CellBytes)
	r.used[slot] = true
	return t
}

// Conduit returns the transport conduit of this PE.
func (t *Team) Conduit() transports.Conduit { return t.reg.c }

// MyPE returns this PE's rank within the team, or -1 if it is not a member.
func (t *Team) MyPE() int { return t.rank }

// NPEs returns the team size.
func (t *Team) NPEs() int { return t.nranks }

// Start returns the first member's index in the parent/global PE space.
func (t *Team) Start() int { return t.start }

// Stride returns the member stride in the global PE space.
func (t *Team) Stride() int { return t.stride }

// GlobalPE translates a team rank to a global PE, or -1 if out of range.
func (t *Team) GlobalPE(rank int) int {
	if rank < 0 || rank >= t.nranks {
		return -1
	}
	return t.toGlobal[rank]
}

// RankOf translates a global PE to a team rank, or -1 if not a member.
func (t *Team) RankOf(globalPE int) int {
	if rank, found := t.fromGlobal[globalPE]; found {
		return rank
	}
	return -1
}

// GetConfig returns the team's configuration with only mask-selected fields
// filled in; absent fields read as zero.
func (t *Team) GetConfig(mask int64) Config {
	var cfg Config
	if mask&ConfigNumContexts != 0 {
		cfg.NumContexts = t.cfg.NumContexts
	}
	return cfg
}

// SyncSlot hands out the team's next synchronization buffer of the given
// class. Consecutive collectives on the same class alternate between two
// buffers, so a peer racing into the next collective cannot disturb a buffer
// still being reset by a slow member of this one.
func (t *Team) SyncSlot(class SyncClass) *symm.Mem {
	t.checkMember("SyncSlot")
	parity := t.seq[class] & 1
	t.seq[class]++
	if class == ClassBarrier {
		return t.barrier[parity]
	}
	return t.coll[parity]
}

// WorkArray returns the team's scratch cells (one per job PE), used by
// variable-length collects to exchange block sizes.
func (t *Team) WorkArray() *symm.Mem { return t.work }

// AttachContext registers a communication context to be drained on team
// synchronization.
func (t *Team) AttachContext(ctx transports.Context) {
	t.checkMember("AttachContext")
	t.contexts = append(t.contexts, ctx)
}

// QuietAll completes this PE's outstanding operations on the conduit and on
// every attached context, in attachment order.
func (t *Team) QuietAll() {
	t.reg.c.Quiet()
	for _, ctx := range t.contexts {
		ctx.Quiet()
	}
}

// IsMember reports whether this PE belongs to the team.
func (t *Team) IsMember() bool { return t.rank >= 0 }

func (t *Team) checkMember(op string) {
	if t.destroyed {
		exceptions.Panicf("team.%s on a destroyed team", op)
	}
	if t.rank < 0 {
		exceptions.Panicf("team.%s called by PE %d which is not a member", op, t.reg.c.MyPE())
	}
}

// Destroy releases a derived team's contexts and synchronization buffers.
// Destroying a predefined team is a fatal error. Destroy is local: the
// caller must ensure no collective is in flight on the team.
func (t *Team) Destroy() {
	if t.predefined {
		exceptions.Panicf("team.Destroy called on a predefined team")
	}
	if t.destroyed {
		return
	}
	for _, ctx := range t.contexts {
		ctx.Destroy()
	}
	t.contexts = nil
	// Return the buffers to baseline for the slot's next tenant.
	for _, m := range []*symm.Mem{t.barrier[0], t.barrier[1], t.coll[0], t.coll[1], t.work} {
		for i := 0; i < m.Cells(); i++ {
			m.Store(i, SyncValue)
		}
	}
	if t.rank >= 0 {
		t.reg.used[t.slot] = false
	}
	t.destroyed = true
	klog.V(1).Infof("PE %d: destroyed team of %d PEs (pool slot %d)", t.reg.c.MyPE(), t.nranks, t.slot)
}

// TranslatePE maps srcPE, a rank of src, to the corresponding rank in dst.
// It returns -1 if srcPE is out of range or the PE is not a member of dst.
func TranslatePE(src *Team, srcPE int, dst *Team) int {
	if src == nil || dst == nil {
		return -1
	}
	global := src.GlobalPE(srcPE)
	if global < 0 {
		return -1
	}
	return dst.RankOf(global)
}

// Cells of the parent's collective-class buffer used by split coordination.
const (
	splitArriveA = 0 // arrival counter, round A
	splitMask    = 1 // OR-accumulated complement of free-slot masks
	splitIdx     = 2 // chosen slot, distributed by the parent's rank 0
	splitArriveB = 3 // arrival counter, round B
	splitRelease = 4 // round-B release flag
)

// acquireSlot agrees, collectively over the parent team, on a free pool
// slot for a child team. It returns -1 if the members' free masks have no
// common slot.
func (t *Team) acquireSlot(ps *symm.Mem) int {
	r := t.reg
	root := t.toGlobal[0]
	var notFree int64
	for i := 0; i < MaxTeams; i++ {
		if r.used[i] {
			notFree |= 1 << i
		}
	}
	ps.AtomicOr(root, splitMask, notFree)
	ps.AtomicAdd(root, splitArriveA, 1)
	if t.rank == 0 {
		ps.Wait(splitArriveA, transports.CmpEq, int64(t.nranks))
		free := ^ps.Load(splitMask) & (1<<MaxTeams - 1)
		encoded := int64(1) // no common free slot
		if free != 0 {
			encoded = int64(bits.TrailingZeros64(uint64(free))) + 2
		}
		ps.Store(splitArriveA, SyncValue)
		ps.Store(splitMask, SyncValue)
		for _, pe := range t.toGlobal {
			ps.AtomicSet(pe, splitIdx, encoded)
		}
	}
	ps.Wait(splitIdx, transports.CmpNe, SyncValue)
	encoded := ps.Load(splitIdx)
	ps.Store(splitIdx, SyncValue)
	if encoded == 1 {
		return -1
	}
	return int(encoded - 2)
}

// syncMembers is a linear barrier over the parent team on the same buffer,
// run after child buffers are baselined so no member signals into a buffer
// another member is still clearing.
func (t *Team) syncMembers(ps *symm.Mem) {
	root := t.toGlobal[0]
	ps.AtomicAdd(root, splitArriveB, 1)
	if t.rank == 0 {
		ps.Wait(splitArriveB, transports.CmpEq, int64(t.nranks))
		ps.Store(splitArriveB, SyncValue)
		for _, pe := range t.toGlobal {
			ps.AtomicSet(pe, splitRelease, 1)
		}
	}
	ps.Wait(splitRelease, transports.CmpNe, SyncValue)
	ps.Store(splitRelease, SyncValue)
}

// SplitStrided derives a child team from every stride-th member of t,
// starting at parent rank start, for size members. It is collective over the
// parent: every member of t must call it with the same arguments. Members of
// the child get the new team; other parent members get nil. Malformed
// parameters return an error, never a panic.
func (t *Team) SplitStrided(start, stride, size int, cfg *Config, mask int64) (*Team, error) {
	t.checkMember("SplitStrided")
	if start < 0 || start >= t.nranks {
		return nil, errors.Errorf("SplitStrided: start %d is not a member of the parent team (size %d)", start, t.nranks)
	}
	if stride <= 0 || size <= 0 {
		return nil, errors.Errorf("SplitStrided: stride and size must be positive, got stride=%d size=%d", stride, size)
	}
	if start+(size-1)*stride >= t.nranks {
		return nil, errors.Errorf("SplitStrided: member %d (start %d + %d*stride %d) outside parent team of %d",
			start+(size-1)*stride, start, size-1, stride, t.nranks)
	}

	ps := t.SyncSlot(ClassCollective)
	slot := t.acquireSlot(ps)
	if slot < 0 {
		// Every member saw the same verdict; the failure is collective.
		t.syncMembers(ps)
		return nil, errors.Errorf("SplitStrided: no free team slots (MaxTeams=%d)", MaxTeams)
	}

	members := make([]int, size)
	for i := range members {
		members[i] = t.toGlobal[start+i*stride]
	}
	var childCfg Config
	if cfg != nil && mask&ConfigNumContexts != 0 {
		childCfg.NumContexts = cfg.NumContexts
	}
	child := t.reg.newTeam(t, members, t.start+start*t.stride, t.stride*stride, childCfg, slot)
	if child.rank < 0 {
		// Not a member: release the local image, keep the slot marked used
		// only on members so it frees cleanly on Destroy.
		t.reg.used[slot] = false
		child = nil
	} else {
		for _, m := range []*symm.Mem{child.barrier[0], child.barrier[1], child.coll[0], child.coll[1], child.work} {
			for i := 0; i < m.Cells(); i++ {
				m.Store(i, SyncValue)
			}
		}
	}
	t.syncMembers(ps)
	return child, nil
}

// Split2D decomposes t into a 2-D grid with xrange columns: the returned x
// team contains the members sharing this PE's row, the y team those sharing
// its column. Collective over the parent. Row and column teams are computed
// independently from this PE's (x, y) coordinates, where
// x = rank % xrange and y = rank / xrange.
func (t *Team) Split2D(xrange int, xcfg *Config, xmask int64, ycfg *Config, ymask int64) (xTeam, yTeam *Team, err error) {
	t.checkMember("Split2D")
	if xrange <= 0 {
		return nil, nil, errors.Errorf("Split2D: xrange must be positive, got %d", xrange)
	}
	if xrange > t.nranks {
		xrange = t.nranks
	}
	myX := t.rank % xrange
	myY := t.rank / xrange
	nrows := (t.nranks + xrange - 1) / xrange

	for y := 0; y < nrows; y++ {
		size := xrange
		if y*xrange+size > t.nranks {
			size = t.nranks - y*xrange
		}
		row, splitErr := t.SplitStrided(y*xrange, 1, size, xcfg, xmask)
		if splitErr != nil {
			return nil, nil, errors.WithMessagef(splitErr, "Split2D: row %d", y)
		}
		if y == myY {
			xTeam = row
		}
	}
	ncols := xrange
	for x := 0; x < ncols; x++ {
		size := (t.nranks - x - 1) / xrange
		col, splitErr := t.SplitStrided(x, xrange, size+1, ycfg, ymask)
		if splitErr != nil {
			return nil, nil, errors.WithMessagef(splitErr, "Split2D: column %d", x)
		}
		if x == myX {
			yTeam = col
		}
	}
	return xTeam, yTeam, nil
}
