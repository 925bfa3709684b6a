// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package local implements an in-process goshmem transport: one job holds N
// PEs, each a goroutine, over a shared symmetric heap.
//
// It is the reference transport: correct, portable, and with the simplest
// possible cost model. Remote operations are memory copies; atomics are
// sync/atomic on 8-byte aligned cells; waits are busy-polls that yield the
// processor between probes.
package local

import (
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/goshmem/transports"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TransportName to be used in GOSHMEM_TRANSPORT to specify this transport.
const TransportName = "local"

// DefaultNumPEs is used when the configuration string doesn't give a PE
// count.
const DefaultNumPEs = 4

func init() {
	transports.Register(TransportName, func(config string) (transports.Job, error) {
		numPEs := DefaultNumPEs
		if config != "" {
			n, err := strconv.Atoi(config)
			if err != nil || n <= 0 {
				return nil, errors.Errorf("local transport configuration must be a positive PE count, got %q", config)
			}
			numPEs = n
		}
		return NewJob(numPEs), nil
	})
}

// backing is one symmetric allocation: one aligned buffer per PE.
type backing struct {
	nbytes int
	words  [][]int64 // per-PE, 8-byte aligned backing
	bytes  [][]byte  // per-PE byte view over words
}

// rendezvous tracks one collective Malloc/Free until every PE has arrived.
type rendezvous struct {
	arrived int
	nbytes  int
}

type heap struct {
	mu      sync.Mutex
	cond    *sync.Cond
	regions map[uint32]*backing
	pending map[string]*rendezvous // key "m<id>" or "f<id>"
}

// Job is an in-process transport job.
type Job struct {
	id     uuid.UUID
	numPEs int
	heap   *heap
}

var _ transports.Job = (*Job)(nil)

// NewJob creates a local job with numPEs goroutine PEs.
func NewJob(numPEs int) *Job {
	if numPEs <= 0 {
		exceptions.Panicf("local.NewJob: numPEs must be positive, got %d", numPEs)
	}
	h := &heap{
		regions: make(map[uint32]*backing),
		pending: make(map[string]*rendezvous),
	}
	h.cond = sync.NewCond(&h.mu)
	return &Job{
		id:     uuid.New(),
		numPEs: numPEs,
		heap:   h,
	}
}

// Name implements transports.Job.
func (j *Job) Name() string { return TransportName }

// NumPEs implements transports.Job.
func (j *Job) NumPEs() int { return j.numPEs }

// Run spawns one goroutine per PE and waits for all of them.
func (j *Job) Run(body func(transports.Conduit) error) error {
	klog.V(1).Infof("local job %s: starting %d PEs", j.id, j.numPEs)
	errs := make([]error, j.numPEs)
	var wg sync.WaitGroup
	wg.Add(j.numPEs)
	for pe := 0; pe < j.numPEs; pe++ {
		go func(pe int) {
			defer wg.Done()
			errs[pe] = body(j.conduit(pe))
		}(pe)
	}
	wg.Wait()
	for pe, err := range errs {
		if err != nil {
			return errors.WithMessagef(err, "PE %d", pe)
		}
	}
	return nil
}

func (j *Job) conduit(pe int) *Conduit {
	return &Conduit{
		job:   j,
		pe:    pe,
		cache: make(map[uint32]*backing),
	}
}

// Conduit is one PE's handle on a local Job. It is owned by a single
// goroutine.
type Conduit struct {
	job      *Job
	pe       int
	allocSeq uint32
	cache    map[uint32]*backing
}

var _ transports.Conduit = (*Conduit)(nil)

// Name implements transports.Conduit.
func (c *Conduit) Name() string { return TransportName }

// MyPE implements transports.Conduit.
func (c *Conduit) MyPE() int { return c.pe }

// NumPEs implements transports.Conduit.
func (c *Conduit) NumPEs() int { return c.job.numPEs }

// Malloc implements transports.Conduit. All PEs must call it collectively
// with the same size, in the same allocation order.
func (c *Conduit) Malloc(nbytes int) (transports.Region, error) {
	if nbytes < 0 {
		return transports.Region{}, errors.Errorf("Malloc: negative size %d", nbytes)
	}
	id := c.allocSeq
	c.allocSeq++
	h := c.job.heap
	key := fmt.Sprintf("m%d", id)

	h.mu.Lock()
	defer h.mu.Unlock()
	rdv, found := h.pending[key]
	if !found {
		rdv = &rendezvous{nbytes: nbytes}
		h.pending[key] = rdv
		// First arriver creates the backing for every PE.
		b := &backing{
			nbytes: nbytes,
			words:  make([][]int64, c.job.numPEs),
			bytes:  make([][]byte, c.job.numPEs),
		}
		nwords := (nbytes + 7) / 8
		if nwords == 0 {
			nwords = 1
		}
		for pe := range b.words {
			b.words[pe] = make([]int64, nwords)
			b.bytes[pe] = unsafe.Slice((*byte)(unsafe.Pointer(&b.words[pe][0])), nwords*8)[:nbytes]
		}
		h.regions[id] = b
	} else if rdv.nbytes != nbytes {
		return transports.Region{}, errors.Errorf(
			"Malloc: symmetric allocation #%d size mismatch: PE %d asked for %d bytes, another PE asked for %d",
			id, c.pe, nbytes, rdv.nbytes)
	}
	rdv.arrived++
	if rdv.arrived == c.job.numPEs {
		delete(h.pending, key)
		h.cond.Broadcast()
	} else {
		for h.pending[key] != nil {
			h.cond.Wait()
		}
	}
	klog.V(1).Infof("local job %s: PE %d symmetric alloc #%d (%s per PE)",
		c.job.id, c.pe, id, humanize.Bytes(uint64(nbytes)))
	return transports.Region{ID: id, NBytes: nbytes}, nil
}

// Free implements transports.Conduit. Collective, like Malloc.
func (c *Conduit) Free(r transports.Region) {
	h := c.job.heap
	key := fmt.Sprintf("f%d", r.ID)
	delete(c.cache, r.ID)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.regions[r.ID] == nil {
		exceptions.Panicf("Free: region #%d is not allocated", r.ID)
	}
	rdv, found := h.pending[key]
	if !found {
		rdv = &rendezvous{}
		h.pending[key] = rdv
	}
	rdv.arrived++
	if rdv.arrived == c.job.numPEs {
		delete(h.pending, key)
		delete(h.regions, r.ID)
		h.cond.Broadcast()
	} else {
		for h.pending[key] != nil {
			h.cond.Wait()
		}
	}
}

func (c *Conduit) backingOf(r transports.Region) *backing {
	if b, found := c.cache[r.ID]; found {
		return b
	}
	h := c.job.heap
	h.mu.Lock()
	b := h.regions[r.ID]
	h.mu.Unlock()
	if b == nil {
		exceptions.Panicf("PE %d: region #%d is not allocated", c.pe, r.ID)
	}
	c.cache[r.ID] = b
	return b
}

func (c *Conduit) checkRange(r transports.Region, pe, off, n int) *backing {
	if pe < 0 || pe >= c.job.numPEs {
		exceptions.Panicf("PE %d: target PE %d out of range [0, %d)", c.pe, pe, c.job.numPEs)
	}
	b := c.backingOf(r)
	if off < 0 || n < 0 || off+n > b.nbytes {
		exceptions.Panicf("PE %d: access [%d, %d) out of region #%d bounds [0, %d)",
			c.pe, off, off+n, r.ID, b.nbytes)
	}
	return b
}

func (c *Conduit) cellAddr(r transports.Region, pe, idx int) *int64 {
	if pe < 0 || pe >= c.job.numPEs {
		exceptions.Panicf("PE %d: target PE %d out of range [0, %d)", c.pe, pe, c.job.numPEs)
	}
	b := c.backingOf(r)
	if idx < 0 || idx >= len(b.words[pe]) || (idx+1)*8 > b.nbytes {
		exceptions.Panicf("PE %d: cell %d out of region #%d bounds (%d bytes)", c.pe, idx, r.ID, b.nbytes)
	}
	return &b.words[pe][idx]
}

// Local implements transports.Conduit.
func (c *Conduit) Local(r transports.Region) []byte {
	return c.backingOf(r).bytes[c.pe]
}

// Put implements transports.Conduit.
func (c *Conduit) Put(r transports.Region, pe, dstOff int, src []byte) {
	b := c.checkRange(r, pe, dstOff, len(src))
	copy(b.bytes[pe][dstOff:], src)
}

// PutNBI implements transports.Conduit. Local puts complete immediately.
func (c *Conduit) PutNBI(r transports.Region, pe, dstOff int, src []byte) {
	c.Put(r, pe, dstOff, src)
}

// Get implements transports.Conduit.
func (c *Conduit) Get(dst []byte, r transports.Region, pe, srcOff int) {
	b := c.checkRange(r, pe, srcOff, len(dst))
	copy(dst, b.bytes[pe][srcOff:srcOff+len(dst)])
}

// GetNBI implements transports.Conduit.
func (c *Conduit) GetNBI(dst []byte, r transports.Region, pe, srcOff int) {
	c.Get(dst, r, pe, srcOff)
}

// IPut implements transports.Conduit.
func (c *Conduit) IPut(r transports.Region, pe, dstOff, dstStride int, src []byte, srcStride, elemSize, nelems int) {
	if dstStride < 1 || srcStride < 1 {
		exceptions.Panicf("IPut: strides must be >= 1, got dst=%d src=%d", dstStride, srcStride)
	}
	if nelems == 0 {
		return
	}
	b := c.checkRange(r, pe, dstOff, ((nelems-1)*dstStride+1)*elemSize)
	dst := b.bytes[pe]
	for i := 0; i < nelems; i++ {
		so := i * srcStride * elemSize
		do := dstOff + i*dstStride*elemSize
		copy(dst[do:do+elemSize], src[so:so+elemSize])
	}
}

// PutSignal implements transports.Conduit. The signal update is ordered
// after the data copy by the atomicity of the signal op itself.
func (c *Conduit) PutSignal(r transports.Region, pe, dstOff int, src []byte,
	sig transports.Region, sigIdx int, sigValue int64, sigOp transports.SignalOp) {
	c.Put(r, pe, dstOff, src)
	switch sigOp {
	case transports.SignalSet:
		c.AtomicSet(sig, pe, sigIdx, sigValue)
	case transports.SignalAdd:
		c.AtomicAdd(sig, pe, sigIdx, sigValue)
	default:
		exceptions.Panicf("PutSignal: unknown signal op %d", sigOp)
	}
}

// AtomicAdd implements transports.Conduit.
func (c *Conduit) AtomicAdd(r transports.Region, pe, idx int, delta int64) {
	atomic.AddInt64(c.cellAddr(r, pe, idx), delta)
}

// AtomicFetchAdd implements transports.Conduit.
func (c *Conduit) AtomicFetchAdd(r transports.Region, pe, idx int, delta int64) int64 {
	return atomic.AddInt64(c.cellAddr(r, pe, idx), delta) - delta
}

// AtomicSet implements transports.Conduit.
func (c *Conduit) AtomicSet(r transports.Region, pe, idx int, value int64) {
	atomic.StoreInt64(c.cellAddr(r, pe, idx), value)
}

// AtomicCompareSwap implements transports.Conduit.
func (c *Conduit) AtomicCompareSwap(r transports.Region, pe, idx int, cond, value int64) int64 {
	addr := c.cellAddr(r, pe, idx)
	for {
		old := atomic.LoadInt64(addr)
		if old != cond {
			return old
		}
		if atomic.CompareAndSwapInt64(addr, cond, value) {
			return cond
		}
	}
}

// AtomicOr implements transports.Conduit.
func (c *Conduit) AtomicOr(r transports.Region, pe, idx int, bits int64) {
	atomic.OrInt64(c.cellAddr(r, pe, idx), bits)
}

// AtomicAnd implements transports.Conduit.
func (c *Conduit) AtomicAnd(r transports.Region, pe, idx int, bits int64) {
	atomic.AndInt64(c.cellAddr(r, pe, idx), bits)
}

// AtomicXor implements transports.Conduit.
func (c *Conduit) AtomicXor(r transports.Region, pe, idx int, bits int64) {
	addr := c.cellAddr(r, pe, idx)
	for {
		old := atomic.LoadInt64(addr)
		if atomic.CompareAndSwapInt64(addr, old, old^bits) {
			return
		}
	}
}

// LoadInt64 implements transports.Conduit.
func (c *Conduit) LoadInt64(r transports.Region, idx int) int64 {
	return atomic.LoadInt64(c.cellAddr(r, c.pe, idx))
}

// StoreInt64 implements transports.Conduit.
func (c *Conduit) StoreInt64(r transports.Region, idx int, value int64) {
	atomic.StoreInt64(c.cellAddr(r, c.pe, idx), value)
}

// WaitInt64 implements transports.Conduit: a busy-poll that yields between
// probes. No timeout, by design.
func (c *Conduit) WaitInt64(r transports.Region, idx int, cmp transports.Cmp, value int64) {
	addr := c.cellAddr(r, c.pe, idx)
	for !cmp.Eval(atomic.LoadInt64(addr), value) {
		runtime.Gosched()
	}
}

// WaitBitsSet implements transports.Conduit.
func (c *Conduit) WaitBitsSet(r transports.Region, idx int, mask int64) {
	addr := c.cellAddr(r, c.pe, idx)
	for atomic.LoadInt64(addr)&mask != mask {
		runtime.Gosched()
	}
}

// Fence implements transports.Conduit. Local puts are delivered on issue, so
// ordering already holds.
func (c *Conduit) Fence(pe int) {}

// Quiet implements transports.Conduit.
func (c *Conduit) Quiet() {}

// NewContext implements transports.Conduit.
func (c *Conduit) NewContext() transports.Context { return localContext{} }

type localContext struct{}

func (localContext) Fence(pe int) {}
func (localContext) Quiet()       {}
func (localContext) Destroy()     {}
