// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package symm is the symmetric-memory layer of goshmem: bounds-checked
// descriptors over transport regions, plus typed views.
//
// A Mem names the same storage on every PE of the job. All remote addressing
// in the collective engine goes through (pe, offset, length) calls on a Mem;
// there is no raw pointer arithmetic above the transport.
package symm

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/goshmem/transports"
	"github.com/pkg/errors"
)

// CellBytes is the size of one synchronization cell.
const CellBytes = 8

// Mem is a symmetric allocation, or a sub-view of one. The zero value is
// invalid; create one with Alloc or View.
type Mem struct {
	c      transports.Conduit
	r      transports.Region
	base   int // byte offset of this view within the region
	nbytes int
	owner  bool
}

// Alloc collectively allocates nbytes of symmetric memory. Every PE of the
// job must call it in the same order with the same size. The memory is
// zeroed.
func Alloc(c transports.Conduit, nbytes int) (*Mem, error) {
	r, err := c.Malloc(nbytes)
	if err != nil {
		return nil, errors.WithMessage(err, "symm.Alloc")
	}
	return &Mem{c: c, r: r, nbytes: nbytes, owner: true}, nil
}

// Free collectively releases the allocation. Only valid on the Mem returned
// by Alloc, not on views.
func (m *Mem) Free() {
	if !m.owner {
		exceptions.Panicf("symm.Mem.Free called on a view; free the owning Mem instead")
	}
	m.c.Free(m.r)
	m.nbytes = 0
}

// View returns a sub-range [off, off+nbytes) of m as its own Mem. Cell
// operations on the view require off to be 8-byte aligned.
func (m *Mem) View(off, nbytes int) *Mem {
	if off < 0 || nbytes < 0 || off+nbytes > m.nbytes {
		exceptions.Panicf("symm.Mem.View: range [%d, %d) outside [0, %d)", off, off+nbytes, m.nbytes)
	}
	return &Mem{c: m.c, r: m.r, base: m.base + off, nbytes: nbytes}
}

// Conduit returns the transport conduit the Mem was allocated through.
func (m *Mem) Conduit() transports.Conduit { return m.c }

// NBytes returns the view's length in bytes.
func (m *Mem) NBytes() int { return m.nbytes }

// Cells returns how many synchronization cells fit the view.
func (m *Mem) Cells() int { return m.nbytes / CellBytes }

// Bytes returns this PE's local storage for the view. Plain access races
// with concurrent remote operations unless ordered by a signal.
func (m *Mem) Bytes() []byte {
	return m.c.Local(m.r)[m.base : m.base+m.nbytes]
}

func (m *Mem) checkRange(off, n int, what string) {
	if off < 0 || n < 0 || off+n > m.nbytes {
		exceptions.Panicf("symm.Mem.%s: range [%d, %d) outside [0, %d)", what, off, off+n, m.nbytes)
	}
}

// Put copies src to the view on pe at byte offset dstOff, blocking until src
// may be reused.
func (m *Mem) Put(pe, dstOff int, src []byte) {
	m.checkRange(dstOff, len(src), "Put")
	m.c.Put(m.r, pe, m.base+dstOff, src)
}

// PutNBI issues a put without waiting; completion requires Fence or Quiet.
func (m *Mem) PutNBI(pe, dstOff int, src []byte) {
	m.checkRange(dstOff, len(src), "PutNBI")
	m.c.PutNBI(m.r, pe, m.base+dstOff, src)
}

// Get copies from the view on pe at byte offset srcOff into dst.
func (m *Mem) Get(dst []byte, pe, srcOff int) {
	m.checkRange(srcOff, len(dst), "Get")
	m.c.Get(dst, m.r, pe, m.base+srcOff)
}

// GetNBI issues a get without waiting; dst is valid after Quiet.
func (m *Mem) GetNBI(dst []byte, pe, srcOff int) {
	m.checkRange(srcOff, len(dst), "GetNBI")
	m.c.GetNBI(dst, m.r, pe, m.base+srcOff)
}

// IPut writes nelems elements of elemSize bytes with element strides on both
// sides (src read at srcStride steps, destination written at dstStride steps
// from byte offset dstOff).
func (m *Mem) IPut(pe, dstOff, dstStride int, src []byte, srcStride, elemSize, nelems int) {
	if nelems > 0 {
		m.checkRange(dstOff, ((nelems-1)*dstStride+1)*elemSize, "IPut")
	}
	m.c.IPut(m.r, pe, m.base+dstOff, dstStride, src, srcStride, elemSize, nelems)
}

// PutSignal delivers src at dstOff on pe and then updates cell sigIdx of sig
// on pe, ordered after the data. The signal is the receiver's proof the data
// landed.
func (m *Mem) PutSignal(pe, dstOff int, src []byte, sig *Mem, sigIdx int, sigValue int64, sigOp transports.SignalOp) {
	m.checkRange(dstOff, len(src), "PutSignal")
	m.c.PutSignal(m.r, pe, m.base+dstOff, src, sig.r, sig.cell(sigIdx), sigValue, sigOp)
}

func (m *Mem) cell(idx int) int {
	if m.base%CellBytes != 0 {
		exceptions.Panicf("symm.Mem: cell access on a view not 8-byte aligned (base %d)", m.base)
	}
	if idx < 0 || (idx+1)*CellBytes > m.nbytes {
		exceptions.Panicf("symm.Mem: cell %d outside view of %d cells", idx, m.Cells())
	}
	return m.base/CellBytes + idx
}

// AtomicAdd adds delta to cell idx on pe.
func (m *Mem) AtomicAdd(pe, idx int, delta int64) { m.c.AtomicAdd(m.r, pe, m.cell(idx), delta) }

// AtomicFetchAdd adds delta to cell idx on pe, returning the prior value.
func (m *Mem) AtomicFetchAdd(pe, idx int, delta int64) int64 {
	return m.c.AtomicFetchAdd(m.r, pe, m.cell(idx), delta)
}

// AtomicSet stores value into cell idx on pe.
func (m *Mem) AtomicSet(pe, idx int, value int64) { m.c.AtomicSet(m.r, pe, m.cell(idx), value) }

// AtomicCompareSwap stores value into cell idx on pe if it holds cond,
// returning the observed prior value.
func (m *Mem) AtomicCompareSwap(pe, idx int, cond, value int64) int64 {
	return m.c.AtomicCompareSwap(m.r, pe, m.cell(idx), cond, value)
}

// AtomicOr sets bits in cell idx on pe.
func (m *Mem) AtomicOr(pe, idx int, bits int64) { m.c.AtomicOr(m.r, pe, m.cell(idx), bits) }

// AtomicAnd clears bits not in mask in cell idx on pe.
func (m *Mem) AtomicAnd(pe, idx int, bits int64) { m.c.AtomicAnd(m.r, pe, m.cell(idx), bits) }

// AtomicXor toggles bits in cell idx on pe.
func (m *Mem) AtomicXor(pe, idx int, bits int64) { m.c.AtomicXor(m.r, pe, m.cell(idx), bits) }

// Load atomically reads this PE's copy of cell idx.
func (m *Mem) Load(idx int) int64 { return m.c.LoadInt64(m.r, m.cell(idx)) }

// Store atomically writes this PE's copy of cell idx.
func (m *Mem) Store(idx int, value int64) { m.c.StoreInt64(m.r, m.cell(idx), value) }

// Wait blocks until `cell idx <cmp> value` holds locally. No timeout: a peer
// that never signals blocks the caller forever.
func (m *Mem) Wait(idx int, cmp transports.Cmp, value int64) {
	m.c.WaitInt64(m.r, m.cell(idx), cmp, value)
}

// WaitBitsSet blocks until all bits of mask are set in local cell idx.
func (m *Mem) WaitBitsSet(idx int, mask int64) {
	m.c.WaitBitsSet(m.r, m.cell(idx), mask)
}
