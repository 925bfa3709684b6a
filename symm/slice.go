// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package symm

import (
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/goshmem/transports"
	"github.com/pkg/errors"
)

// Slice is a typed symmetric buffer of n elements of T, one copy per PE.
type Slice[T dtypes.Supported] struct {
	mem *Mem
	n   int
}

// AllocSlice collectively allocates a symmetric buffer of n elements of T.
func AllocSlice[T dtypes.Supported](c transports.Conduit, n int) (*Slice[T], error) {
	if n < 0 {
		return nil, errors.Errorf("symm.AllocSlice: negative length %d", n)
	}
	var zero T
	mem, err := Alloc(c, n*int(unsafe.Sizeof(zero)))
	if err != nil {
		return nil, err
	}
	return &Slice[T]{mem: mem, n: n}, nil
}

// SliceOf views an existing Mem as n elements of T from byte offset off.
func SliceOf[T dtypes.Supported](mem *Mem, off, n int) *Slice[T] {
	var zero T
	return &Slice[T]{mem: mem.View(off, n*int(unsafe.Sizeof(zero))), n: n}
}

// Free collectively releases the buffer.
func (s *Slice[T]) Free() { s.mem.Free() }

// Mem returns the untyped view of the buffer.
func (s *Slice[T]) Mem() *Mem { return s.mem }

// Len returns the element count.
func (s *Slice[T]) Len() int { return s.n }

// DType returns the buffer's data type identifier.
func (s *Slice[T]) DType() dtypes.DType { return dtypes.FromGenericsType[T]() }

// ElemSize returns the size of one element in bytes.
func (s *Slice[T]) ElemSize() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// Local returns this PE's elements. The backing is 8-byte aligned.
func (s *Slice[T]) Local() []T {
	if s.n == 0 {
		return nil
	}
	b := s.mem.Bytes()
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), s.n)
}

// Put copies n of this PE's elements starting at srcElem into pe's buffer at
// dstElem.
func (s *Slice[T]) Put(pe, dstElem, srcElem, n int) {
	s.checkElems(srcElem, n)
	es := s.ElemSize()
	src := s.mem.Bytes()[srcElem*es : (srcElem+n)*es]
	s.mem.Put(pe, dstElem*es, src)
}

// Get copies n elements from pe's buffer at srcElem into dst.
func (s *Slice[T]) Get(dst []T, pe, srcElem int) {
	if len(dst) == 0 {
		return
	}
	es := s.ElemSize()
	b := unsafe.Slice((*byte)(unsafe.Pointer(&dst[0])), len(dst)*es)
	s.mem.Get(b, pe, srcElem*es)
}

func (s *Slice[T]) checkElems(elem, n int) {
	if elem < 0 || n < 0 || elem+n > s.n {
		exceptions.Panicf("symm.Slice: element range [%d, %d) outside [0, %d)", elem, elem+n, s.n)
	}
}
