// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package symm

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/goshmem/transports"
	"github.com/gomlx/goshmem/transports/local"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// catchPanic runs f and returns what it panicked with, or nil. Bounds
// violations panic, and test bodies run on job goroutines where t.FailNow
// is off limits.
func catchPanic(f func()) (p any) {
	defer func() { p = recover() }()
	f()
	return nil
}

func TestAllocAndViews(t *testing.T) {
	job := local.NewJob(2)
	err := job.Run(func(c transports.Conduit) error {
		m, err := Alloc(c, 64)
		if err != nil {
			return err
		}
		if m.NBytes() != 64 || m.Cells() != 8 {
			return errors.Errorf("got %d bytes / %d cells", m.NBytes(), m.Cells())
		}
		v := m.View(16, 32)
		if v.NBytes() != 32 || v.Cells() != 4 {
			return errors.Errorf("view got %d bytes / %d cells", v.NBytes(), v.Cells())
		}
		// A view aliases its parent's storage.
		v.Bytes()[0] = 0xAB
		if m.Bytes()[16] != 0xAB {
			return errors.New("view write not visible through parent")
		}
		if catchPanic(func() { m.View(60, 8) }) == nil {
			return errors.New("out-of-range view did not panic")
		}
		if catchPanic(func() { v.Free() }) == nil {
			return errors.New("freeing a view did not panic")
		}
		m.Free()
		return nil
	})
	require.NoError(t, err)
}

func TestPutGetAndCellOps(t *testing.T) {
	const npes = 3
	job := local.NewJob(npes)
	err := job.Run(func(c transports.Conduit) error {
		m, err := Alloc(c, 4*CellBytes)
		if err != nil {
			return err
		}
		me := c.MyPE()
		right := (me + 1) % npes

		m.Store(0, int64(100+me))
		for pe := 0; pe < npes; pe++ {
			m.AtomicAdd(pe, 1, 1)
		}
		m.Wait(1, transports.CmpEq, npes)
		if got := m.Load(0); got != int64(100+me) {
			return errors.Errorf("cell 0 reads %d", got)
		}

		buf := make([]byte, CellBytes)
		m.Get(buf, right, 0)
		if got := int64(buf[0]); got != int64(100+right) {
			return errors.Errorf("got %d from right neighbor, want %d", got, 100+right)
		}

		if catchPanic(func() { m.Put(right, 30, buf) }) == nil {
			return errors.New("out-of-range put did not panic")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestSlices(t *testing.T) {
	const npes = 2
	job := local.NewJob(npes)
	err := job.Run(func(c transports.Conduit) error {
		s, err := AllocSlice[int32](c, 6)
		if err != nil {
			return err
		}
		if s.Len() != 6 || s.ElemSize() != 4 || s.DType() != dtypes.Int32 {
			return errors.Errorf("len=%d elemSize=%d dtype=%s", s.Len(), s.ElemSize(), s.DType())
		}
		me := int32(c.MyPE())
		for i := range s.Local() {
			s.Local()[i] = me*10 + int32(i)
		}

		flag, err := Alloc(c, CellBytes)
		if err != nil {
			return err
		}
		peer := (c.MyPE() + 1) % npes
		// Elements 0..2 land at the peer's elements 3..5.
		s.Put(peer, 3, 0, 3)
		c.Fence(peer)
		flag.AtomicSet(peer, 0, 1)
		flag.Wait(0, transports.CmpNe, 0)

		want := int32(peer) * 10
		for i := 0; i < 3; i++ {
			if got := s.Local()[3+i]; got != want+int32(i) {
				return errors.Errorf("element %d holds %d, want %d", 3+i, got, want+int32(i))
			}
		}

		dst := make([]int32, 2)
		s.Get(dst, peer, 1)
		if dst[0] != want+1 || dst[1] != want+2 {
			return errors.Errorf("get returned %v", dst)
		}

		if catchPanic(func() { s.Put(peer, 0, 4, 3) }) == nil {
			return errors.New("out-of-range slice put did not panic")
		}

		sub := SliceOf[int32](s.Mem(), 2*4, 2)
		if sub.Len() != 2 || sub.Local()[0] != s.Local()[2] {
			return errors.New("SliceOf view does not alias the buffer")
		}
		s.Free()
		return nil
	})
	require.NoError(t, err)
}

func TestAllocSliceNegative(t *testing.T) {
	job := local.NewJob(1)
	err := job.Run(func(c transports.Conduit) error {
		if _, err := AllocSlice[float64](c, -1); err == nil {
			return errors.New("negative length did not error")
		}
		return nil
	})
	require.NoError(t, err)
}
