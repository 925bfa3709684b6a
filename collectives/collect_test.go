// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collectives

import (
	"fmt"
	"testing"

	"github.com/gomlx/goshmem/symm"
	"github.com/gomlx/goshmem/team"
	"github.com/gomlx/goshmem/transports"
	"github.com/pkg/errors"
)

// collectSizes lists team sizes each algorithm can serve.
var collectSizes = map[string][]int{
	"linear":     {1, 2, 3, 5, 8},
	"all_linear": {1, 2, 3, 5, 8},
	"rec_dbl":    {1, 2, 4, 8},
	"ring":       {1, 2, 3, 5, 8},
	"bruck":      {1, 2, 3, 5, 8},
}

// Each PE contributes me+1 elements, so the result concatenates ragged
// blocks at ranks' prefix offsets.
func TestCollectVariants(t *testing.T) {
	for alg, sizes := range collectSizes {
		for _, npes := range sizes {
			t.Run(fmt.Sprintf("%s/npes=%d", alg, npes), func(t *testing.T) {
				cfg := &Config{Collect: alg}
				runPEs(t, npes, cfg, func(c transports.Conduit, reg *team.Registry, e *Engine) error {
					w := reg.World()
					total := npes * (npes + 1) / 2
					src, err := symm.AllocSlice[int32](c, npes)
					if err != nil {
						return err
					}
					defer src.Free()
					dest, err := symm.AllocSlice[int32](c, total)
					if err != nil {
						return err
					}
					defer dest.Free()
					me := c.MyPE()
					for iter := 0; iter < 2; iter++ {
						for k := 0; k <= me; k++ {
							src.Local()[k] = int32(1000*iter + 100*me + k)
						}
						for k := range dest.Local() {
							dest.Local()[k] = -1
						}
						if err := Collect(e, w, dest, src, me+1); err != nil {
							return err
						}
						pos := 0
						for p := 0; p < npes; p++ {
							for k := 0; k <= p; k++ {
								got := dest.Local()[pos]
								want := int32(1000*iter + 100*p + k)
								if got != want {
									return errors.Errorf("iter %d: PE %d dest[%d] = %d, want %d",
										iter, me, pos, got, want)
								}
								pos++
							}
						}
						e.Barrier(w)
					}
					return nil
				})
			})
		}
	}
}

func TestCollectEmptyContribution(t *testing.T) {
	// PE 1 contributes nothing; the others' blocks stay contiguous.
	const npes = 4
	runPEs(t, npes, &Config{Collect: "ring"}, func(c transports.Conduit, reg *team.Registry, e *Engine) error {
		src, err := symm.AllocSlice[int64](c, 2)
		if err != nil {
			return err
		}
		defer src.Free()
		dest, err := symm.AllocSlice[int64](c, 2*npes)
		if err != nil {
			return err
		}
		defer dest.Free()
		me := c.MyPE()
		n := 2
		if me == 1 {
			n = 0
		}
		for k := 0; k < n; k++ {
			src.Local()[k] = int64(10*me + k)
		}
		if err := Collect(e, reg.World(), dest, src, n); err != nil {
			return err
		}
		want := []int64{0, 1, 20, 21, 30, 31}
		for k, w := range want {
			if got := dest.Local()[k]; got != w {
				return errors.Errorf("PE %d dest[%d] = %d, want %d", me, k, got, w)
			}
		}
		e.Barrier(reg.World())
		return nil
	})
}

func TestCollectActiveSet(t *testing.T) {
	const npes = 8
	for alg := range collectSizes {
		t.Run(alg, func(t *testing.T) {
			cfg := &Config{Collect: alg}
			runPEs(t, npes, cfg, func(c transports.Conduit, reg *team.Registry, e *Engine) error {
				psync, err := symm.Alloc(c, team.CollectSyncSize*symm.CellBytes)
				if err != nil {
					return err
				}
				defer psync.Free()
				src, err := symm.Alloc(c, 16)
				if err != nil {
					return err
				}
				defer src.Free()
				dest, err := symm.Alloc(c, 64)
				if err != nil {
					return err
				}
				defer dest.Free()
				me := c.MyPE()
				if me >= 4 {
					return nil
				}
				// Active set {0, 1, 2, 3}; member i contributes i+1 bytes.
				if alg == "bruck" {
					// The size-exchange table lives in the team work array,
					// which active sets do not have.
					if catchPanic(func() { e.CollectActiveSet(c, psync, dest, src, me+1, 0, 0, 4) }) == nil {
						return errors.New("bruck over an active set did not panic")
					}
					return nil
				}
				for k := 0; k <= me; k++ {
					src.Bytes()[k] = byte(0x10*me + k)
				}
				e.CollectActiveSet(c, psync, dest, src, me+1, 0, 0, 4)
				want := []byte{0x00, 0x10, 0x11, 0x20, 0x21, 0x22, 0x30, 0x31, 0x32, 0x33}
				for k, w := range want {
					if got := dest.Bytes()[k]; got != w {
						return errors.Errorf("PE %d dest[%d] = %#x, want %#x", me, k, got, w)
					}
				}
				e.SyncActiveSet(c, psync, 0, 0, 4)
				for i := 0; i < psync.Cells(); i++ {
					if v := psync.Load(i); v != team.SyncValue {
						return errors.Errorf("pSync cell %d left at %d", i, v)
					}
				}
				return nil
			})
		})
	}
}
