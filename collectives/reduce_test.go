package collectives

import (
	"fmt"
	"testing"

	"github.com/gomlx/goshmem/symm"
	"github.com/gomlx/goshmem/team"
	"github.com/gomlx/goshmem/transports"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

var reduceVariants = []string{"linear", "binomial", "rec_dbl", "rabenseifner", "rabenseifner2"}

func TestReduceSumVariants(t *testing.T) {
	const nelems = 13
	for _, alg := range reduceVariants {
		for _, npes := range []int{1, 2, 3, 4, 5, 8} {
			t.Run(fmt.Sprintf("%s/npes=%d", alg, npes), func(t *testing.T) {
				cfg := &Config{Reduce: alg}
				runPEs(t, npes, cfg, func(c transports.Conduit, reg *team.Registry, e *Engine) error {
					w := reg.World()
					src, err := symm.AllocSlice[int64](c, nelems)
					if err != nil {
						return err
					}
					defer src.Free()
					dest, err := symm.AllocSlice[int64](c, nelems)
					if err != nil {
						return err
					}
					defer dest.Free()
					me := c.MyPE()
					for iter := 0; iter < 2; iter++ {
						for k := range src.Local() {
							src.Local()[k] = int64((me+1)*1000 + iter*100 + k)
						}
						for k := range dest.Local() {
							dest.Local()[k] = -1
						}
						if err := Reduce(e, w, Sum[int64](), dest, src, nelems); err != nil {
							return err
						}
						for k, got := range dest.Local() {
							var want int64
							for p := 0; p < npes; p++ {
								want += int64((p+1)*1000 + iter*100 + k)
							}
							if got != want {
								return errors.Errorf("iter %d: PE %d dest[%d] = %d, want %d", iter, me, k, got, want)
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

func TestReduceOps(t *testing.T) {
	const npes = 5
	runPEs(t, npes, nil, func(c transports.Conduit, reg *team.Registry, e *Engine) error {
		w := reg.World()
		me := c.MyPE()
		src, err := symm.AllocSlice[int32](c, 4)
		if err != nil {
			return err
		}
		defer src.Free()
		dest, err := symm.AllocSlice[int32](c, 4)
		if err != nil {
			return err
		}
		defer dest.Free()

		check := func(op Op[int32], fill func(k int) int32, want [4]int32) error {
			for k := range src.Local() {
				src.Local()[k] = fill(k)
			}
			if err := Reduce(e, w, op, dest, src, 4); err != nil {
				return err
			}
			for k, got := range dest.Local() {
				if got != want[k] {
					return errors.Errorf("%s: PE %d dest[%d] = %d, want %d", op.Name(), me, k, got, want[k])
				}
			}
			e.Barrier(w)
			return nil
		}

		if err := check(Prod[int32](), func(k int) int32 { return int32(me + k + 1) },
			[4]int32{1 * 2 * 3 * 4 * 5, 2 * 3 * 4 * 5 * 6, 3 * 4 * 5 * 6 * 7, 4 * 5 * 6 * 7 * 8}); err != nil {
			return err
		}
		if err := check(Min[int32](), func(k int) int32 { return int32(10*me - k) },
			[4]int32{0, -1, -2, -3}); err != nil {
			return err
		}
		if err := check(Max[int32](), func(k int) int32 { return int32(10*me - k) },
			[4]int32{40, 39, 38, 37}); err != nil {
			return err
		}
		// Bit ops over PEs 0..4: or = 0b11111, and = 0, xor of 1,2,4,8,16 = 31.
		if err := check(BitOr[int32](), func(k int) int32 { return 1 << me },
			[4]int32{31, 31, 31, 31}); err != nil {
			return err
		}
		if err := check(BitAnd[int32](), func(k int) int32 { return 1 << me },
			[4]int32{0, 0, 0, 0}); err != nil {
			return err
		}
		if err := check(BitXor[int32](), func(k int) int32 { return int32(3) },
			[4]int32{3, 3, 3, 3}); err != nil { // odd member count, pairs cancel
			return err
		}
		return nil
	})
}

func TestReduceFloat16(t *testing.T) {
	// Small integers are exact in half precision, so the sum is too.
	const npes = 4
	runPEs(t, npes, nil, func(c transports.Conduit, reg *team.Registry, e *Engine) error {
		w := reg.World()
		src, err := symm.AllocSlice[float16.Float16](c, 3)
		if err != nil {
			return err
		}
		defer src.Free()
		dest, err := symm.AllocSlice[float16.Float16](c, 3)
		if err != nil {
			return err
		}
		defer dest.Free()
		me := c.MyPE()
		for k := range src.Local() {
			src.Local()[k] = float16.Fromfloat32(float32(me + k))
		}
		if err := Reduce(e, w, Float16Sum(), dest, src, 3); err != nil {
			return err
		}
		for k, got := range dest.Local() {
			want := float32(0 + 1 + 2 + 3 + npes*k)
			if got.Float32() != want {
				return errors.Errorf("PE %d dest[%d] = %v, want %v", me, k, got.Float32(), want)
			}
		}
		e.Barrier(w)
		return nil
	})
}

func TestReduceActiveSet(t *testing.T) {
	const npes = 8
	for _, alg := range reduceVariants {
		t.Run(alg, func(t *testing.T) {
			cfg := &Config{Reduce: alg}
			runPEs(t, npes, cfg, func(c transports.Conduit, reg *team.Registry, e *Engine) error {
				psync, err := symm.Alloc(c, team.ReduceSyncSize*symm.CellBytes)
				if err != nil {
					return err
				}
				defer psync.Free()
				src, err := symm.AllocSlice[float64](c, 5)
				if err != nil {
					return err
				}
				defer src.Free()
				dest, err := symm.AllocSlice[float64](c, 5)
				if err != nil {
					return err
				}
				defer dest.Free()
				me := c.MyPE()
				if me%2 != 1 {
					return nil
				}
				// Active set {1, 3, 5, 7}.
				for k := range src.Local() {
					src.Local()[k] = float64(me) + float64(k)/2
				}
				ReduceActiveSet(e, c, psync, Sum[float64](), dest, src, 5, 1, 1, 4)
				for k, got := range dest.Local() {
					want := float64(1+3+5+7) + 4*float64(k)/2
					if got != want {
						return errors.Errorf("PE %d dest[%d] = %v, want %v", me, k, got, want)
					}
				}
				e.SyncActiveSet(c, psync, 1, 1, 4)
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

func TestReduceRejectsOversizedCount(t *testing.T) {
	runPEs(t, 2, nil, func(c transports.Conduit, reg *team.Registry, e *Engine) error {
		s, err := symm.AllocSlice[int64](c, 4)
		if err != nil {
			return err
		}
		defer s.Free()
		if catchPanic(func() { _ = Reduce(e, reg.World(), Sum[int64](), s, s, 5) }) == nil {
			return errors.New("oversized element count did not panic")
		}
		return nil
	})
}
