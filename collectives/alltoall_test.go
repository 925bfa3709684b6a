package collectives

import (
	"fmt"
	"testing"

	"github.com/gomlx/goshmem/symm"
	"github.com/gomlx/goshmem/team"
	"github.com/gomlx/goshmem/transports"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

var alltoallVariants = []string{
	"shift_exchange_barrier", "shift_exchange_counter", "shift_exchange_signal",
	"xor_pairwise_exchange_barrier", "xor_pairwise_exchange_counter", "xor_pairwise_exchange_signal",
	"color_pairwise_exchange_barrier", "color_pairwise_exchange_counter", "color_pairwise_exchange_signal",
}

func alltoallSizes(alg string) []int {
	if p, _ := splitAlltoallAlg(AlltoallAlg(lookupAlg("alltoall", alg, alltoallAlgs))); p == a2aXor {
		return []int{1, 2, 4, 8}
	}
	return []int{1, 2, 3, 5, 8}
}

func TestAlltoallVariants(t *testing.T) {
	const nelems = 2
	for _, alg := range alltoallVariants {
		for _, npes := range alltoallSizes(alg) {
			t.Run(fmt.Sprintf("%s/npes=%d", alg, npes), func(t *testing.T) {
				cfg := &Config{Alltoall: alg}
				runPEs(t, npes, cfg, func(c transports.Conduit, reg *team.Registry, e *Engine) error {
					w := reg.World()
					src, err := symm.AllocSlice[int32](c, nelems*npes)
					if err != nil {
						return err
					}
					defer src.Free()
					dest, err := symm.AllocSlice[int32](c, nelems*npes)
					if err != nil {
						return err
					}
					defer dest.Free()
					me := c.MyPE()
					for iter := 0; iter < 2; iter++ {
						for j := 0; j < npes; j++ {
							for k := 0; k < nelems; k++ {
								src.Local()[j*nelems+k] = int32(1000*iter + 100*me + 10*j + k)
							}
						}
						for k := range dest.Local() {
							dest.Local()[k] = -1
						}
						if err := Alltoall(e, w, dest, src, nelems); err != nil {
							return err
						}
						// Block j of dest came from PE j's block me.
						for j := 0; j < npes; j++ {
							for k := 0; k < nelems; k++ {
								got := dest.Local()[j*nelems+k]
								want := int32(1000*iter + 100*j + 10*me + k)
								if got != want {
									return errors.Errorf("iter %d: PE %d dest[%d] = %d, want %d",
										iter, me, j*nelems+k, got, want)
								}
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

func TestAlltoallXorRejectsOddSize(t *testing.T) {
	cfg := &Config{Alltoall: "xor_pairwise_exchange_barrier"}
	runPEs(t, 3, cfg, func(c transports.Conduit, reg *team.Registry, e *Engine) error {
		buf, err := symm.Alloc(c, 24)
		if err != nil {
			return err
		}
		defer buf.Free()
		if catchPanic(func() { _ = e.AlltoallBytes(reg.World(), buf, buf, 8) }) == nil {
			return errors.New("xor exchange on a non-power-of-two team did not panic")
		}
		return nil
	})
}

func TestEdgeColorPartner(t *testing.T) {
	for _, npes := range []int{2, 3, 4, 5, 7, 8} {
		chr := npes
		if npes%2 == 0 {
			chr = npes - 1
		}
		seen := make(map[int]map[int]bool)
		for me := 0; me < npes; me++ {
			seen[me] = map[int]bool{}
		}
		for i := 0; i < chr; i++ {
			for me := 0; me < npes; me++ {
				p := edgeColorPartner(me, i, npes)
				if p < 0 {
					continue // sits the round out
				}
				assert.Equalf(t, me, edgeColorPartner(p, i, npes),
					"npes=%d round %d: partner of %d is %d but not vice versa", npes, i, me, p)
				assert.Falsef(t, seen[me][p], "npes=%d: pair (%d,%d) repeated", npes, me, p)
				seen[me][p] = true
			}
		}
		// A full schedule pairs every PE with every other exactly once.
		for me := 0; me < npes; me++ {
			assert.Lenf(t, seen[me], npes-1, "npes=%d: PE %d missed partners", npes, me)
		}
	}
}

func TestAlltoallsStrided(t *testing.T) {
	const (
		npes   = 4
		nelems = 2
		dst    = 2
		sst    = 3
	)
	for _, alg := range []string{"shift_exchange_barrier", "color_pairwise_exchange_counter", "xor_pairwise_exchange_signal"} {
		t.Run(alg, func(t *testing.T) {
			cfg := &Config{Alltoalls: alg}
			runPEs(t, npes, cfg, func(c transports.Conduit, reg *team.Registry, e *Engine) error {
				w := reg.World()
				src, err := symm.AllocSlice[int32](c, sst*nelems*npes)
				if err != nil {
					return err
				}
				defer src.Free()
				dest, err := symm.AllocSlice[int32](c, dst*nelems*npes)
				if err != nil {
					return err
				}
				defer dest.Free()
				me := c.MyPE()
				for i := range src.Local() {
					src.Local()[i] = -1
				}
				for i := range dest.Local() {
					dest.Local()[i] = -9
				}
				for j := 0; j < npes; j++ {
					for k := 0; k < nelems; k++ {
						src.Local()[sst*(j*nelems+k)] = int32(100*me + 10*j + k)
					}
				}
				if err := Alltoalls(e, w, dest, src, dst, sst, nelems); err != nil {
					return err
				}
				for i := range dest.Local() {
					if i%dst == 0 {
						j, k := i/dst/nelems, i/dst%nelems
						want := int32(100*j + 10*me + k)
						if got := dest.Local()[i]; got != want {
							return errors.Errorf("PE %d dest[%d] = %d, want %d", me, i, got, want)
						}
					} else if dest.Local()[i] != -9 {
						// The stride gaps must stay untouched.
						return errors.Errorf("PE %d gap dest[%d] overwritten with %d", me, i, dest.Local()[i])
					}
				}
				e.Barrier(w)
				return nil
			})
		})
	}
}

func TestAlltoallActiveSet(t *testing.T) {
	const npes = 8
	cfg := &Config{Alltoall: "shift_exchange_counter", Alltoalls: "shift_exchange_counter"}
	runPEs(t, npes, cfg, func(c transports.Conduit, reg *team.Registry, e *Engine) error {
		psync, err := symm.Alloc(c, team.AlltoallSyncSize*symm.CellBytes)
		if err != nil {
			return err
		}
		defer psync.Free()
		src, err := symm.AllocSlice[int64](c, 4)
		if err != nil {
			return err
		}
		defer src.Free()
		dest, err := symm.AllocSlice[int64](c, 4)
		if err != nil {
			return err
		}
		defer dest.Free()
		me := c.MyPE()
		if me%2 != 0 {
			return nil
		}
		// Active set {0, 2, 4, 6}; one element per peer.
		for j := 0; j < 4; j++ {
			src.Local()[j] = int64(100*me + j)
		}
		e.AlltoallActiveSet(c, psync, dest.Mem(), src.Mem(), dest.ElemSize(), 0, 1, 4)
		myIdx := me / 2
		for j := 0; j < 4; j++ {
			want := int64(100*(2*j) + myIdx)
			if got := dest.Local()[j]; got != want {
				return errors.Errorf("PE %d dest[%d] = %d, want %d", me, j, got, want)
			}
		}
		e.SyncActiveSet(c, psync, 0, 1, 4)
		for i := 0; i < psync.Cells(); i++ {
			if v := psync.Load(i); v != team.SyncValue {
				return errors.Errorf("pSync cell %d left at %d", i, v)
			}
		}
		return nil
	})
}
