// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package collectives implements goshmem's collective operations: barrier
// and sync, broadcast, reduction, collect/fcollect and alltoall/alltoalls,
// each as a family of topology-parameterized algorithms selected once from
// configuration.
//
// All operations are collective: every member of the target team (or active
// set) must call them in the same order with consistent arguments. They are
// synchronous from the caller's perspective and restore their
// synchronization buffers to baseline before returning. A member that never
// arrives blocks the others forever; there is no timeout and no failure
// detection, by design.
//
// Algorithm selection errors are unrecoverable configuration errors and
// panic with a stack trace (see github.com/gomlx/exceptions) before any
// collective runs.
package collectives

import (
	"os"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// MaxAlgorithmNameLen bounds the accepted length of an algorithm
// configuration string.
const MaxAlgorithmNameLen = 64

// BarrierAlg enumerates barrier/sync algorithm variants.
type BarrierAlg int

const (
	BarrierLinear BarrierAlg = iota
	BarrierCompleteTree
	BarrierBinomialTree
	BarrierKnomialTree
	BarrierDissemination
)

// BcastAlg enumerates broadcast algorithm variants.
type BcastAlg int

const (
	BcastLinear BcastAlg = iota
	BcastCompleteTree
	BcastBinomialTree
	BcastKnomialTree
	BcastKnomialTreeSignal
	BcastScatterCollect
)

// ReduceAlg enumerates reduction algorithm variants.
type ReduceAlg int

const (
	ReduceLinear ReduceAlg = iota
	ReduceBinomial
	ReduceRecDoubling
	ReduceRabenseifner
	ReduceRabenseifner2
)

// CollectAlg enumerates variable-length collect variants.
type CollectAlg int

const (
	CollectLinear CollectAlg = iota
	CollectAllLinear
	CollectRecDoubling
	CollectRing
	CollectBruck
)

// FcollectAlg enumerates fixed-length collect variants.
type FcollectAlg int

const (
	FcollectLinear FcollectAlg = iota
	FcollectAllLinear
	FcollectRecDoubling
	FcollectRing
	FcollectBruck
	FcollectBruckNoRotate
	FcollectBruckSignal
	FcollectNeighborExchange
)

// AlltoallAlg enumerates alltoall/alltoalls variants: a peer-selection
// policy (shift, xor, color) paired with a completion-detection strategy
// (barrier, counter, signal).
type AlltoallAlg int

const (
	AlltoallShiftBarrier AlltoallAlg = iota
	AlltoallShiftCounter
	AlltoallShiftSignal
	AlltoallXorBarrier
	AlltoallXorCounter
	AlltoallXorSignal
	AlltoallColorBarrier
	AlltoallColorCounter
	AlltoallColorSignal
)

type algEntry struct {
	name string
	alg  int
}

// Name tables, scanned in order; first exact match wins.
var (
	barrierAlgs = []algEntry{
		{"linear", int(BarrierLinear)},
		{"complete_tree", int(BarrierCompleteTree)},
		{"binomial_tree", int(BarrierBinomialTree)},
		{"knomial_tree", int(BarrierKnomialTree)},
		{"dissemination", int(BarrierDissemination)},
	}
	bcastAlgs = []algEntry{
		{"linear", int(BcastLinear)},
		{"complete_tree", int(BcastCompleteTree)},
		{"binomial_tree", int(BcastBinomialTree)},
		{"knomial_tree", int(BcastKnomialTree)},
		{"knomial_tree_signal", int(BcastKnomialTreeSignal)},
		{"scatter_collect", int(BcastScatterCollect)},
	}
	reduceAlgs = []algEntry{
		{"linear", int(ReduceLinear)},
		{"binomial", int(ReduceBinomial)},
		{"rec_dbl", int(ReduceRecDoubling)},
		{"rabenseifner", int(ReduceRabenseifner)},
		{"rabenseifner2", int(ReduceRabenseifner2)},
	}
	collectAlgs = []algEntry{
		{"linear", int(CollectLinear)},
		{"all_linear", int(CollectAllLinear)},
		{"rec_dbl", int(CollectRecDoubling)},
		{"ring", int(CollectRing)},
		{"bruck", int(CollectBruck)},
	}
	fcollectAlgs = []algEntry{
		{"linear", int(FcollectLinear)},
		{"all_linear", int(FcollectAllLinear)},
		{"rec_dbl", int(FcollectRecDoubling)},
		{"ring", int(FcollectRing)},
		{"bruck", int(FcollectBruck)},
		{"bruck_no_rotate", int(FcollectBruckNoRotate)},
		{"bruck_signal", int(FcollectBruckSignal)},
		{"neighbor_exchange", int(FcollectNeighborExchange)},
	}
	alltoallAlgs = []algEntry{
		{"shift_exchange_barrier", int(AlltoallShiftBarrier)},
		{"shift_exchange_counter", int(AlltoallShiftCounter)},
		{"shift_exchange_signal", int(AlltoallShiftSignal)},
		{"xor_pairwise_exchange_barrier", int(AlltoallXorBarrier)},
		{"xor_pairwise_exchange_counter", int(AlltoallXorCounter)},
		{"xor_pairwise_exchange_signal", int(AlltoallXorSignal)},
		{"color_pairwise_exchange_barrier", int(AlltoallColorBarrier)},
		{"color_pairwise_exchange_counter", int(AlltoallColorCounter)},
		{"color_pairwise_exchange_signal", int(AlltoallColorSignal)},
	}
)

// deprecatedSizedSuffixes are stripped from operation and algorithm strings
// of the legacy 32/64-bit sized entry points.
var deprecatedSizedSuffixes = []string{"_32", "_64", "32", "64"}

func stripSizedSuffix(s string) string {
	for _, suffix := range deprecatedSizedSuffixes {
		if trimmed, found := strings.CutSuffix(s, suffix); found {
			return trimmed
		}
	}
	return s
}

// splitTypeQualifier separates "algorithm:type" into its parts; the type
// part is empty when no qualifier is present.
func splitTypeQualifier(s string) (alg, typeName string) {
	if idx := strings.Index(s, ":"); idx != -1 {
		return s[:idx], s[idx+1:]
	}
	return s, ""
}

// lookupAlg scans a name table for an exact algorithm-name match. An
// unresolvable name is a broken configuration: fatal, before any collective
// runs.
func lookupAlg(op, name string, table []algEntry) int {
	if len(name) > MaxAlgorithmNameLen {
		exceptions.Panicf("collectives: %s algorithm name %q longer than %d characters", op, name, MaxAlgorithmNameLen)
	}
	stripped := stripSizedSuffix(name)
	for _, entry := range table {
		if entry.name == stripped {
			return entry.alg
		}
	}
	exceptions.Panicf("collectives: unknown %s algorithm %q", op, name)
	return 0
}

// Config selects one algorithm per operation, by name. The zero value means
// "default". A reduce selection may carry a data-type qualifier
// ("rec_dbl:int32"), in which case it applies only to that element type and
// other types keep the default.
type Config struct {
	Barrier   string
	Sync      string
	Broadcast string
	Reduce    string
	Collect   string
	Fcollect  string
	Alltoall  string
	Alltoalls string

	// TreeRadix is the radix of k-nomial and complete trees. Values < 2
	// mean 2.
	TreeRadix int
}

// Environment variables overriding per-operation defaults, in the form of a
// bare algorithm name or "algorithm:type" for typed operations.
const (
	EnvBarrierAlgo   = "GOSHMEM_BARRIER_ALGO"
	EnvSyncAlgo      = "GOSHMEM_SYNC_ALGO"
	EnvBroadcastAlgo = "GOSHMEM_BROADCAST_ALGO"
	EnvReduceAlgo    = "GOSHMEM_REDUCE_ALGO"
	EnvCollectAlgo   = "GOSHMEM_COLLECT_ALGO"
	EnvFcollectAlgo  = "GOSHMEM_FCOLLECT_ALGO"
	EnvAlltoallAlgo  = "GOSHMEM_ALLTOALL_ALGO"
	EnvAlltoallsAlgo = "GOSHMEM_ALLTOALLS_ALGO"
	EnvTreeRadix     = "GOSHMEM_TREE_RADIX"
)

// DefaultConfig reads the environment overrides once and returns the
// resulting configuration.
func DefaultConfig() *Config {
	cfg := &Config{
		Barrier:   os.Getenv(EnvBarrierAlgo),
		Sync:      os.Getenv(EnvSyncAlgo),
		Broadcast: os.Getenv(EnvBroadcastAlgo),
		Reduce:    os.Getenv(EnvReduceAlgo),
		Collect:   os.Getenv(EnvCollectAlgo),
		Fcollect:  os.Getenv(EnvFcollectAlgo),
		Alltoall:  os.Getenv(EnvAlltoallAlgo),
		Alltoalls: os.Getenv(EnvAlltoallsAlgo),
	}
	if radix := os.Getenv(EnvTreeRadix); radix != "" {
		var r int
		for _, ch := range radix {
			if ch < '0' || ch > '9' {
				exceptions.Panicf("collectives: %s must be a positive integer, got %q", EnvTreeRadix, radix)
			}
			r = r*10 + int(ch-'0')
		}
		cfg.TreeRadix = r
	}
	return cfg
}

// Set assigns the algorithm selection for the operation named op. Legacy
// sized operation names ("broadcast32", "collect_64", ...) map to their
// unsized operation.
func (cfg *Config) Set(op, algorithm string) {
	switch stripSizedSuffix(op) {
	case "barrier", "barrier_all":
		cfg.Barrier = algorithm
	case "sync", "sync_all":
		cfg.Sync = algorithm
	case "broadcast", "bcast":
		cfg.Broadcast = algorithm
	case "reduce":
		cfg.Reduce = algorithm
	case "collect":
		cfg.Collect = algorithm
	case "fcollect":
		cfg.Fcollect = algorithm
	case "alltoall":
		cfg.Alltoall = algorithm
	case "alltoalls":
		cfg.Alltoalls = algorithm
	default:
		exceptions.Panicf("collectives: unknown operation %q", op)
	}
}

// Engine executes collectives with an algorithm selection frozen at
// construction. Its behavior is a pure function of its inputs and the
// configuration it was built with; there is no ambient mutable state.
type Engine struct {
	barrier   BarrierAlg
	sync      BarrierAlg
	broadcast BcastAlg
	collect   CollectAlg
	fcollect  FcollectAlg
	alltoall  AlltoallAlg
	alltoalls AlltoallAlg
	radix     int

	// Reduce resolves per element type: reduceDefault unless the
	// configuration string carried a type qualifier, in which case that
	// type binds lazily on first use.
	reduceDefault  ReduceAlg
	reduceSelector string
	reduceByType   sync.Map // dtypes.DType -> ReduceAlg
}

// NewEngine resolves cfg (nil means DefaultConfig) into an Engine. Every
// algorithm name is resolved here: a misconfigured name fails fast, not on
// the first collective call.
func NewEngine(cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	e := &Engine{radix: cfg.TreeRadix}
	if e.radix < 2 {
		e.radix = 2
	}
	resolve := func(op, name string, table []algEntry, dflt int) int {
		if name == "" {
			return dflt
		}
		alg, typeName := splitTypeQualifier(name)
		if typeName != "" {
			exceptions.Panicf("collectives: %s does not take a data-type qualifier, got %q", op, name)
		}
		return lookupAlg(op, alg, table)
	}
	e.barrier = BarrierAlg(resolve("barrier", cfg.Barrier, barrierAlgs, int(BarrierBinomialTree)))
	e.sync = BarrierAlg(resolve("sync", cfg.Sync, barrierAlgs, int(BarrierBinomialTree)))
	e.broadcast = BcastAlg(resolve("broadcast", cfg.Broadcast, bcastAlgs, int(BcastBinomialTree)))
	e.collect = CollectAlg(resolve("collect", cfg.Collect, collectAlgs, int(CollectLinear)))
	e.fcollect = FcollectAlg(resolve("fcollect", cfg.Fcollect, fcollectAlgs, int(FcollectLinear)))
	e.alltoall = AlltoallAlg(resolve("alltoall", cfg.Alltoall, alltoallAlgs, int(AlltoallShiftCounter)))
	e.alltoalls = AlltoallAlg(resolve("alltoalls", cfg.Alltoalls, alltoallAlgs, int(AlltoallShiftCounter)))

	e.reduceDefault = ReduceLinear
	e.reduceSelector = cfg.Reduce
	if cfg.Reduce != "" {
		alg, typeName := splitTypeQualifier(cfg.Reduce)
		resolved := ReduceAlg(lookupAlg("reduce", alg, reduceAlgs)) // validate eagerly
		if typeName == "" {
			e.reduceDefault = resolved
			e.reduceSelector = ""
		} else if _, err := dtypes.DTypeString(typeName); err != nil {
			exceptions.Panicf("collectives: reduce algorithm %q has unknown data type qualifier %q", cfg.Reduce, typeName)
		}
	}
	return e
}

// reduceAlgFor returns the reduction algorithm bound to dtype, binding it
// lazily on first use when the configuration carried a type qualifier.
func (e *Engine) reduceAlgFor(dtype dtypes.DType) ReduceAlg {
	if e.reduceSelector == "" {
		return e.reduceDefault
	}
	if alg, found := e.reduceByType.Load(dtype); found {
		return alg.(ReduceAlg)
	}
	// Same lookup algorithm as at construction; failure is again fatal.
	name, typeName := splitTypeQualifier(e.reduceSelector)
	bound := e.reduceDefault
	qualified, err := dtypes.DTypeString(typeName)
	if err != nil {
		exceptions.Panicf("collectives: reduce algorithm %q has unknown data type qualifier %q", e.reduceSelector, typeName)
	}
	if qualified == dtype {
		bound = ReduceAlg(lookupAlg("reduce", name, reduceAlgs))
	}
	e.reduceByType.Store(dtype, bound)
	return bound
}
