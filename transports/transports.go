// Package transports defines the interface to the one-sided communication
// substrate that goshmem runs on: symmetric memory allocation, put/get,
// atomics, completion ordering (fence/quiet) and remote-signal waits.
//
// A transport that doesn't implement every primitive efficiently can still be
// correct: the collective engine only relies on the documented semantics, not
// on the cost model.
//
// To simplify error handling, registry functions are expected to throw
// (panic) with a stack trace in case of errors.
// See package github.com/gomlx/exceptions.
package transports

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
)

// PE is the global index of a processing element within a job, in
// [0, Job.NumPEs).
type PE = int

// Region is the handle of a symmetric allocation: the same Region value is
// valid on every PE of the job and resolves to a buffer of the same size on
// each of them.
type Region struct {
	// ID identifies the allocation within the job.
	ID uint32

	// NBytes is the usable length of the allocation, identical on all PEs.
	NBytes int
}

// Cmp is the comparison applied by Conduit.WaitInt64 between the observed
// cell value and the target value.
type Cmp int

const (
	CmpEq Cmp = iota
	CmpNe
	CmpGt
	CmpGe
	CmpLt
	CmpLe
)

// String implements fmt.Stringer.
func (c Cmp) String() string {
	switch c {
	case CmpEq:
		return "=="
	case CmpNe:
		return "!="
	case CmpGt:
		return ">"
	case CmpGe:
		return ">="
	case CmpLt:
		return "<"
	case CmpLe:
		return "<="
	}
	return "?"
}

// Eval applies the comparison.
func (c Cmp) Eval(observed, target int64) bool {
	switch c {
	case CmpEq:
		return observed == target
	case CmpNe:
		return observed != target
	case CmpGt:
		return observed > target
	case CmpGe:
		return observed >= target
	case CmpLt:
		return observed < target
	case CmpLe:
		return observed <= target
	}
	return false
}

// SignalOp selects how PutSignal updates the signal cell after the data is
// delivered.
type SignalOp int

const (
	// SignalSet atomically stores the signal value.
	SignalSet SignalOp = iota

	// SignalAdd atomically adds the signal value.
	SignalAdd
)

// Conduit is one PE's handle on the transport. All remote addresses are
// (Region, PE, offset) triples; offsets are in bytes for data movement and
// in 8-byte cell indices for atomics and waits.
//
// All calls are issued by the owning PE only; a Conduit is not safe for
// concurrent use by multiple goroutines.
type Conduit interface {
	// Name returns the short name of the transport. E.g.: "local".
	Name() string

	// MyPE returns this PE's global index.
	MyPE() PE

	// NumPEs returns the number of PEs in the job.
	NumPEs() int

	// Malloc allocates nbytes of symmetric memory. It is collective: every
	// PE of the job must call it with the same size, in the same order
	// relative to its other Malloc/Free calls, and no PE's call returns
	// before all have arrived. The backing is zero-initialized and 8-byte
	// aligned.
	Malloc(nbytes int) (Region, error)

	// Free releases a symmetric allocation. Collective, like Malloc.
	Free(r Region)

	// Local returns this PE's backing bytes for the region. Plain loads and
	// stores through it race with remote operations unless ordered by a
	// signal; use the atomic cell accessors for synchronization cells.
	Local(r Region) []byte

	// Put copies src into (r, pe) at dstOff. It returns when src may be
	// reused; delivery is complete with respect to a subsequent atomic,
	// PutSignal or Fence to the same PE.
	Put(r Region, pe PE, dstOff int, src []byte)

	// PutNBI is the non-blocking-issue form of Put; completion requires
	// Fence(pe) or Quiet.
	PutNBI(r Region, pe PE, dstOff int, src []byte)

	// Get copies from (r, pe) at srcOff into dst, returning when dst is
	// filled.
	Get(dst []byte, r Region, pe PE, srcOff int)

	// GetNBI is the non-blocking-issue form of Get; dst is valid after
	// Quiet.
	GetNBI(dst []byte, r Region, pe PE, srcOff int)

	// IPut copies nelems elements of elemSize bytes from src to (r, pe),
	// reading src at srcStride-element steps and writing at dstStride-element
	// steps from dstOff (a byte offset). Strides are in elements and must be
	// >= 1. Completion rules are those of PutNBI.
	IPut(r Region, pe PE, dstOff, dstStride int, src []byte, srcStride, elemSize, nelems int)

	// PutSignal copies src into (r, pe) at dstOff and then, ordered after
	// the data delivery, applies sigOp with sigValue to the cell sigIdx of
	// (sig, pe). The signal is the receiver's proof the data has landed.
	PutSignal(r Region, pe PE, dstOff int, src []byte, sig Region, sigIdx int, sigValue int64, sigOp SignalOp)

	// Atomics on int64 cells of a region. Remote-capable, and atomic with
	// respect to every other atomic and wait on the same cell.

	AtomicAdd(r Region, pe PE, idx int, delta int64)
	AtomicFetchAdd(r Region, pe PE, idx int, delta int64) int64
	AtomicSet(r Region, pe PE, idx int, value int64)
	// AtomicCompareSwap stores value if the cell holds cond, returning the
	// value observed before the operation.
	AtomicCompareSwap(r Region, pe PE, idx int, cond, value int64) int64
	AtomicOr(r Region, pe PE, idx int, bits int64)
	AtomicAnd(r Region, pe PE, idx int, bits int64)
	AtomicXor(r Region, pe PE, idx int, bits int64)

	// LoadInt64 atomically reads this PE's copy of cell idx.
	LoadInt64(r Region, idx int) int64

	// StoreInt64 atomically writes this PE's copy of cell idx.
	StoreInt64(r Region, idx int, value int64)

	// WaitInt64 blocks until `local cell idx <cmp> value` holds. There is no
	// timeout: if no peer ever updates the cell the call never returns.
	WaitInt64(r Region, idx int, cmp Cmp, value int64)

	// WaitBitsSet blocks until all bits of mask are set in local cell idx.
	// Same no-timeout contract as WaitInt64.
	WaitBitsSet(r Region, idx int, mask int64)

	// Fence orders all of this PE's outstanding operations to pe before any
	// operation issued to pe afterwards.
	Fence(pe PE)

	// Quiet completes all of this PE's outstanding operations, to all PEs.
	Quiet()

	// NewContext creates an independent ordering context whose operations
	// are quiesced separately from the conduit's. Contexts attached to a
	// team are drained during team synchronization.
	NewContext() Context
}

// Context is an independent completion-ordering domain.
type Context interface {
	Fence(pe PE)
	Quiet()
	Destroy()
}

// Job is a set of PEs sharing one symmetric address space.
type Job interface {
	// Name returns the transport's short name.
	Name() string

	// NumPEs returns the number of PEs the job was created with.
	NumPEs() int

	// Run launches every PE (the local transport spawns one goroutine per
	// PE), passing each its Conduit, and returns after all bodies return.
	// The first non-nil error aborts the others only insofar as they depend
	// on the failed PE; a stalled collective blocks forever by design.
	Run(body func(Conduit) error) error
}

// Constructor takes a config string (optionally empty) and returns a Job.
type Constructor func(config string) (Job, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a transport under the given name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the transport configuration used if GOSHMEM_TRANSPORT is
// not set.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// GOSHMEM_TRANSPORT is the environment variable with the default transport
// configuration.
//
// The format of config is "<transport_name>:<transport_configuration>".
// The "<transport_name>" is the name of a registered transport (e.g.:
// "local") and "<transport_configuration>" is transport specific (for the
// local transport, the number of PEs).
const GOSHMEM_TRANSPORT = "GOSHMEM_TRANSPORT"

// New returns a new Job with the default configuration.
//
// The default is:
//
// 1. The environment GOSHMEM_TRANSPORT is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered transport is used with an empty configuration.
//
// It panics if no transport was registered.
func New() (Job, error) {
	config, found := os.LookupEnv(GOSHMEM_TRANSPORT)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a Job from a configuration string formatted as
// "<transport_name>:<transport_configuration>".
func NewWithConfig(config string) (Job, error) {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered transports for goshmem -- maybe import the local one with import _ "github.com/gomlx/goshmem/transports/local"?`)
	}
	transportName := firstRegistered
	transportConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		transportName = config[:idx]
		transportConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[transportName]
	if !found {
		exceptions.Panicf("can't find transport %q for configuration %q given", transportName, config)
	}
	return constructor(transportConfig)
}
