// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// goshmem-demo runs a stream of collectives on the in-process transport and
// reports per-operation latency. Useful for eyeballing algorithm choices:
//
//	goshmem-demo -pes 8 -iters 2000
//	GOSHMEM_REDUCE_ALGO=rec_dbl goshmem-demo -pes 8
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/goshmem"
	"github.com/gomlx/goshmem/collectives"
	"github.com/gomlx/goshmem/symm"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagPEs   = flag.Int("pes", 8, "number of PEs in the local job")
	flagIters = flag.Int("iters", 1000, "collective iterations to run")
	flagElems = flag.Int("elems", 1024, "elements reduced per iteration")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	start := time.Now()
	must.M(goshmem.RunWithConfig(fmt.Sprintf("local:%d", *flagPEs), nil, run))
	perOp := time.Since(start) / time.Duration(*flagIters)
	perIter := uint64(*flagElems) * 4 * uint64(*flagPEs)
	fmt.Printf("%d iterations on %d PEs: %s per reduce+barrier, %s combined per iteration\n",
		*flagIters, *flagPEs, perOp, humanize.Bytes(perIter))
}

func run(pe *goshmem.PE) error {
	src := must.M1(symm.AllocSlice[float32](pe.Conduit, *flagElems))
	defer src.Free()
	dest := must.M1(symm.AllocSlice[float32](pe.Conduit, *flagElems))
	defer dest.Free()
	local := src.Local()
	for i := range local {
		local[i] = float32(pe.Conduit.MyPE() + i)
	}

	var bar *progressbar.ProgressBar
	if pe.Conduit.MyPE() == 0 {
		bar = progressbar.Default(int64(*flagIters), "reducing")
	}
	for it := 0; it < *flagIters; it++ {
		if err := collectives.Reduce(pe.Engine, pe.World, collectives.Sum[float32](), dest, src, *flagElems); err != nil {
			return err
		}
		pe.Engine.Barrier(pe.World)
		if bar != nil {
			must.M(bar.Add(1))
		}
	}
	return nil
}
