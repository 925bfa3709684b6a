// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package goshmem is a partitioned global address space (PGAS) runtime for
// Go: a job of processing elements (PEs) with symmetric memory, one-sided
// puts, gets and atomics, teams, and a family of collective operations over
// them.
//
// The top level ties the pieces together; each concern lives in its own
// package:
//
//   - transports: the Conduit interface over the symmetric heap and the
//     transport registry (GOSHMEM_TRANSPORT selects one; the in-process
//     "local" transport runs PEs as goroutines).
//   - symm: symmetric memory descriptors and typed views over them.
//   - team: the predefined world/shared teams, strided and 2D splits, and
//     the synchronization buffers collectives draw from.
//   - collectives: barrier, broadcast, reduce, collect, fcollect and
//     alltoall, each in several topology variants selected by
//     configuration.
//
// The shortest way in is Run, which starts the configured transport and
// hands every PE its own handle:
//
//	err := goshmem.Run(func(pe *goshmem.PE) error {
//		x, err := symm.AllocSlice[int32](pe.Conduit, 1)
//		if err != nil {
//			return err
//		}
//		defer x.Free()
//		x.Local()[0] = int32(pe.Conduit.MyPE())
//		sum, err := symm.AllocSlice[int32](pe.Conduit, 1)
//		if err != nil {
//			return err
//		}
//		defer sum.Free()
//		return collectives.Reduce(pe.Engine, pe.World, collectives.Sum[int32](), sum, x, 1)
//	})
package goshmem

import (
	"github.com/gomlx/goshmem/collectives"
	"github.com/gomlx/goshmem/team"
	"github.com/gomlx/goshmem/transports"
	"github.com/pkg/errors"

	_ "github.com/gomlx/goshmem/transports/local"
)

// PE is one processing element's view of a running job: its conduit into
// the symmetric heap, the team registry with the predefined teams, and the
// collective engine. A PE value is used only from its own goroutine.
type PE struct {
	Conduit transports.Conduit
	Teams   *team.Registry
	World   *team.Team
	Shared  *team.Team
	Engine  *collectives.Engine
}

// Run starts a job on the default transport (GOSHMEM_TRANSPORT or "local")
// with the default collective configuration and runs body once per PE. It
// returns after every PE's body returned; the first non-nil error wins.
func Run(body func(pe *PE) error) error {
	job, err := transports.New()
	if err != nil {
		return err
	}
	return RunJob(job, nil, body)
}

// RunWithConfig is Run with an explicit transport configuration
// ("name" or "name:options") and collective algorithm selection (nil means
// defaults plus GOSHMEM_*_ALGO environment overrides).
func RunWithConfig(config string, cfg *collectives.Config, body func(pe *PE) error) error {
	job, err := transports.NewWithConfig(config)
	if err != nil {
		return err
	}
	return RunJob(job, cfg, body)
}

// RunJob runs body once per PE of an already-constructed job.
func RunJob(job transports.Job, cfg *collectives.Config, body func(pe *PE) error) error {
	engine := collectives.NewEngine(cfg)
	return job.Run(func(c transports.Conduit) error {
		reg, err := team.NewWorld(c)
		if err != nil {
			return errors.WithMessage(err, "initializing the team registry")
		}
		return body(&PE{
			Conduit: c,
			Teams:   reg,
			World:   reg.World(),
			Shared:  reg.Shared(),
			Engine:  engine,
		})
	})
}
