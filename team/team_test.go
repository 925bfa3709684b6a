// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package team

import (
	"testing"

	"github.com/gomlx/goshmem/transports"
	"github.com/gomlx/goshmem/transports/local"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func catchPanic(f func()) (p any) {
	defer func() { p = recover() }()
	f()
	return nil
}

// runJob runs body once per PE and fails the test on the first error.
func runJob(t *testing.T, npes int, body func(c transports.Conduit, reg *Registry) error) {
	t.Helper()
	job := local.NewJob(npes)
	err := job.Run(func(c transports.Conduit) error {
		reg, err := NewWorld(c)
		if err != nil {
			return err
		}
		return body(c, reg)
	})
	require.NoError(t, err)
}

func TestWorldAndShared(t *testing.T) {
	const npes = 6
	runJob(t, npes, func(c transports.Conduit, reg *Registry) error {
		w := reg.World()
		if w.NPEs() != npes || w.MyPE() != c.MyPE() || !w.IsMember() {
			return errors.Errorf("world: npes=%d rank=%d", w.NPEs(), w.MyPE())
		}
		for rank := 0; rank < npes; rank++ {
			if w.GlobalPE(rank) != rank || w.RankOf(rank) != rank {
				return errors.Errorf("world rank %d does not map to itself", rank)
			}
		}
		if w.GlobalPE(npes) != -1 || w.GlobalPE(-1) != -1 || w.RankOf(npes) != -1 {
			return errors.New("out-of-range translations must return -1")
		}
		// On the in-process transport all PEs share the node.
		if s := reg.Shared(); s.NPEs() != npes || s.MyPE() != c.MyPE() {
			return errors.Errorf("shared: npes=%d rank=%d", s.NPEs(), s.MyPE())
		}
		if catchPanic(func() { w.Destroy() }) == nil {
			return errors.New("destroying the world team did not panic")
		}
		return nil
	})
}

func TestSplitStrided(t *testing.T) {
	const npes = 8
	runJob(t, npes, func(c transports.Conduit, reg *Registry) error {
		// Members {1, 3, 5} of the world.
		child, err := reg.World().SplitStrided(1, 2, 3, nil, 0)
		if err != nil {
			return err
		}
		me := c.MyPE()
		inChild := me == 1 || me == 3 || me == 5
		if !inChild {
			if child != nil {
				return errors.Errorf("PE %d is not a member but got a team", me)
			}
			return nil
		}
		if child == nil {
			return errors.Errorf("PE %d is a member but got nil", me)
		}
		if child.NPEs() != 3 || child.Start() != 1 || child.Stride() != 2 {
			return errors.Errorf("child geometry: npes=%d start=%d stride=%d", child.NPEs(), child.Start(), child.Stride())
		}
		wantRank := (me - 1) / 2
		if child.MyPE() != wantRank {
			return errors.Errorf("PE %d has child rank %d, want %d", me, child.MyPE(), wantRank)
		}
		for rank, pe := range []int{1, 3, 5} {
			if child.GlobalPE(rank) != pe {
				return errors.Errorf("child rank %d maps to %d, want %d", rank, child.GlobalPE(rank), pe)
			}
			if got := TranslatePE(child, rank, reg.World()); got != pe {
				return errors.Errorf("TranslatePE(child, %d, world) = %d, want %d", rank, got, pe)
			}
			if got := TranslatePE(reg.World(), pe, child); got != rank {
				return errors.Errorf("TranslatePE(world, %d, child) = %d, want %d", pe, got, rank)
			}
		}
		if TranslatePE(reg.World(), 0, child) != -1 {
			return errors.New("PE 0 must not translate into the child")
		}
		child.Destroy()
		return nil
	})
}

func TestSplitStridedRejectsMalformed(t *testing.T) {
	runJob(t, 4, func(c transports.Conduit, reg *Registry) error {
		w := reg.World()
		cases := []struct{ start, stride, size int }{
			{-1, 1, 2},
			{4, 1, 1},
			{0, 0, 2},
			{0, 1, 0},
			{0, 2, 3}, // member 4 outside the parent
		}
		for _, tc := range cases {
			if _, err := w.SplitStrided(tc.start, tc.stride, tc.size, nil, 0); err == nil {
				return errors.Errorf("split(%d, %d, %d) did not error", tc.start, tc.stride, tc.size)
			}
		}
		return nil
	})
}

func TestSplitConfigMask(t *testing.T) {
	runJob(t, 2, func(c transports.Conduit, reg *Registry) error {
		cfg := &Config{NumContexts: 3}
		child, err := reg.World().SplitStrided(0, 1, 2, cfg, ConfigNumContexts)
		if err != nil {
			return err
		}
		if got := child.GetConfig(ConfigNumContexts); got.NumContexts != 3 {
			return errors.Errorf("GetConfig returned NumContexts=%d, want 3", got.NumContexts)
		}
		if got := child.GetConfig(0); got.NumContexts != 0 {
			return errors.Errorf("unselected field read as %d, want 0", got.NumContexts)
		}
		child.Destroy()

		// Without the mask bit the option must not stick.
		child, err = reg.World().SplitStrided(0, 1, 2, cfg, 0)
		if err != nil {
			return err
		}
		if got := child.GetConfig(ConfigNumContexts); got.NumContexts != 0 {
			return errors.Errorf("config applied without its mask bit: %d", got.NumContexts)
		}
		child.Destroy()
		return nil
	})
}

func TestSlotReuseAndExhaustion(t *testing.T) {
	runJob(t, 2, func(c transports.Conduit, reg *Registry) error {
		// Two slots belong to the predefined teams; fill the rest.
		teams := make([]*Team, 0, MaxTeams-2)
		for i := 0; i < MaxTeams-2; i++ {
			child, err := reg.World().SplitStrided(0, 1, 2, nil, 0)
			if err != nil {
				return errors.WithMessagef(err, "split %d", i)
			}
			teams = append(teams, child)
		}
		if _, err := reg.World().SplitStrided(0, 1, 2, nil, 0); err == nil {
			return errors.New("split with a full pool did not error")
		}
		// Destroying one slot makes splitting possible again.
		teams[0].Destroy()
		child, err := reg.World().SplitStrided(0, 1, 2, nil, 0)
		if err != nil {
			return err
		}
		child.Destroy()
		for _, team := range teams[1:] {
			team.Destroy()
		}
		return nil
	})
}

func TestSplit2D(t *testing.T) {
	const npes = 6
	runJob(t, npes, func(c transports.Conduit, reg *Registry) error {
		// 2 rows x 3 columns.
		xTeam, yTeam, err := reg.World().Split2D(3, nil, 0, nil, 0)
		if err != nil {
			return err
		}
		me := c.MyPE()
		myX, myY := me%3, me/3
		if xTeam == nil || yTeam == nil {
			return errors.Errorf("PE %d got nil axis teams", me)
		}
		if xTeam.NPEs() != 3 || xTeam.MyPE() != myX {
			return errors.Errorf("PE %d row team: npes=%d rank=%d", me, xTeam.NPEs(), xTeam.MyPE())
		}
		if yTeam.NPEs() != 2 || yTeam.MyPE() != myY {
			return errors.Errorf("PE %d column team: npes=%d rank=%d", me, yTeam.NPEs(), yTeam.MyPE())
		}
		for i := 0; i < 3; i++ {
			if want := myY*3 + i; xTeam.GlobalPE(i) != want {
				return errors.Errorf("PE %d row rank %d maps to %d, want %d", me, i, xTeam.GlobalPE(i), want)
			}
		}
		for i := 0; i < 2; i++ {
			if want := i*3 + myX; yTeam.GlobalPE(i) != want {
				return errors.Errorf("PE %d column rank %d maps to %d, want %d", me, i, yTeam.GlobalPE(i), want)
			}
		}
		xTeam.Destroy()
		yTeam.Destroy()
		return nil
	})
}

func TestSplit2DUnevenGrid(t *testing.T) {
	// 7 PEs with xrange 3: rows {0,1,2}, {3,4,5}, {6}; columns {0,3,6},
	// {1,4}, {2,5}.
	const npes = 7
	runJob(t, npes, func(c transports.Conduit, reg *Registry) error {
		xTeam, yTeam, err := reg.World().Split2D(3, nil, 0, nil, 0)
		if err != nil {
			return err
		}
		me := c.MyPE()
		wantRow := 3
		if me == 6 {
			wantRow = 1
		}
		wantCol := 2
		if me%3 == 0 {
			wantCol = 3
		}
		if xTeam.NPEs() != wantRow {
			return errors.Errorf("PE %d row team size %d, want %d", me, xTeam.NPEs(), wantRow)
		}
		if yTeam.NPEs() != wantCol {
			return errors.Errorf("PE %d column team size %d, want %d", me, yTeam.NPEs(), wantCol)
		}
		return nil
	})
}

func TestSyncSlotAlternates(t *testing.T) {
	runJob(t, 2, func(c transports.Conduit, reg *Registry) error {
		w := reg.World()
		a := w.SyncSlot(ClassBarrier)
		b := w.SyncSlot(ClassBarrier)
		a2 := w.SyncSlot(ClassBarrier)
		if a == b {
			return errors.New("consecutive draws returned the same buffer")
		}
		if a != a2 {
			return errors.New("draws do not alternate with period two")
		}
		if a.Cells() != BarrierSyncSize {
			return errors.Errorf("barrier buffer has %d cells, want %d", a.Cells(), BarrierSyncSize)
		}
		if coll := w.SyncSlot(ClassCollective); coll.Cells() != MaxSyncSize {
			return errors.Errorf("collective buffer has %d cells, want %d", coll.Cells(), MaxSyncSize)
		}
		if work := w.WorkArray(); work.Cells() != c.NumPEs() {
			return errors.Errorf("work array has %d cells, want %d", work.Cells(), c.NumPEs())
		}
		return nil
	})
}

func TestSyncSizeConstants(t *testing.T) {
	// Collect carries the most protocol state, barrier the least.
	require.Equal(t, CollectSyncSize, MaxSyncSize)
	for name, size := range map[string]int{
		"barrier":   BarrierSyncSize,
		"bcast":     BcastSyncSize,
		"alltoall":  AlltoallSyncSize,
		"alltoalls": AlltoallsSyncSize,
		"fcollect":  FcollectSyncSize,
		"reduce":    ReduceSyncSize,
		"collect":   CollectSyncSize,
	} {
		require.LessOrEqualf(t, size, MaxSyncSize, "%s", name)
		require.Positivef(t, size, "%s", name)
	}
}
