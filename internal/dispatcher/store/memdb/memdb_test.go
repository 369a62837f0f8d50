package memdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindle-render/spindle/internal/common/spindlecontext"
	"github.com/spindle-render/spindle/internal/common/spindleerrors"
	"github.com/spindle-render/spindle/internal/dispatcher/model"
	"github.com/spindle-render/spindle/internal/dispatcher/store"
)

func newTestStore(t *testing.T, seed func(tx store.Tx) error) *Store {
	s, err := New()
	require.NoError(t, err)
	if seed != nil {
		require.NoError(t, s.WithTx(spindlecontext.Background(), seed))
	}
	return s
}

func seedBasic(tx store.Tx) error {
	if err := tx.PutHost(&model.Host{
		Id: "host-1", Name: "host-1", AllocId: "alloc", State: model.HostUp, LockState: model.LockOpen,
		Cores: 800, IdleCores: 800, Memory: 16777216, IdleMemory: 16777216,
	}); err != nil {
		return err
	}
	if err := tx.PutSubscription(&model.Subscription{Id: "sub", ShowId: "show", AllocId: "alloc", Size: 200, Burst: 400}); err != nil {
		return err
	}
	if err := tx.PutJob(&model.Job{Id: "job", ShowId: "show", State: model.JobPending}); err != nil {
		return err
	}
	if err := tx.PutLimit(&model.Limit{Id: "limit", MaxValue: 1}); err != nil {
		return err
	}
	if err := tx.PutLayer(&model.Layer{Id: "layer", JobId: "job", LimitIds: []string{"limit"}}); err != nil {
		return err
	}
	for i, id := range []string{"frame-2", "frame-1", "frame-3"} {
		if err := tx.PutFrame(&model.Frame{
			Id: id, JobId: "job", LayerId: "layer", Number: i, State: model.FrameWaiting,
			DispatchOrder: 3 - i, LayerOrder: 0,
		}); err != nil {
			return err
		}
	}
	return nil
}

func TestAdjustCounters(t *testing.T) {
	tests := map[string]struct {
		deltas        []store.CounterDelta
		expectedError spindleerrors.Kind
		expectedIdle  int
		expectedSub   int
	}{
		"reserve within capacity": {
			deltas: []store.CounterDelta{
				{Kind: store.HostIdle, Key: "host-1", Cores: -100},
				{Kind: store.SubscriptionRunning, Key: "sub", Cores: 100},
			},
			expectedIdle: 700,
			expectedSub:  100,
		},
		"host exhausted": {
			deltas:        []store.CounterDelta{{Kind: store.HostIdle, Key: "host-1", Cores: -900}},
			expectedError: spindleerrors.Exhaustion,
			expectedIdle:  800,
		},
		"subscription over burst": {
			deltas:        []store.CounterDelta{{Kind: store.SubscriptionRunning, Key: "sub", Cores: 500}},
			expectedError: spindleerrors.Exhaustion,
			expectedIdle:  800,
		},
		"empty key ignored": {
			deltas:       []store.CounterDelta{{Kind: store.FolderRunning, Cores: 100}},
			expectedIdle: 800,
		},
		"missing row": {
			deltas:        []store.CounterDelta{{Kind: store.JobRunning, Key: "missing", Cores: 100}},
			expectedError: spindleerrors.NotFound,
			expectedIdle:  800,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s := newTestStore(t, seedBasic)
			ctx := spindlecontext.Background()
			err := s.WithTx(ctx, func(tx store.Tx) error {
				return tx.AdjustCounters(tc.deltas...)
			})
			if tc.expectedError != spindleerrors.Unknown {
				assert.Equal(t, tc.expectedError, spindleerrors.Classify(err))
			} else {
				require.NoError(t, err)
			}
			require.NoError(t, s.ReadTx(ctx, func(tx store.ReadTx) error {
				host, err := tx.GetHost("host-1")
				require.NoError(t, err)
				assert.Equal(t, tc.expectedIdle, host.IdleCores)
				sub, err := tx.GetSubscription("sub")
				require.NoError(t, err)
				assert.Equal(t, tc.expectedSub, sub.Cores)
				return nil
			}))
		})
	}
}

func TestUpdateFrame_CompareAndSwap(t *testing.T) {
	s := newTestStore(t, seedBasic)
	ctx := spindlecontext.Background()

	err := s.WithTx(ctx, func(tx store.Tx) error {
		frame, err := tx.GetFrame("frame-1")
		require.NoError(t, err)
		frame.State = model.FrameRunning
		frame.DependCount = 7
		ok, err := tx.UpdateFrame(store.FrameCondition{Id: "frame-1", State: model.FrameWaiting, Version: 0}, frame)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, int64(1), frame.Version)

		// Stale version no longer matches.
		ok, err = tx.UpdateFrame(store.FrameCondition{Id: "frame-1", State: model.FrameRunning, Version: 0}, frame)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.ReadTx(ctx, func(tx store.ReadTx) error {
		frame, err := tx.GetFrame("frame-1")
		require.NoError(t, err)
		assert.Equal(t, model.FrameRunning, frame.State)
		assert.Equal(t, 0, frame.DependCount)
		return nil
	}))
}

func TestUpdateFrame_Guards(t *testing.T) {
	s := newTestStore(t, seedBasic)
	ctx := spindlecontext.Background()
	err := s.WithTx(ctx, func(tx store.Tx) error {
		_, err := tx.AdjustDependCount("frame-2", 1)
		require.NoError(t, err)
		frame, err := tx.GetFrame("frame-2")
		require.NoError(t, err)
		ok, err := tx.UpdateFrame(store.FrameCondition{
			Id: "frame-2", State: model.FrameWaiting, DependCountZero: true,
		}, frame)
		require.NoError(t, err)
		assert.False(t, ok)

		frame, err = tx.GetFrame("frame-1")
		require.NoError(t, err)
		frame.State = model.FrameRunning
		ok, err = tx.UpdateFrame(store.FrameCondition{Id: "frame-1", State: model.FrameWaiting, UnderLimit: true}, frame)
		require.NoError(t, err)
		assert.True(t, ok)

		// The limit allows a single running frame.
		frame, err = tx.GetFrame("frame-3")
		require.NoError(t, err)
		frame.State = model.FrameRunning
		ok, err = tx.UpdateFrame(store.FrameCondition{Id: "frame-3", State: model.FrameWaiting, UnderLimit: true}, frame)
		require.NoError(t, err)
		assert.False(t, ok)

		running, err := tx.LimitRunning("limit")
		require.NoError(t, err)
		assert.Equal(t, 1, running)
		return nil
	})
	require.NoError(t, err)
}

func TestAdjustDependCount_NeverNegative(t *testing.T) {
	s := newTestStore(t, seedBasic)
	err := s.WithTx(spindlecontext.Background(), func(tx store.Tx) error {
		count, err := tx.AdjustDependCount("frame-1", -1)
		require.NoError(t, err)
		assert.Equal(t, 0, count)
		count, err = tx.AdjustDependCount("frame-1", 2)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
		return nil
	})
	require.NoError(t, err)
}

func TestInsertProc_Duplication(t *testing.T) {
	s := newTestStore(t, seedBasic)
	ctx := spindlecontext.Background()
	err := s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertProc(&model.Proc{Id: "proc-1", HostId: "host-1", JobId: "job", FrameId: "frame-1"})
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertProc(&model.Proc{Id: "proc-2", HostId: "host-1", JobId: "job", FrameId: "frame-1"})
	})
	var dup *spindleerrors.ErrResourceDuplication
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "proc-1", dup.ProcId)

	require.NoError(t, s.ReadTx(ctx, func(tx store.ReadTx) error {
		proc, err := tx.ProcForFrame("frame-1")
		require.NoError(t, err)
		require.NotNil(t, proc)
		assert.Equal(t, "proc-1", proc.Id)
		proc, err = tx.ProcForFrame("frame-2")
		require.NoError(t, err)
		assert.Nil(t, proc)
		frames, err := tx.Frames(store.FrameQuery{LayerId: "layer", Unbound: true})
		require.NoError(t, err)
		assert.Len(t, frames, 2)
		return nil
	}))
}

func TestUpdateProc(t *testing.T) {
	s := newTestStore(t, seedBasic)
	ctx := spindlecontext.Background()
	ping := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	err := s.WithTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.InsertProc(&model.Proc{Id: "proc", FrameId: "frame-1", Memory: 100}))
		ok, err := tx.UpdateProcMemory("proc", 50)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = tx.UpdateProcMemory("proc", 200)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = tx.UpdateProcUsage("proc", 10, 20, ping)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = tx.UpdateProcFrame("proc", "layer", "frame-2")
		require.NoError(t, err)
		assert.True(t, ok)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.ReadTx(ctx, func(tx store.ReadTx) error {
		proc, err := tx.GetProc("proc")
		require.NoError(t, err)
		assert.Equal(t, int64(200), proc.Memory)
		assert.Equal(t, int64(20), proc.MaxUsedMemory)
		assert.Equal(t, "frame-2", proc.FrameId)
		assert.Equal(t, ping, proc.TsPing)
		procs, err := tx.Procs(store.ProcQuery{PingBefore: ping.Add(time.Second)})
		require.NoError(t, err)
		assert.Len(t, procs, 1)
		return nil
	}))
}

func TestFrames_Ordering(t *testing.T) {
	s := newTestStore(t, seedBasic)
	require.NoError(t, s.ReadTx(spindlecontext.Background(), func(tx store.ReadTx) error {
		frames, err := tx.Frames(store.FrameQuery{LayerId: "layer", States: []model.FrameState{model.FrameWaiting}, Limit: 2})
		require.NoError(t, err)
		require.Len(t, frames, 2)
		assert.Equal(t, "frame-3", frames[0].Id)
		assert.Equal(t, "frame-1", frames[1].Id)

		stats, err := tx.LayerStats("layer")
		require.NoError(t, err)
		assert.Equal(t, store.LayerStats{Total: 3, Waiting: 3}, stats)
		assert.False(t, stats.Complete())
		return nil
	}))
}

func TestDepends_Signature(t *testing.T) {
	s := newTestStore(t, seedBasic)
	ctx := spindlecontext.Background()
	depend := &model.Depend{
		Id: "d1", Type: model.FrameOnFrame, Active: true,
		ErJobId: "job", ErLayerId: "layer", ErFrameId: "frame-2",
		OnJobId: "job", OnLayerId: "layer", OnFrameId: "frame-1",
	}
	depend.Signature = depend.ContentSignature()
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error { return tx.InsertDepend(depend) }))

	twin := depend.DeepCopy()
	twin.Id = "d2"
	err := s.WithTx(ctx, func(tx store.Tx) error { return tx.InsertDepend(twin) })
	assert.Equal(t, spindleerrors.AlreadyExists, spindleerrors.Classify(err))

	err = s.WithTx(ctx, func(tx store.Tx) error {
		satisfied := depend.DeepCopy()
		satisfied.Active = false
		satisfied.Signature = satisfied.Id
		ok, err := tx.UpdateDepend(store.DependCondition{Id: "d1", Active: true}, satisfied)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = tx.UpdateDepend(store.DependCondition{Id: "d1", Active: true}, satisfied)
		require.NoError(t, err)
		assert.False(t, ok)
		return tx.InsertDepend(twin)
	})
	require.NoError(t, err)

	require.NoError(t, s.ReadTx(ctx, func(tx store.ReadTx) error {
		active, err := tx.Depends(store.DependQuery{OnFrameId: "frame-1", Active: store.Bool(true)})
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "d2", active[0].Id)
		all, err := tx.Depends(store.DependQuery{ErJobId: "job"})
		require.NoError(t, err)
		assert.Len(t, all, 2)
		return nil
	}))
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := newTestStore(t, seedBasic)
	ctx := spindlecontext.Background()
	err := s.WithTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.AdjustCounters(store.CounterDelta{Kind: store.HostIdle, Key: "host-1", Cores: -100}))
		return tx.AdjustCounters(store.CounterDelta{Kind: store.HostIdle, Key: "host-1", Cores: -800})
	})
	require.Error(t, err)
	require.NoError(t, s.ReadTx(ctx, func(tx store.ReadTx) error {
		host, err := tx.GetHost("host-1")
		require.NoError(t, err)
		assert.Equal(t, 800, host.IdleCores)
		return nil
	}))
}
