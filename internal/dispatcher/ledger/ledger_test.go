package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindle-render/spindle/internal/common/spindlecontext"
	"github.com/spindle-render/spindle/internal/common/spindleerrors"
	"github.com/spindle-render/spindle/internal/dispatcher/model"
	"github.com/spindle-render/spindle/internal/dispatcher/store"
	"github.com/spindle-render/spindle/internal/dispatcher/testfixtures"
)

type counters struct {
	hostIdleCores  int
	hostIdleMemory int64
	localIdleCores int
	subCores       int
	jobCores       int
	jobLocalCores  int
	folderCores    int
	pointCores     int
	layerCores     int
}

func readCounters(t *testing.T, s store.Store) counters {
	var c counters
	require.NoError(t, s.ReadTx(spindlecontext.Background(), func(tx store.ReadTx) error {
		host, err := tx.GetHost("host")
		require.NoError(t, err)
		local, err := tx.GetHostLocal("local")
		require.NoError(t, err)
		sub, err := tx.GetSubscription(testfixtures.TestSub)
		require.NoError(t, err)
		job, err := tx.GetJob("job")
		require.NoError(t, err)
		folder, err := tx.GetFolder(testfixtures.TestFolder)
		require.NoError(t, err)
		point, err := tx.GetPoint(testfixtures.TestPoint)
		require.NoError(t, err)
		layer, err := tx.GetLayer("layer")
		require.NoError(t, err)
		c = counters{
			hostIdleCores:  host.IdleCores,
			hostIdleMemory: host.IdleMemory,
			localIdleCores: local.IdleCores,
			subCores:       sub.Cores,
			jobCores:       job.Cores,
			jobLocalCores:  job.LocalCores,
			folderCores:    folder.Cores,
			pointCores:     point.Cores,
			layerCores:     layer.Cores,
		}
		return nil
	}))
	return c
}

func newTestLedger(t *testing.T) (*Ledger, store.Store, *testfixtures.Farm) {
	layer := testfixtures.Layer("job", "layer", 100, 2*testfixtures.GB, "general")
	farm := testfixtures.DefaultFarm().
		WithHosts(testfixtures.Host("host", 400, 8*testfixtures.GB, "general")).
		WithJobs(testfixtures.Job("job", 100)).
		WithLayers(layer).
		WithFrames(testfixtures.Frames(layer, 3, model.FrameWaiting)...)
	farm.HostLocals = []*model.HostLocal{{
		Id: "local", HostId: "host", JobId: "job", MaxCores: 200, IdleCores: 200,
		MaxMemory: 4 * testfixtures.GB, IdleMemory: 4 * testfixtures.GB, Threads: 1,
	}}
	s, err := testfixtures.NewMemStore(farm)
	require.NoError(t, err)
	return New(s, testfixtures.NewClock()), s, farm
}

func bookRequest(farm *testfixtures.Farm, frame int, local bool) BookRequest {
	req := BookRequest{
		Host:        farm.Hosts[0],
		Job:         farm.Jobs[0],
		Layer:       farm.Layers[0],
		Frame:       farm.Frames[frame],
		Reservation: Reservation{Cores: 100, Memory: 2 * testfixtures.GB},
	}
	if local {
		req.HostLocal = farm.HostLocals[0]
	}
	return req
}

func TestBookRelease_RoundTrip(t *testing.T) {
	tests := map[string]struct {
		local    bool
		expected counters
	}{
		"global": {
			expected: counters{
				hostIdleCores: 300, hostIdleMemory: 6 * testfixtures.GB, localIdleCores: 200,
				subCores: 100, jobCores: 100, folderCores: 100, pointCores: 100, layerCores: 100,
			},
		},
		"local": {
			local: true,
			expected: counters{
				hostIdleCores: 300, hostIdleMemory: 6 * testfixtures.GB, localIdleCores: 100,
				jobLocalCores: 100, layerCores: 100,
			},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			l, s, farm := newTestLedger(t)
			ctx := spindlecontext.Background()
			before := readCounters(t, s)

			proc, err := l.BookProc(ctx, bookRequest(farm, 0, tc.local))
			require.NoError(t, err)
			assert.Equal(t, tc.local, proc.Local)
			assert.Equal(t, tc.expected, readCounters(t, s))

			require.NoError(t, l.ReleaseProc(ctx, proc.Id))
			assert.Equal(t, before, readCounters(t, s))
		})
	}
}

func TestBookProc_FrameAlreadyBound(t *testing.T) {
	l, s, farm := newTestLedger(t)
	ctx := spindlecontext.Background()
	_, err := l.BookProc(ctx, bookRequest(farm, 0, false))
	require.NoError(t, err)
	after := readCounters(t, s)

	_, err = l.BookProc(ctx, bookRequest(farm, 0, false))
	assert.True(t, spindleerrors.IsContention(err))
	assert.Equal(t, after, readCounters(t, s))
}

func TestBookProc_HostExhausted(t *testing.T) {
	l, s, farm := newTestLedger(t)
	ctx := spindlecontext.Background()
	before := readCounters(t, s)
	req := bookRequest(farm, 0, false)
	req.Cores = 500

	_, err := l.BookProc(ctx, req)
	assert.Equal(t, spindleerrors.Exhaustion, spindleerrors.Classify(err))
	assert.Equal(t, before, readCounters(t, s))
}

func TestReassignProc(t *testing.T) {
	l, s, farm := newTestLedger(t)
	ctx := spindlecontext.Background()
	proc, err := l.BookProc(ctx, bookRequest(farm, 0, false))
	require.NoError(t, err)
	before := readCounters(t, s)

	err = s.WithTx(ctx, func(tx store.Tx) error {
		return l.ReassignProc(ctx, tx, proc.Id, farm.Frames[1])
	})
	require.NoError(t, err)
	assert.Equal(t, before, readCounters(t, s))

	require.NoError(t, s.ReadTx(ctx, func(tx store.ReadTx) error {
		bound, err := tx.ProcForFrame(farm.Frames[1].Id)
		require.NoError(t, err)
		require.NotNil(t, bound)
		assert.Equal(t, proc.Id, bound.Id)
		return nil
	}))

	other := *farm.Frames[2]
	other.JobId = "another"
	err = s.WithTx(ctx, func(tx store.Tx) error {
		return l.ReassignProc(ctx, tx, proc.Id, &other)
	})
	assert.Equal(t, spindleerrors.InvalidOperation, spindleerrors.Classify(err))
}

func TestIncreaseMemoryReservation(t *testing.T) {
	l, s, farm := newTestLedger(t)
	ctx := spindlecontext.Background()
	proc, err := l.BookProc(ctx, bookRequest(farm, 0, false))
	require.NoError(t, err)

	increase := func(memory int64) (bool, error) {
		var increased bool
		err := s.WithTx(ctx, func(tx store.Tx) error {
			var err error
			increased, err = l.IncreaseMemoryReservation(ctx, tx, proc.Id, memory)
			return err
		})
		return increased, err
	}

	increased, err := increase(testfixtures.GB)
	require.NoError(t, err)
	assert.False(t, increased)

	increased, err = increase(4 * testfixtures.GB)
	require.NoError(t, err)
	assert.True(t, increased)
	assert.Equal(t, 4*testfixtures.GB, readCounters(t, s).hostIdleMemory)

	_, err = increase(16 * testfixtures.GB)
	assert.Equal(t, spindleerrors.Exhaustion, spindleerrors.Classify(err))

	require.NoError(t, l.ReleaseProc(ctx, proc.Id))
	assert.Equal(t, 8*testfixtures.GB, readCounters(t, s).hostIdleMemory)
}

func TestFindOrphanedProcs(t *testing.T) {
	layer := testfixtures.Layer("job", "layer", 100, testfixtures.GB, "")
	farm := testfixtures.DefaultFarm().
		WithHosts(testfixtures.Host("host", 400, 8*testfixtures.GB)).
		WithJobs(testfixtures.Job("job", 100)).
		WithLayers(layer).
		WithFrames(testfixtures.Frames(layer, 2, model.FrameWaiting)...)
	s, err := testfixtures.NewMemStore(farm)
	require.NoError(t, err)
	clock := testfixtures.NewClock()
	l := New(s, clock)
	ctx := spindlecontext.Background()

	req := BookRequest{Host: farm.Hosts[0], Job: farm.Jobs[0], Layer: layer, Frame: farm.Frames[0], Reservation: Reservation{Cores: 100}}
	stale, err := l.BookProc(ctx, req)
	require.NoError(t, err)
	clock.Step(10 * time.Minute)
	req.Frame = farm.Frames[1]
	fresh, err := l.BookProc(ctx, req)
	require.NoError(t, err)

	orphans, err := l.FindOrphanedProcs(ctx, model.OrphanedInterval)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, stale.Id, orphans[0].Id)

	clock.Step(10 * time.Minute)
	require.NoError(t, l.UpdateProcUsage(ctx, stale.Id, 10, 20))
	orphans, err = l.FindOrphanedProcs(ctx, model.OrphanedInterval)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, fresh.Id, orphans[0].Id)
}

func TestSizeProc(t *testing.T) {
	tests := map[string]struct {
		host     *model.Host
		layer    *model.Layer
		expected int
		err      bool
	}{
		"single core layer": {
			host:     testfixtures.Host("h", 800, 32*testfixtures.GB),
			layer:    testfixtures.Layer("j", "l", 100, 2*testfixtures.GB, ""),
			expected: 100,
		},
		"threadable spans memory": {
			host:     testfixtures.Host("h", 800, 32*testfixtures.GB),
			layer:    &model.Layer{MinCores: 100, MinMemory: 8 * testfixtures.GB, Threadable: true},
			expected: 200,
		},
		"threadable takes stranded cores": {
			host:     testfixtures.Host("h", 800, 2*testfixtures.GB),
			layer:    &model.Layer{MinCores: 100, MinMemory: testfixtures.GB, Threadable: true},
			expected: 800,
		},
		"max cores caps threadable": {
			host:     testfixtures.Host("h", 800, 2*testfixtures.GB),
			layer:    &model.Layer{MinCores: 100, MaxCores: 400, MinMemory: testfixtures.GB, Threadable: true},
			expected: 400,
		},
		"fraction of a core": {
			host:  &model.Host{Id: "h", Cores: 800, IdleCores: 50, IdleMemory: testfixtures.GB},
			layer: &model.Layer{MinCores: 100},
			err:   true,
		},
		"sub core layer": {
			host:     testfixtures.Host("h", 800, 32*testfixtures.GB),
			layer:    &model.Layer{MinCores: 50},
			expected: 50,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r, err := SizeProc(tc.host, tc.layer)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, r.Cores)
		})
	}
}

func TestSizeLocalProc(t *testing.T) {
	tests := map[string]struct {
		local    *model.HostLocal
		layer    *model.Layer
		expected int
		err      bool
	}{
		"threads decide cores": {
			local:    &model.HostLocal{Id: "local", IdleCores: 400, Threads: 2},
			layer:    &model.Layer{MinCores: 100},
			expected: 200,
		},
		"no threads falls back to the layer": {
			local:    &model.HostLocal{Id: "local", IdleCores: 400},
			layer:    &model.Layer{MinCores: 300},
			expected: 300,
		},
		"rounded down to idle whole cores": {
			local:    &model.HostLocal{Id: "local", IdleCores: 150, Threads: 2},
			layer:    &model.Layer{MinCores: 100},
			expected: 100,
		},
		"drained partition": {
			local: &model.HostLocal{Id: "local", IdleCores: 0, Threads: 1},
			layer: &model.Layer{MinCores: 100},
			err:   true,
		},
		"fraction of a core": {
			local: &model.HostLocal{Id: "local", IdleCores: 50, Threads: 1},
			layer: &model.Layer{MinCores: 100},
			err:   true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			r, err := SizeLocalProc(tc.local, tc.layer)
			if tc.err {
				assert.Equal(t, spindleerrors.Exhaustion, spindleerrors.Classify(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, r.Cores)
		})
	}
}
