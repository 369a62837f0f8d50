package depend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindle-render/spindle/internal/common/spindlecontext"
	"github.com/spindle-render/spindle/internal/common/spindleerrors"
	"github.com/spindle-render/spindle/internal/dispatcher/framestate"
	"github.com/spindle-render/spindle/internal/dispatcher/model"
	"github.com/spindle-render/spindle/internal/dispatcher/store"
	"github.com/spindle-render/spindle/internal/dispatcher/testfixtures"
)

// testFarm has a downstream job with layers "er" and "er2", and an upstream job with layers "on" and "on2".
// Every layer holds n WAITING frames.
func testFarm(n int) *testfixtures.Farm {
	er := testfixtures.Layer("downstream", "er", 100, testfixtures.GB, "")
	er2 := testfixtures.Layer("downstream", "er2", 100, testfixtures.GB, "")
	on := testfixtures.Layer("upstream", "on", 100, testfixtures.GB, "")
	on2 := testfixtures.Layer("upstream", "on2", 100, testfixtures.GB, "")
	farm := testfixtures.DefaultFarm().
		WithJobs(testfixtures.Job("downstream", 100), testfixtures.Job("upstream", 100)).
		WithLayers(er, er2, on, on2)
	for _, layer := range farm.Layers {
		farm.WithFrames(testfixtures.Frames(layer, n, model.FrameWaiting)...)
	}
	return farm
}

func newTestManager(t *testing.T, farm *testfixtures.Farm) (*Manager, store.Store) {
	s, err := testfixtures.NewMemStore(farm)
	require.NoError(t, err)
	clock := testfixtures.NewClock()
	return NewManager(s, clock, framestate.New(clock, framestate.DefaultConfig())), s
}

func getFrame(t *testing.T, s store.Store, id string) *model.Frame {
	var frame *model.Frame
	require.NoError(t, s.ReadTx(spindlecontext.Background(), func(tx store.ReadTx) error {
		var err error
		frame, err = tx.GetFrame(id)
		return err
	}))
	return frame
}

func getDepend(t *testing.T, s store.Store, id string) *model.Depend {
	var d *model.Depend
	require.NoError(t, s.ReadTx(spindlecontext.Background(), func(tx store.ReadTx) error {
		var err error
		d, err = tx.GetDepend(id)
		return err
	}))
	return d
}

func deactivate(t *testing.T, m *Manager, s store.Store, id string) error {
	ctx := spindlecontext.Background()
	return s.WithTx(ctx, func(tx store.Tx) error {
		d, err := tx.GetDepend(id)
		require.NoError(t, err)
		_, err = m.Deactivate(ctx, tx, d)
		return err
	})
}

// completeFrame marks a frame SUCCEEDED and runs the completion cascade for it.
func completeFrame(t *testing.T, m *Manager, s store.Store, id string) {
	ctx := spindlecontext.Background()
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		frame, err := tx.GetFrame(id)
		require.NoError(t, err)
		frame.State = model.FrameSucceeded
		require.NoError(t, tx.PutFrame(frame))
		return m.SatisfyWhatDependsOn(ctx, tx, frame)
	}))
}

func TestCreateDependency_BlocksFrames(t *testing.T) {
	tests := map[string]struct {
		req             Request
		expectedBlocked []string
		expectedTarget  model.DependTarget
	}{
		"job on job": {
			req:             Request{Type: model.JobOnJob, ErJobId: "downstream", OnJobId: "upstream"},
			expectedBlocked: []string{"er-0001", "er-0002", "er2-0001", "er2-0002"},
			expectedTarget:  model.TargetExternal,
		},
		"layer on layer": {
			req:             Request{Type: model.LayerOnLayer, ErLayerId: "er", OnLayerId: "er2"},
			expectedBlocked: []string{"er-0001", "er-0002"},
			expectedTarget:  model.TargetInternal,
		},
		"frame on frame": {
			req:             Request{Type: model.FrameOnFrame, ErFrameId: "er-0002", OnFrameId: "on-0001"},
			expectedBlocked: []string{"er-0002"},
			expectedTarget:  model.TargetExternal,
		},
		"frame on job": {
			req:             Request{Type: model.FrameOnJob, ErFrameId: "er-0001", OnJobId: "upstream"},
			expectedBlocked: []string{"er-0001"},
			expectedTarget:  model.TargetExternal,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			farm := testFarm(2)
			m, s := newTestManager(t, farm)
			d, err := m.CreateDependency(spindlecontext.Background(), tc.req)
			require.NoError(t, err)
			assert.True(t, d.Active)
			assert.Equal(t, tc.expectedTarget, d.Target)
			assert.Equal(t, d.ContentSignature(), d.Signature)

			blocked := map[string]bool{}
			for _, id := range tc.expectedBlocked {
				blocked[id] = true
			}
			for _, f := range farm.Frames {
				frame := getFrame(t, s, f.Id)
				if blocked[f.Id] {
					assert.Equal(t, 1, frame.DependCount, f.Id)
					assert.Equal(t, model.FrameDepend, frame.State, f.Id)
				} else {
					assert.Equal(t, 0, frame.DependCount, f.Id)
					assert.Equal(t, model.FrameWaiting, frame.State, f.Id)
				}
			}
		})
	}
}

func TestCreateDependency_Idempotent(t *testing.T) {
	m, s := newTestManager(t, testFarm(1))
	ctx := spindlecontext.Background()
	req := Request{Type: model.FrameOnFrame, ErFrameId: "er-0001", OnFrameId: "on-0001"}

	first, err := m.CreateDependency(ctx, req)
	require.NoError(t, err)
	second, err := m.CreateDependency(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Id, second.Id)
	assert.Equal(t, 1, getFrame(t, s, "er-0001").DependCount)
}

func TestCreateDependency_Errors(t *testing.T) {
	tests := map[string]struct {
		req          Request
		finishJob    bool
		expectedKind spindleerrors.Kind
	}{
		"unknown frame": {
			req:          Request{Type: model.FrameOnFrame, ErFrameId: "er-0001", OnFrameId: "missing"},
			expectedKind: spindleerrors.NotFound,
		},
		"unknown layer": {
			req:          Request{Type: model.LayerOnLayer, ErLayerId: "missing", OnLayerId: "on"},
			expectedKind: spindleerrors.NotFound,
		},
		"missing id": {
			req:          Request{Type: model.LayerOnJob, ErLayerId: "er"},
			expectedKind: spindleerrors.InvalidArgument,
		},
		"unknown type": {
			req:          Request{Type: "FRAME_ON_EVERYTHING"},
			expectedKind: spindleerrors.InvalidArgument,
		},
		"finished job": {
			req:          Request{Type: model.LayerOnJob, ErLayerId: "er", OnJobId: "upstream"},
			finishJob:    true,
			expectedKind: spindleerrors.InvalidOperation,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			farm := testFarm(1)
			if tc.finishJob {
				farm.Jobs[1].State = model.JobFinished
			}
			m, s := newTestManager(t, farm)
			_, err := m.CreateDependency(spindlecontext.Background(), tc.req)
			assert.Equal(t, tc.expectedKind, spindleerrors.Classify(err))
			assert.Equal(t, 0, getFrame(t, s, "er-0001").DependCount)
		})
	}
}

func TestCreateDependency_OnCompleteFrame(t *testing.T) {
	farm := testFarm(1)
	farm.Frames[2].State = model.FrameSucceeded
	m, s := newTestManager(t, farm)

	d, err := m.CreateDependency(spindlecontext.Background(), Request{Type: model.FrameOnFrame, ErFrameId: "er-0001", OnFrameId: "on-0001"})
	require.NoError(t, err)
	assert.False(t, d.Active)
	assert.Equal(t, d.Id, d.Signature)
	assert.Equal(t, 0, getFrame(t, s, "er-0001").DependCount)
	assert.Equal(t, model.FrameWaiting, getFrame(t, s, "er-0001").State)
}

func TestDeactivate_ReleasesOnceAtZero(t *testing.T) {
	m, s := newTestManager(t, testFarm(1))
	ctx := spindlecontext.Background()

	a, err := m.CreateDependency(ctx, Request{Type: model.FrameOnFrame, ErFrameId: "er-0001", OnFrameId: "on-0001"})
	require.NoError(t, err)
	b, err := m.CreateDependency(ctx, Request{Type: model.FrameOnFrame, ErFrameId: "er-0001", OnFrameId: "on2-0001"})
	require.NoError(t, err)

	frame := getFrame(t, s, "er-0001")
	assert.Equal(t, 2, frame.DependCount)
	assert.Equal(t, model.FrameDepend, frame.State)
	assert.Equal(t, int64(1), frame.Version)

	require.NoError(t, deactivate(t, m, s, a.Id))
	frame = getFrame(t, s, "er-0001")
	assert.Equal(t, 1, frame.DependCount)
	assert.Equal(t, model.FrameDepend, frame.State)

	require.NoError(t, deactivate(t, m, s, b.Id))
	frame = getFrame(t, s, "er-0001")
	assert.Equal(t, 0, frame.DependCount)
	assert.Equal(t, model.FrameWaiting, frame.State)
	assert.Equal(t, int64(2), frame.Version)

	// Already inactive.
	require.NoError(t, deactivate(t, m, s, b.Id))
	frame = getFrame(t, s, "er-0001")
	assert.Equal(t, 0, frame.DependCount)
	assert.Equal(t, int64(2), frame.Version)

	satisfied := getDepend(t, s, b.Id)
	assert.False(t, satisfied.Active)
	assert.Equal(t, b.Id, satisfied.Signature)
	assert.Equal(t, testfixtures.BaseTime, satisfied.TsSatisfied)
}

func TestDeactivate_Composite(t *testing.T) {
	m, s := newTestManager(t, testFarm(2))
	d, err := m.CreateDependency(spindlecontext.Background(), Request{Type: model.FrameByFrame, ErLayerId: "er", OnLayerId: "on"})
	require.NoError(t, err)
	require.True(t, d.Composite)

	err = deactivate(t, m, s, d.Id)
	assert.Equal(t, spindleerrors.InvalidOperation, spindleerrors.Classify(err))
}

func TestSatisfy_Composite(t *testing.T) {
	m, s := newTestManager(t, testFarm(2))
	ctx := spindlecontext.Background()
	d, err := m.CreateDependency(ctx, Request{Type: model.FrameByFrame, ErLayerId: "er", OnLayerId: "on"})
	require.NoError(t, err)

	require.NoError(t, m.SatisfyDependency(ctx, d.Id))
	assert.False(t, getDepend(t, s, d.Id).Active)
	for _, id := range []string{"er-0001", "er-0002"} {
		frame := getFrame(t, s, id)
		assert.Equal(t, 0, frame.DependCount)
		assert.Equal(t, model.FrameWaiting, frame.State)
	}
}

func TestActivate(t *testing.T) {
	m, s := newTestManager(t, testFarm(1))
	ctx := spindlecontext.Background()

	d, err := m.CreateDependency(ctx, Request{Type: model.LayerOnLayer, ErLayerId: "er", OnLayerId: "on"})
	require.NoError(t, err)
	require.NoError(t, deactivate(t, m, s, d.Id))
	require.Equal(t, model.FrameWaiting, getFrame(t, s, "er-0001").State)

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		d, err := tx.GetDepend(d.Id)
		require.NoError(t, err)
		ok, err := m.Activate(ctx, tx, d)
		assert.True(t, ok)
		return err
	}))
	reactivated := getDepend(t, s, d.Id)
	assert.True(t, reactivated.Active)
	assert.Equal(t, reactivated.ContentSignature(), reactivated.Signature)
	frame := getFrame(t, s, "er-0001")
	assert.Equal(t, 1, frame.DependCount)
	assert.Equal(t, model.FrameDepend, frame.State)

	jobDepend, err := m.CreateDependency(ctx, Request{Type: model.JobOnJob, ErJobId: "downstream", OnJobId: "upstream"})
	require.NoError(t, err)
	require.NoError(t, deactivate(t, m, s, jobDepend.Id))
	err = s.WithTx(ctx, func(tx store.Tx) error {
		d, err := tx.GetDepend(jobDepend.Id)
		require.NoError(t, err)
		_, err = m.Activate(ctx, tx, d)
		return err
	})
	assert.Equal(t, spindleerrors.InvalidOperation, spindleerrors.Classify(err))
}

func TestFrameByFrame(t *testing.T) {
	m, s := newTestManager(t, testFarm(3))
	ctx := spindlecontext.Background()
	parent, err := m.CreateDependency(ctx, Request{Type: model.FrameByFrame, ErLayerId: "er", OnLayerId: "on"})
	require.NoError(t, err)

	var children []*model.Depend
	require.NoError(t, s.ReadTx(ctx, func(tx store.ReadTx) error {
		children, err = tx.Depends(store.DependQuery{ParentId: parent.Id})
		return err
	}))
	require.Len(t, children, 3)
	pairs := map[string]string{}
	for _, child := range children {
		assert.Equal(t, model.FrameOnFrame, child.Type)
		pairs[child.ErFrameId] = child.OnFrameId
	}
	assert.Equal(t, map[string]string{"er-0001": "on-0001", "er-0002": "on-0002", "er-0003": "on-0003"}, pairs)

	completeFrame(t, m, s, "on-0002")
	assert.Equal(t, model.FrameWaiting, getFrame(t, s, "er-0002").State)
	assert.Equal(t, model.FrameDepend, getFrame(t, s, "er-0001").State)
	assert.True(t, getDepend(t, s, parent.Id).Active)

	completeFrame(t, m, s, "on-0001")
	completeFrame(t, m, s, "on-0003")
	assert.False(t, getDepend(t, s, parent.Id).Active, "the parent retires with its last child")
}

func TestFrameByFrame_OnCompleteLayer(t *testing.T) {
	farm := testFarm(2)
	for _, frame := range farm.Frames {
		if frame.LayerId == "on" {
			frame.State = model.FrameSucceeded
		}
	}
	m, s := newTestManager(t, farm)

	parent, err := m.CreateDependency(spindlecontext.Background(), Request{Type: model.FrameByFrame, ErLayerId: "er", OnLayerId: "on"})
	require.NoError(t, err)
	assert.True(t, parent.Composite)
	assert.False(t, parent.Active)
	assert.False(t, getDepend(t, s, parent.Id).Active)
	assert.Equal(t, 0, getFrame(t, s, "er-0001").DependCount)
	assert.Equal(t, 0, getFrame(t, s, "er-0002").DependCount)
}

func TestFrameByFrame_SingleChunkDegrades(t *testing.T) {
	farm := testFarm(1)
	farm.Layers[2].ChunkSize = 10
	m, _ := newTestManager(t, farm)
	d, err := m.CreateDependency(spindlecontext.Background(), Request{Type: model.FrameByFrame, ErLayerId: "er", OnLayerId: "on"})
	require.NoError(t, err)
	assert.Equal(t, model.LayerOnLayer, d.Type)
	assert.False(t, d.Composite)
}

func TestPreviousFrame(t *testing.T) {
	m, s := newTestManager(t, testFarm(3))
	ctx := spindlecontext.Background()
	_, err := m.CreateDependency(ctx, Request{Type: model.PreviousFrame, ErLayerId: "er", OnLayerId: "er2"})
	require.NoError(t, err)

	assert.Equal(t, 0, getFrame(t, s, "er-0001").DependCount)
	assert.Equal(t, 1, getFrame(t, s, "er-0002").DependCount)
	assert.Equal(t, 1, getFrame(t, s, "er-0003").DependCount)

	completeFrame(t, m, s, "er2-0001")
	assert.Equal(t, model.FrameWaiting, getFrame(t, s, "er-0002").State)
	assert.Equal(t, model.FrameDepend, getFrame(t, s, "er-0003").State)
}

func TestChunkPairs(t *testing.T) {
	frames := func(layer string, numbers ...int) []*model.Frame {
		result := make([]*model.Frame, len(numbers))
		for i, n := range numbers {
			result[i] = &model.Frame{Id: layer + "-" + string(rune('0'+n)), Number: n}
		}
		return result
	}
	tests := map[string]struct {
		er       []*model.Frame
		on       []*model.Frame
		erChunk  int
		onChunk  int
		expected map[string][]string
	}{
		"same chunk": {
			er: frames("er", 1, 2, 3), on: frames("on", 1, 2, 3), erChunk: 1, onChunk: 1,
			expected: map[string][]string{"er-1": {"on-1"}, "er-2": {"on-2"}, "er-3": {"on-3"}},
		},
		"larger depend-on chunks": {
			er: frames("er", 1, 2, 3, 4), on: frames("on", 1, 3), erChunk: 1, onChunk: 2,
			expected: map[string][]string{"er-1": {"on-1"}, "er-2": {"on-1"}, "er-3": {"on-3"}, "er-4": {"on-3"}},
		},
		"larger depend-er chunks": {
			er: frames("er", 1, 3), on: frames("on", 1, 2, 3, 4), erChunk: 2, onChunk: 1,
			expected: map[string][]string{"er-1": {"on-1", "on-2"}, "er-3": {"on-3", "on-4"}},
		},
		"depend-er starts earlier": {
			er: frames("er", 1, 2), on: frames("on", 2), erChunk: 1, onChunk: 2,
			expected: map[string][]string{"er-2": {"on-2"}},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			actual := map[string][]string{}
			for _, pair := range chunkPairs(tc.er, tc.on, tc.erChunk, tc.onChunk) {
				actual[pair.er.Id] = append(actual[pair.er.Id], pair.on.Id)
			}
			assert.Equal(t, tc.expected, actual)
		})
	}
}

func TestSatisfyWhatDependsOn(t *testing.T) {
	m, s := newTestManager(t, testFarm(2))
	ctx := spindlecontext.Background()

	allFrames, err := m.CreateDependency(ctx, Request{Type: model.LayerOnLayer, ErLayerId: "er", OnLayerId: "on"})
	require.NoError(t, err)
	anyFrame, err := m.CreateDependency(ctx, Request{Type: model.FrameOnLayer, ErFrameId: "er2-0001", OnLayerId: "on", Any: true})
	require.NoError(t, err)
	onJob, err := m.CreateDependency(ctx, Request{Type: model.FrameOnJob, ErFrameId: "er2-0002", OnJobId: "upstream"})
	require.NoError(t, err)

	completeFrame(t, m, s, "on-0001")
	assert.False(t, getDepend(t, s, anyFrame.Id).Active, "any frame edges resolve on the first completion")
	assert.True(t, getDepend(t, s, allFrames.Id).Active)
	assert.Equal(t, model.FrameWaiting, getFrame(t, s, "er2-0001").State)
	assert.Equal(t, model.FrameDepend, getFrame(t, s, "er-0001").State)

	completeFrame(t, m, s, "on-0002")
	assert.False(t, getDepend(t, s, allFrames.Id).Active)
	assert.Equal(t, model.FrameWaiting, getFrame(t, s, "er-0001").State)
	assert.Equal(t, model.FrameWaiting, getFrame(t, s, "er-0002").State)
	assert.True(t, getDepend(t, s, onJob.Id).Active, "the upstream job still has a layer to run")

	completeFrame(t, m, s, "on2-0001")
	completeFrame(t, m, s, "on2-0002")
	assert.False(t, getDepend(t, s, onJob.Id).Active)
	assert.Equal(t, model.FrameWaiting, getFrame(t, s, "er2-0002").State)
	require.NoError(t, s.ReadTx(ctx, func(tx store.ReadTx) error {
		job, err := tx.GetJob("upstream")
		require.NoError(t, err)
		assert.Equal(t, model.JobFinished, job.State)
		return nil
	}))
}

func TestResolveDependents(t *testing.T) {
	m, s := newTestManager(t, testFarm(1))
	ctx := spindlecontext.Background()
	internal, err := m.CreateDependency(ctx, Request{Type: model.JobOnJob, ErJobId: "upstream", OnJobId: "upstream"})
	require.NoError(t, err)
	external, err := m.CreateDependency(ctx, Request{Type: model.JobOnJob, ErJobId: "downstream", OnJobId: "upstream"})
	require.NoError(t, err)
	_, err = m.CreateDependency(ctx, Request{Type: model.JobOnLayer, ErJobId: "downstream", OnLayerId: "on"})
	require.NoError(t, err)

	tests := map[string]struct {
		target   model.DependTarget
		expected []string
	}{
		"internal": {target: model.TargetInternal, expected: []string{internal.Id}},
		"external": {target: model.TargetExternal, expected: []string{external.Id}},
		"any":      {target: model.TargetAny, expected: []string{internal.Id, external.Id}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.ReadTx(ctx, func(tx store.ReadTx) error {
				depends, err := ResolveDependents(tx, model.JobEntity, "upstream", tc.target)
				require.NoError(t, err)
				ids := make([]string, len(depends))
				for i, d := range depends {
					ids[i] = d.Id
				}
				assert.ElementsMatch(t, tc.expected, ids)
				return nil
			}))
		})
	}
}

func TestRecountBlocking(t *testing.T) {
	m, s := newTestManager(t, testFarm(1))
	ctx := spindlecontext.Background()
	_, err := m.CreateDependency(ctx, Request{Type: model.JobOnJob, ErJobId: "downstream", OnJobId: "upstream"})
	require.NoError(t, err)
	_, err = m.CreateDependency(ctx, Request{Type: model.FrameOnFrame, ErFrameId: "er-0001", OnFrameId: "on-0001"})
	require.NoError(t, err)

	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.SetDependCount("er-0001", 7))
		count, err := m.RecountBlocking(ctx, tx, "er-0001")
		assert.Equal(t, 2, count)
		return err
	}))
	assert.Equal(t, 2, getFrame(t, s, "er-0001").DependCount)
}
