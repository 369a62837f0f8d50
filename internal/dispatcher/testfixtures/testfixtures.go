package testfixtures

// This file contains test fixtures to be used throughout the tests of the dispatcher packages.
import (
	"fmt"
	"time"

	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/spindle-render/spindle/internal/common/spindlecontext"
	"github.com/spindle-render/spindle/internal/dispatcher/model"
	"github.com/spindle-render/spindle/internal/dispatcher/store"
	"github.com/spindle-render/spindle/internal/dispatcher/store/memdb"
)

const (
	TestShow     = "testShow"
	TestAlloc    = "testAlloc"
	TestFacility = "testFacility"
	TestDept     = "testDept"
	TestFolder   = "testFolder"
	TestPoint    = "testPoint"
	TestSub      = "testSub"

	// Memory amounts are in KB.
	MB int64 = 1024
	GB int64 = 1024 * MB
)

var BaseTime, _ = time.Parse("2006-01-02T15:04:05.000Z", "2022-03-01T15:04:05.000Z")

// NewClock returns a fake clock set to BaseTime.
func NewClock() *clocktesting.FakeClock {
	return clocktesting.NewFakeClock(BaseTime)
}

var _ clock.Clock = NewClock()

// Farm is a set of rows to seed a store with. Rows are written in dependency order.
type Farm struct {
	Hosts         []*model.Host
	HostLocals    []*model.HostLocal
	Subscriptions []*model.Subscription
	Folders       []*model.Folder
	Points        []*model.Point
	Limits        []*model.Limit
	Jobs          []*model.Job
	Layers        []*model.Layer
	Frames        []*model.Frame
}

// DefaultFarm returns a show with one subscription, folder and point, and no hosts or jobs.
func DefaultFarm() *Farm {
	return &Farm{
		Subscriptions: []*model.Subscription{Subscription(TestSub, 1000, 2000)},
		Folders:       []*model.Folder{{Id: TestFolder, ShowId: TestShow, DeptId: TestDept, MaxCores: -1, MaxGpus: -1}},
		Points:        []*model.Point{{Id: TestPoint, ShowId: TestShow, DeptId: TestDept}},
	}
}

func (f *Farm) WithHosts(hosts ...*model.Host) *Farm {
	f.Hosts = append(f.Hosts, hosts...)
	return f
}

func (f *Farm) WithLimits(limits ...*model.Limit) *Farm {
	f.Limits = append(f.Limits, limits...)
	return f
}

func (f *Farm) WithJobs(jobs ...*model.Job) *Farm {
	f.Jobs = append(f.Jobs, jobs...)
	return f
}

func (f *Farm) WithLayers(layers ...*model.Layer) *Farm {
	f.Layers = append(f.Layers, layers...)
	return f
}

func (f *Farm) WithFrames(frames ...*model.Frame) *Farm {
	f.Frames = append(f.Frames, frames...)
	return f
}

func (f *Farm) Seed(tx store.Tx) error {
	for _, h := range f.Hosts {
		if err := tx.PutHost(h); err != nil {
			return err
		}
	}
	for _, h := range f.HostLocals {
		if err := tx.PutHostLocal(h); err != nil {
			return err
		}
	}
	for _, s := range f.Subscriptions {
		if err := tx.PutSubscription(s); err != nil {
			return err
		}
	}
	for _, folder := range f.Folders {
		if err := tx.PutFolder(folder); err != nil {
			return err
		}
	}
	for _, p := range f.Points {
		if err := tx.PutPoint(p); err != nil {
			return err
		}
	}
	for _, l := range f.Limits {
		if err := tx.PutLimit(l); err != nil {
			return err
		}
	}
	for _, j := range f.Jobs {
		if err := tx.PutJob(j); err != nil {
			return err
		}
	}
	for _, l := range f.Layers {
		if err := tx.PutLayer(l); err != nil {
			return err
		}
	}
	for _, frame := range f.Frames {
		if err := tx.PutFrame(frame); err != nil {
			return err
		}
	}
	return nil
}

// NewMemStore returns an in-memory store seeded with farm.
func NewMemStore(farm *Farm) (*memdb.Store, error) {
	s, err := memdb.New()
	if err != nil {
		return nil, err
	}
	if farm == nil {
		return s, nil
	}
	return s, s.WithTx(spindlecontext.Background(), farm.Seed)
}

func Host(id string, cores int, memory int64, tags ...string) *model.Host {
	return &model.Host{
		Id:         id,
		Name:       id,
		AllocId:    TestAlloc,
		FacilityId: TestFacility,
		State:      model.HostUp,
		LockState:  model.LockOpen,
		Tags:       tags,
		Os:         []string{"linux"},
		Cores:      cores,
		IdleCores:  cores,
		Memory:     memory,
		IdleMemory: memory,
	}
}

func Subscription(id string, size, burst int) *model.Subscription {
	return &model.Subscription{Id: id, ShowId: TestShow, AllocId: TestAlloc, Size: size, Burst: burst}
}

func Limit(id string, max int) *model.Limit {
	return &model.Limit{Id: id, Name: id, MaxValue: max}
}

func Job(id string, priority int) *model.Job {
	return &model.Job{
		Id:         id,
		Name:       id,
		ShowId:     TestShow,
		FacilityId: TestFacility,
		DeptId:     TestDept,
		FolderId:   TestFolder,
		PointId:    TestPoint,
		State:      model.JobPending,
		Priority:   priority,
		MaxCores:   100000,
		MaxGpus:    100,
		MaxRetries: 3,
		TsStarted:  BaseTime,
	}
}

func Layer(jobId, id string, minCores int, minMemory int64, tags string) *model.Layer {
	return &model.Layer{
		Id:        id,
		JobId:     jobId,
		Name:      id,
		Type:      model.LayerRender,
		MinCores:  minCores,
		MinMemory: minMemory,
		Tags:      tags,
		ChunkSize: 1,
	}
}

// Frames returns n frames of layer numbered from 1, all in state.
func Frames(layer *model.Layer, n int, state model.FrameState) []*model.Frame {
	frames := make([]*model.Frame, n)
	for i := range frames {
		number := i + 1
		frames[i] = &model.Frame{
			Id:              fmt.Sprintf("%s-%04d", layer.Id, number),
			JobId:           layer.JobId,
			LayerId:         layer.Id,
			Name:            fmt.Sprintf("%04d-%s", number, layer.Name),
			Number:          number,
			State:           state,
			ExitStatus:      model.ExitStatusUnknown,
			DispatchOrder:   i,
			LayerOrder:      layer.DispatchOrder,
			CheckpointState: model.CheckpointDisabled,
			TsUpdated:       BaseTime,
		}
	}
	return frames
}
