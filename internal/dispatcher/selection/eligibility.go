package selection

import (
	"github.com/spindle-render/spindle/internal/common/spindleerrors"
	"github.com/spindle-render/spindle/internal/dispatcher/model"
	"github.com/spindle-render/spindle/internal/dispatcher/store"
)

// Capacity is the room a frame has to fit into: the idle part of a host, a host partition, or a proc being reused.
type Capacity struct {
	Cores      int
	Memory     int64
	Gpus       int
	GpuMemory  int64
	Tags       string
	Os         []string
	ThreadMode model.ThreadMode
	// Partition capacity is assigned to one job up front. Only memory and one whole idle core are checked.
	Local bool
	// Capacity already counted against the job, its folder and its subscription.
	Reserved bool
}

func HostCapacity(host *model.Host) Capacity {
	return Capacity{
		Cores:      host.IdleCores,
		Memory:     host.IdleMemory,
		Gpus:       host.IdleGpus,
		GpuMemory:  host.IdleGpuMemory,
		Tags:       host.TagString(),
		Os:         host.Os,
		ThreadMode: host.ThreadMode,
	}
}

func LocalCapacity(local *model.HostLocal) Capacity {
	return Capacity{
		Cores:     local.IdleCores,
		Memory:    local.IdleMemory,
		Gpus:      local.IdleGpus,
		GpuMemory: local.IdleGpuMemory,
		Local:     true,
	}
}

// ProcCapacity is what a proc already holds on host, for finding its next frame.
func ProcCapacity(proc *model.Proc, host *model.Host) Capacity {
	return Capacity{
		Cores:      proc.Cores,
		Memory:     proc.Memory,
		Gpus:       proc.Gpus,
		GpuMemory:  proc.GpuMemory,
		Tags:       host.TagString(),
		Os:         host.Os,
		ThreadMode: host.ThreadMode,
		Local:      proc.Local,
		Reserved:   true,
	}
}

func (c Capacity) supportsOs(os string) bool {
	if c.Local {
		return true
	}
	h := model.Host{Os: c.Os}
	return h.SupportsOs(os)
}

// evaluator decides eligibility for one capacity within one read transaction. Limit slots handed out by frames
// are remembered so a batch never overfills a limit.
type evaluator struct {
	tx             store.ReadTx
	tags           *tagMatcher
	capacity       Capacity
	excludeUtility bool
	// Set for global bookings; frames must fit under its burst.
	subscription *model.Subscription

	folders   map[string]*model.Folder
	layers    map[string][]*model.Layer
	limitRoom map[string]int
}

func newEvaluator(tx store.ReadTx, tags *tagMatcher, capacity Capacity) *evaluator {
	return &evaluator{
		tx:        tx,
		tags:      tags,
		capacity:  capacity,
		folders:   map[string]*model.Folder{},
		layers:    map[string][]*model.Layer{},
		limitRoom: map[string]int{},
	}
}

func underCeiling(running, add, max int) bool {
	return max < 0 || running+add <= max
}

// layerFits checks the layer's resource floor, thread mode and tags against the capacity.
func (e *evaluator) layerFits(layer *model.Layer) bool {
	c := e.capacity
	if e.excludeUtility && layer.IsUtility() {
		return false
	}
	if layer.MinMemory > c.Memory || layer.MinGpuMemory > c.GpuMemory {
		return false
	}
	if c.Local {
		return c.Cores >= model.CoreUnitsPerCore
	}
	if layer.MinCores > c.Cores || layer.MinGpus > c.Gpus {
		return false
	}
	if c.ThreadMode == model.ThreadModeAll && !layer.Threadable {
		return false
	}
	return e.tags.Matches(layer.Tags, c.Tags)
}

// underCeilings checks that running a frame of layer keeps the job, its folder and the show's subscription within
// their caps. Partition bookings are not counted against any of them.
func (e *evaluator) underCeilings(job *model.Job, layer *model.Layer) (bool, error) {
	if e.capacity.Local || e.capacity.Reserved {
		return true, nil
	}
	if !underCeiling(job.Cores, layer.MinCores, job.MaxCores) {
		return false, nil
	}
	if layer.MinGpus > 0 && !underCeiling(job.Gpus, layer.MinGpus, job.MaxGpus) {
		return false, nil
	}
	if e.subscription != nil && e.subscription.Cores+layer.MinCores > e.subscription.Burst {
		return false, nil
	}
	folder, err := e.folder(job.FolderId)
	if err != nil {
		return false, err
	}
	if folder == nil {
		return true, nil
	}
	if !underCeiling(folder.Cores, layer.MinCores, folder.MaxCores) {
		return false, nil
	}
	return layer.MinGpus == 0 || underCeiling(folder.Gpus, layer.MinGpus, folder.MaxGpus), nil
}

func (e *evaluator) folder(id string) (*model.Folder, error) {
	if id == "" {
		return nil, nil
	}
	if folder, ok := e.folders[id]; ok {
		return folder, nil
	}
	folder, err := e.tx.GetFolder(id)
	if err != nil {
		return nil, err
	}
	e.folders[id] = folder
	return folder, nil
}

// underLimits returns true if every limit of the layer has a free slot.
func (e *evaluator) underLimits(layer *model.Layer) (bool, error) {
	for _, limitId := range layer.LimitIds {
		room, ok := e.limitRoom[limitId]
		if !ok {
			limit, err := e.tx.GetLimit(limitId)
			if spindleerrors.IsNotFound(err) {
				continue
			}
			if err != nil {
				return false, err
			}
			running, err := e.tx.LimitRunning(limitId)
			if err != nil {
				return false, err
			}
			room = limit.MaxValue - running
			e.limitRoom[limitId] = room
		}
		if room <= 0 {
			return false, nil
		}
	}
	return true, nil
}

func (e *evaluator) claimLimits(layer *model.Layer) {
	for _, limitId := range layer.LimitIds {
		e.limitRoom[limitId]--
	}
}

// layerEligible returns true if a frame of layer may run in the capacity right now.
func (e *evaluator) layerEligible(job *model.Job, layer *model.Layer) (bool, error) {
	if !e.layerFits(layer) {
		return false, nil
	}
	ok, err := e.underCeilings(job, layer)
	if err != nil || !ok {
		return false, err
	}
	return e.underLimits(layer)
}

func (e *evaluator) jobLayers(jobId string) ([]*model.Layer, error) {
	if layers, ok := e.layers[jobId]; ok {
		return layers, nil
	}
	layers, err := e.tx.Layers(jobId)
	if err != nil {
		return nil, err
	}
	e.layers[jobId] = layers
	return layers, nil
}

// jobEligible returns true if the job is dispatchable and at least one of its eligible layers has an unbound
// WAITING frame.
func (e *evaluator) jobEligible(job *model.Job) (bool, error) {
	if job.State != model.JobPending || job.Paused || !e.capacity.supportsOs(job.Os) {
		return false, nil
	}
	layers, err := e.jobLayers(job.Id)
	if err != nil {
		return false, err
	}
	for _, layer := range layers {
		ok, err := e.layerEligible(job, layer)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		frames, err := e.tx.Frames(store.FrameQuery{
			LayerId: layer.Id,
			States:  []model.FrameState{model.FrameWaiting},
			Unbound: true,
			Limit:   1,
		})
		if err != nil {
			return false, err
		}
		if len(frames) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// frames returns up to limit unbound WAITING frames of job that fit, in dispatch order.
func (e *evaluator) frames(job *model.Job, limit int) ([]*model.Frame, error) {
	layers, err := e.jobLayers(job.Id)
	if err != nil {
		return nil, err
	}
	byId := make(map[string]*model.Layer, len(layers))
	for _, layer := range layers {
		byId[layer.Id] = layer
	}
	candidates, err := e.tx.Frames(store.FrameQuery{
		JobId:   job.Id,
		States:  []model.FrameState{model.FrameWaiting},
		Unbound: true,
	})
	if err != nil {
		return nil, err
	}
	var result []*model.Frame
	for _, frame := range candidates {
		if len(result) >= limit {
			break
		}
		layer, ok := byId[frame.LayerId]
		if !ok || frame.DependCount > 0 {
			continue
		}
		eligible, err := e.layerEligible(job, layer)
		if err != nil {
			return nil, err
		}
		if !eligible {
			continue
		}
		e.claimLimits(layer)
		result = append(result, frame)
	}
	return result, nil
}
