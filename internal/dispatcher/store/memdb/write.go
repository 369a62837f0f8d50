package memdb

import (
	"time"

	"github.com/pkg/errors"

	"github.com/spindle-render/spindle/internal/common/spindleerrors"
	"github.com/spindle-render/spindle/internal/dispatcher/model"
	"github.com/spindle-render/spindle/internal/dispatcher/store"
)

type tx struct {
	readTx
}

func (t *tx) insert(table string, obj interface{}) error {
	return errors.WithStack(t.txn.Insert(table, obj))
}

func (t *tx) LockHost(id string) error {
	host, err := first[model.Host](t.txn, hostsTable, idIndex, id)
	if err != nil {
		return err
	}
	if host == nil {
		return &spindleerrors.ErrNotFound{Type: "host", Value: id}
	}
	return nil
}

func (t *tx) LockFrame(id string, state model.FrameState, version int64) error {
	frame, err := first[model.Frame](t.txn, framesTable, idIndex, id)
	if err != nil {
		return err
	}
	if frame == nil || frame.State != state || frame.Version != version {
		return &spindleerrors.ErrFrameReservation{FrameId: id}
	}
	return nil
}

func (t *tx) InsertProc(proc *model.Proc) error {
	bound, err := first[model.Proc](t.txn, procsTable, frameIndex, proc.FrameId)
	if err != nil {
		return err
	}
	if bound != nil {
		return &spindleerrors.ErrResourceDuplication{FrameId: proc.FrameId, ProcId: bound.Id}
	}
	existing, err := first[model.Proc](t.txn, procsTable, idIndex, proc.Id)
	if err != nil {
		return err
	}
	if existing != nil {
		return &spindleerrors.ErrAlreadyExists{Type: "proc", Value: proc.Id}
	}
	return t.insert(procsTable, proc.DeepCopy())
}

func (t *tx) DeleteProc(id string) (bool, error) {
	proc, err := first[model.Proc](t.txn, procsTable, idIndex, id)
	if err != nil || proc == nil {
		return false, err
	}
	if err := t.txn.Delete(procsTable, proc); err != nil {
		return false, errors.WithStack(err)
	}
	return true, nil
}

// updateProc applies fn to a copy of the proc and stores it if fn returns true.
func (t *tx) updateProc(id string, fn func(proc *model.Proc) bool) (bool, error) {
	stored, err := first[model.Proc](t.txn, procsTable, idIndex, id)
	if err != nil || stored == nil {
		return false, err
	}
	proc := stored.DeepCopy()
	if !fn(proc) {
		return false, nil
	}
	return true, t.insert(procsTable, proc)
}

func (t *tx) UpdateProcFrame(procId, layerId, frameId string) (bool, error) {
	bound, err := first[model.Proc](t.txn, procsTable, frameIndex, frameId)
	if err != nil {
		return false, err
	}
	if bound != nil && bound.Id != procId {
		return false, &spindleerrors.ErrResourceDuplication{FrameId: frameId, ProcId: bound.Id}
	}
	return t.updateProc(procId, func(proc *model.Proc) bool {
		proc.LayerId = layerId
		proc.FrameId = frameId
		return true
	})
}

func (t *tx) UpdateProcMemory(procId string, memory int64) (bool, error) {
	return t.updateProc(procId, func(proc *model.Proc) bool {
		if memory <= proc.Memory {
			return false
		}
		proc.Memory = memory
		return true
	})
}

func (t *tx) UpdateProcUsage(procId string, used, maxUsed int64, ping time.Time) (bool, error) {
	return t.updateProc(procId, func(proc *model.Proc) bool {
		proc.UsedMemory = used
		if maxUsed > proc.MaxUsedMemory {
			proc.MaxUsedMemory = maxUsed
		}
		proc.TsPing = ping
		return true
	})
}

func (t *tx) AdjustCounters(deltas ...store.CounterDelta) error {
	for _, delta := range deltas {
		if delta.Key == "" {
			continue
		}
		if err := t.adjustCounter(delta); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) adjustCounter(d store.CounterDelta) error {
	reservationError := &spindleerrors.ErrResourceReservation{Resource: d.Kind.String(), Value: d.Key}
	switch d.Kind {
	case store.HostIdle:
		host, err := t.GetHost(d.Key)
		if err != nil {
			return err
		}
		host.IdleCores += d.Cores
		host.IdleMemory += d.Memory
		host.IdleGpus += d.Gpus
		host.IdleGpuMemory += d.GpuMemory
		if host.IdleCores < 0 || host.IdleMemory < 0 || host.IdleGpus < 0 || host.IdleGpuMemory < 0 {
			return reservationError
		}
		return t.insert(hostsTable, host)
	case store.HostLocalIdle:
		local, err := t.GetHostLocal(d.Key)
		if err != nil {
			return err
		}
		local.IdleCores += d.Cores
		local.IdleMemory += d.Memory
		local.IdleGpus += d.Gpus
		local.IdleGpuMemory += d.GpuMemory
		if local.IdleCores < 0 || local.IdleMemory < 0 || local.IdleGpus < 0 || local.IdleGpuMemory < 0 {
			return reservationError
		}
		return t.insert(hostLocalsTable, local)
	case store.SubscriptionRunning:
		sub, err := t.GetSubscription(d.Key)
		if err != nil {
			return err
		}
		if d.Cores > 0 && sub.Cores+d.Cores > sub.Burst {
			return reservationError
		}
		sub.Cores += d.Cores
		sub.Gpus += d.Gpus
		return t.insert(subscriptionsTable, sub)
	case store.JobRunning:
		job, err := t.GetJob(d.Key)
		if err != nil {
			return err
		}
		job.Cores += d.Cores
		job.Gpus += d.Gpus
		return t.insert(jobsTable, job)
	case store.JobLocalRunning:
		job, err := t.GetJob(d.Key)
		if err != nil {
			return err
		}
		job.LocalCores += d.Cores
		job.LocalGpus += d.Gpus
		return t.insert(jobsTable, job)
	case store.FolderRunning:
		folder, err := t.GetFolder(d.Key)
		if err != nil {
			return err
		}
		folder.Cores += d.Cores
		folder.Gpus += d.Gpus
		return t.insert(foldersTable, folder)
	case store.PointRunning:
		point, err := t.GetPoint(d.Key)
		if err != nil {
			return err
		}
		point.Cores += d.Cores
		point.Gpus += d.Gpus
		return t.insert(pointsTable, point)
	case store.LayerRunning:
		layer, err := t.GetLayer(d.Key)
		if err != nil {
			return err
		}
		layer.Cores += d.Cores
		layer.Gpus += d.Gpus
		return t.insert(layersTable, layer)
	}
	return errors.Errorf("unknown counter kind %d", d.Kind)
}

func (t *tx) UpdateFrame(cond store.FrameCondition, frame *model.Frame) (bool, error) {
	stored, err := first[model.Frame](t.txn, framesTable, idIndex, cond.Id)
	if err != nil || stored == nil {
		return false, err
	}
	if stored.State != cond.State || stored.Version != cond.Version {
		return false, nil
	}
	if cond.DependCountZero && stored.DependCount != 0 {
		return false, nil
	}
	if cond.UnderLimit {
		under, err := t.underLimits(stored.LayerId)
		if err != nil || !under {
			return false, err
		}
	}
	updated := *frame
	updated.Id = stored.Id
	updated.JobId = stored.JobId
	updated.LayerId = stored.LayerId
	updated.Name = stored.Name
	updated.Number = stored.Number
	updated.DispatchOrder = stored.DispatchOrder
	updated.LayerOrder = stored.LayerOrder
	updated.DependCount = stored.DependCount
	updated.Version = stored.Version + 1
	if err := t.insert(framesTable, &updated); err != nil {
		return false, err
	}
	frame.Version = updated.Version
	frame.DependCount = updated.DependCount
	return true, nil
}

func (t *tx) underLimits(layerId string) (bool, error) {
	layer, err := first[model.Layer](t.txn, layersTable, idIndex, layerId)
	if err != nil || layer == nil {
		return false, err
	}
	for _, limitId := range layer.LimitIds {
		limit, err := first[model.Limit](t.txn, limitsTable, idIndex, limitId)
		if err != nil {
			return false, err
		}
		if limit == nil {
			continue
		}
		running, err := t.LimitRunning(limitId)
		if err != nil {
			return false, err
		}
		if running >= limit.MaxValue {
			return false, nil
		}
	}
	return true, nil
}

func (t *tx) AdjustDependCount(frameId string, delta int) (int, error) {
	frame, err := t.GetFrame(frameId)
	if err != nil {
		return 0, err
	}
	frame.DependCount += delta
	if frame.DependCount < 0 {
		frame.DependCount = 0
	}
	return frame.DependCount, t.insert(framesTable, frame)
}

func (t *tx) SetDependCount(frameId string, count int) error {
	frame, err := t.GetFrame(frameId)
	if err != nil {
		return err
	}
	if count < 0 {
		count = 0
	}
	frame.DependCount = count
	return t.insert(framesTable, frame)
}

func (t *tx) UpdateLayerMemory(layerId string, minMemory int64) error {
	layer, err := t.GetLayer(layerId)
	if err != nil {
		return err
	}
	layer.MinMemory = minMemory
	return t.insert(layersTable, layer)
}

func (t *tx) UpdateJobState(jobId string, from, to model.JobState) (bool, error) {
	job, err := t.GetJob(jobId)
	if err != nil {
		return false, err
	}
	if job.State != from {
		return false, nil
	}
	job.State = to
	return true, t.insert(jobsTable, job)
}

// signatureTaken returns true if a depend other than id holds signature.
func (t *tx) signatureTaken(signature, id string) (bool, error) {
	holder, err := first[model.Depend](t.txn, dependsTable, signatureIndex, signature)
	if err != nil {
		return false, err
	}
	return holder != nil && holder.Id != id, nil
}

func (t *tx) InsertDepend(depend *model.Depend) error {
	existing, err := first[model.Depend](t.txn, dependsTable, idIndex, depend.Id)
	if err != nil {
		return err
	}
	if existing != nil {
		return &spindleerrors.ErrAlreadyExists{Type: "depend", Value: depend.Id}
	}
	taken, err := t.signatureTaken(depend.Signature, depend.Id)
	if err != nil {
		return err
	}
	if taken {
		return &spindleerrors.ErrAlreadyExists{Type: "depend", Value: depend.Signature}
	}
	return t.insert(dependsTable, depend.DeepCopy())
}

func (t *tx) UpdateDepend(cond store.DependCondition, depend *model.Depend) (bool, error) {
	stored, err := first[model.Depend](t.txn, dependsTable, idIndex, cond.Id)
	if err != nil || stored == nil {
		return false, err
	}
	if stored.Active != cond.Active {
		return false, nil
	}
	taken, err := t.signatureTaken(depend.Signature, cond.Id)
	if err != nil {
		return false, err
	}
	if taken {
		return false, &spindleerrors.ErrAlreadyExists{Type: "depend", Value: depend.Signature}
	}
	updated := *stored
	updated.Active = depend.Active
	updated.Signature = depend.Signature
	updated.TsSatisfied = depend.TsSatisfied
	return true, t.insert(dependsTable, &updated)
}

func (t *tx) PutHost(host *model.Host) error {
	return t.insert(hostsTable, host.DeepCopy())
}

func (t *tx) PutHostLocal(hostLocal *model.HostLocal) error {
	c := *hostLocal
	return t.insert(hostLocalsTable, &c)
}

func (t *tx) PutSubscription(subscription *model.Subscription) error {
	c := *subscription
	return t.insert(subscriptionsTable, &c)
}

func (t *tx) PutFolder(folder *model.Folder) error {
	c := *folder
	return t.insert(foldersTable, &c)
}

func (t *tx) PutPoint(point *model.Point) error {
	c := *point
	return t.insert(pointsTable, &c)
}

func (t *tx) PutLimit(limit *model.Limit) error {
	c := *limit
	return t.insert(limitsTable, &c)
}

func (t *tx) PutJob(job *model.Job) error {
	c := *job
	return t.insert(jobsTable, &c)
}

func (t *tx) PutLayer(layer *model.Layer) error {
	return t.insert(layersTable, layer.DeepCopy())
}

func (t *tx) PutFrame(frame *model.Frame) error {
	return t.insert(framesTable, frame.DeepCopy())
}
