package memdb

import (
	"sort"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/spindle-render/spindle/internal/common/spindleerrors"
	"github.com/spindle-render/spindle/internal/dispatcher/model"
	"github.com/spindle-render/spindle/internal/dispatcher/store"
)

type readTx struct {
	txn *memdb.Txn
}

// first returns the stored object, or nil. Stored objects must never be modified.
func first[T any](txn *memdb.Txn, table, index string, args ...interface{}) (*T, error) {
	raw, err := txn.First(table, index, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if raw == nil {
		return nil, nil
	}
	return raw.(*T), nil
}

// get returns a copy of the row with the given id.
func get[T any](txn *memdb.Txn, table, kind, id string) (*T, error) {
	stored, err := first[T](txn, table, idIndex, id)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, &spindleerrors.ErrNotFound{Type: kind, Value: id}
	}
	c := *stored
	return &c, nil
}

// list returns copies of every row matching the index lookup.
func list[T any](txn *memdb.Txn, table, index string, args ...interface{}) ([]*T, error) {
	iter, err := txn.Get(table, index, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	result := make([]*T, 0)
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		c := *(obj.(*T))
		result = append(result, &c)
	}
	return result, nil
}

func (r *readTx) GetHost(id string) (*model.Host, error) {
	stored, err := first[model.Host](r.txn, hostsTable, idIndex, id)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, &spindleerrors.ErrNotFound{Type: "host", Value: id}
	}
	return stored.DeepCopy(), nil
}

func (r *readTx) GetHostLocal(id string) (*model.HostLocal, error) {
	return get[model.HostLocal](r.txn, hostLocalsTable, "host local", id)
}

func (r *readTx) GetJob(id string) (*model.Job, error) {
	return get[model.Job](r.txn, jobsTable, "job", id)
}

func (r *readTx) GetLayer(id string) (*model.Layer, error) {
	stored, err := first[model.Layer](r.txn, layersTable, idIndex, id)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, &spindleerrors.ErrNotFound{Type: "layer", Value: id}
	}
	return stored.DeepCopy(), nil
}

func (r *readTx) GetFrame(id string) (*model.Frame, error) {
	return get[model.Frame](r.txn, framesTable, "frame", id)
}

func (r *readTx) GetProc(id string) (*model.Proc, error) {
	return get[model.Proc](r.txn, procsTable, "proc", id)
}

func (r *readTx) GetDepend(id string) (*model.Depend, error) {
	return get[model.Depend](r.txn, dependsTable, "depend", id)
}

func (r *readTx) GetSubscription(id string) (*model.Subscription, error) {
	return get[model.Subscription](r.txn, subscriptionsTable, "subscription", id)
}

func (r *readTx) GetFolder(id string) (*model.Folder, error) {
	return get[model.Folder](r.txn, foldersTable, "folder", id)
}

func (r *readTx) GetPoint(id string) (*model.Point, error) {
	return get[model.Point](r.txn, pointsTable, "point", id)
}

func (r *readTx) GetLimit(id string) (*model.Limit, error) {
	return get[model.Limit](r.txn, limitsTable, "limit", id)
}

func (r *readTx) FindSubscription(showId, allocId string) (*model.Subscription, error) {
	subs, err := list[model.Subscription](r.txn, subscriptionsTable, allocIndex, allocId)
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if sub.ShowId == showId {
			return sub, nil
		}
	}
	return nil, &spindleerrors.ErrNotFound{Type: "subscription", Value: showId + "/" + allocId}
}

func (r *readTx) ProcForFrame(frameId string) (*model.Proc, error) {
	stored, err := first[model.Proc](r.txn, procsTable, frameIndex, frameId)
	if err != nil || stored == nil {
		return nil, err
	}
	return stored.DeepCopy(), nil
}

func (r *readTx) Jobs(q store.JobQuery) ([]*model.Job, error) {
	var jobs []*model.Job
	var err error
	switch {
	case len(q.Ids) > 0:
		jobs = make([]*model.Job, 0, len(q.Ids))
		for _, id := range q.Ids {
			job, err := first[model.Job](r.txn, jobsTable, idIndex, id)
			if err != nil {
				return nil, err
			}
			if job != nil {
				c := *job
				jobs = append(jobs, &c)
			}
		}
	case q.ShowId != "":
		jobs, err = list[model.Job](r.txn, jobsTable, showIndex, q.ShowId)
	default:
		jobs, err = list[model.Job](r.txn, jobsTable, idIndex)
	}
	if err != nil {
		return nil, err
	}
	result := make([]*model.Job, 0, len(jobs))
	for _, job := range jobs {
		if q.ShowId != "" && job.ShowId != q.ShowId {
			continue
		}
		if q.FacilityId != "" && job.FacilityId != q.FacilityId {
			continue
		}
		if len(q.States) > 0 && !slices.Contains(q.States, job.State) {
			continue
		}
		result = append(result, job)
	}
	return result, nil
}

func (r *readTx) Layers(jobId string) ([]*model.Layer, error) {
	layers, err := list[model.Layer](r.txn, layersTable, jobIndex, jobId)
	if err != nil {
		return nil, err
	}
	for i, layer := range layers {
		layers[i] = layer.DeepCopy()
	}
	sort.SliceStable(layers, func(i, j int) bool {
		if layers[i].DispatchOrder != layers[j].DispatchOrder {
			return layers[i].DispatchOrder < layers[j].DispatchOrder
		}
		return layers[i].Id < layers[j].Id
	})
	return layers, nil
}

func (r *readTx) Frames(q store.FrameQuery) ([]*model.Frame, error) {
	var frames []*model.Frame
	var err error
	switch {
	case q.LayerId != "" && len(q.States) == 1:
		frames, err = list[model.Frame](r.txn, framesTable, layerStateIndex, q.LayerId, string(q.States[0]))
	case q.LayerId != "":
		frames, err = list[model.Frame](r.txn, framesTable, layerIndex, q.LayerId)
	case q.JobId != "":
		frames, err = list[model.Frame](r.txn, framesTable, jobIndex, q.JobId)
	default:
		frames, err = list[model.Frame](r.txn, framesTable, idIndex)
	}
	if err != nil {
		return nil, err
	}
	result := make([]*model.Frame, 0, len(frames))
	for _, frame := range frames {
		if q.JobId != "" && frame.JobId != q.JobId {
			continue
		}
		if len(q.States) > 0 && !slices.Contains(q.States, frame.State) {
			continue
		}
		if !q.UpdatedBefore.IsZero() && !frame.TsUpdated.Before(q.UpdatedBefore) {
			continue
		}
		if q.Unbound {
			proc, err := first[model.Proc](r.txn, procsTable, frameIndex, frame.Id)
			if err != nil {
				return nil, err
			}
			if proc != nil {
				continue
			}
		}
		result = append(result, frame)
	}
	sortFrames(result)
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

func sortFrames(frames []*model.Frame) {
	sort.SliceStable(frames, func(i, j int) bool {
		a, b := frames[i], frames[j]
		if a.DispatchOrder != b.DispatchOrder {
			return a.DispatchOrder < b.DispatchOrder
		}
		if a.LayerOrder != b.LayerOrder {
			return a.LayerOrder < b.LayerOrder
		}
		if a.Number != b.Number {
			return a.Number < b.Number
		}
		return a.Id < b.Id
	})
}

func (r *readTx) Procs(q store.ProcQuery) ([]*model.Proc, error) {
	var procs []*model.Proc
	var err error
	switch {
	case q.HostId != "":
		procs, err = list[model.Proc](r.txn, procsTable, hostIndex, q.HostId)
	case q.JobId != "":
		procs, err = list[model.Proc](r.txn, procsTable, jobIndex, q.JobId)
	default:
		procs, err = list[model.Proc](r.txn, procsTable, idIndex)
	}
	if err != nil {
		return nil, err
	}
	result := make([]*model.Proc, 0, len(procs))
	for _, proc := range procs {
		if q.JobId != "" && proc.JobId != q.JobId {
			continue
		}
		if !q.PingBefore.IsZero() && !proc.TsPing.Before(q.PingBefore) {
			continue
		}
		result = append(result, proc)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].TsBooked.Before(result[j].TsBooked) })
	return result, nil
}

func (r *readTx) Subscriptions(allocId string) ([]*model.Subscription, error) {
	return list[model.Subscription](r.txn, subscriptionsTable, allocIndex, allocId)
}

func (r *readTx) HostLocals(q store.HostLocalQuery) ([]*model.HostLocal, error) {
	var locals []*model.HostLocal
	var err error
	switch {
	case q.HostId != "":
		locals, err = list[model.HostLocal](r.txn, hostLocalsTable, hostIndex, q.HostId)
	case q.JobId != "":
		locals, err = list[model.HostLocal](r.txn, hostLocalsTable, jobIndex, q.JobId)
	default:
		locals, err = list[model.HostLocal](r.txn, hostLocalsTable, idIndex)
	}
	if err != nil {
		return nil, err
	}
	result := make([]*model.HostLocal, 0, len(locals))
	for _, local := range locals {
		if q.JobId != "" && local.JobId != q.JobId {
			continue
		}
		result = append(result, local)
	}
	return result, nil
}

func (r *readTx) Depends(q store.DependQuery) ([]*model.Depend, error) {
	index, arg := dependIndexFor(q)
	var depends []*model.Depend
	var err error
	if index == idIndex {
		depends, err = list[model.Depend](r.txn, dependsTable, idIndex)
	} else {
		depends, err = list[model.Depend](r.txn, dependsTable, index, arg)
	}
	if err != nil {
		return nil, err
	}
	result := make([]*model.Depend, 0, len(depends))
	for _, d := range depends {
		if matchesDepend(q, d) {
			result = append(result, d)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].TsCreated.Equal(result[j].TsCreated) {
			return result[i].TsCreated.Before(result[j].TsCreated)
		}
		return result[i].Id < result[j].Id
	})
	return result, nil
}

// dependIndexFor picks the most selective index the query can use.
func dependIndexFor(q store.DependQuery) (string, string) {
	switch {
	case q.ErFrameId != "":
		return erFrameIndex, q.ErFrameId
	case q.OnFrameId != "":
		return onFrameIndex, q.OnFrameId
	case q.Signature != "":
		return signatureIndex, q.Signature
	case q.ParentId != "":
		return parentIndex, q.ParentId
	case q.ErLayerId != "":
		return erLayerIndex, q.ErLayerId
	case q.OnLayerId != "":
		return onLayerIndex, q.OnLayerId
	case q.ErJobId != "":
		return erJobIndex, q.ErJobId
	case q.OnJobId != "":
		return onJobIndex, q.OnJobId
	}
	return idIndex, ""
}

func matchesDepend(q store.DependQuery, d *model.Depend) bool {
	if len(q.Types) > 0 && !slices.Contains(q.Types, d.Type) {
		return false
	}
	checks := []struct{ want, got string }{
		{q.ErJobId, d.ErJobId},
		{q.ErLayerId, d.ErLayerId},
		{q.ErFrameId, d.ErFrameId},
		{q.OnJobId, d.OnJobId},
		{q.OnLayerId, d.OnLayerId},
		{q.OnFrameId, d.OnFrameId},
		{q.ParentId, d.ParentId},
		{q.Signature, d.Signature},
	}
	for _, c := range checks {
		if c.want != "" && c.want != c.got {
			return false
		}
	}
	if q.Active != nil && *q.Active != d.Active {
		return false
	}
	if q.Composite != nil && *q.Composite != d.Composite {
		return false
	}
	if q.Any != nil && *q.Any != d.Any {
		return false
	}
	return true
}

func (r *readTx) LimitRunning(limitId string) (int, error) {
	iter, err := r.txn.Get(layersTable, limitIndex, limitId)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	running := 0
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		layer := obj.(*model.Layer)
		frames, err := r.txn.Get(framesTable, layerStateIndex, layer.Id, string(model.FrameRunning))
		if err != nil {
			return 0, errors.WithStack(err)
		}
		for f := frames.Next(); f != nil; f = frames.Next() {
			running++
		}
	}
	return running, nil
}

func (r *readTx) LayerStats(layerId string) (store.LayerStats, error) {
	stats := store.LayerStats{}
	iter, err := r.txn.Get(framesTable, layerIndex, layerId)
	if err != nil {
		return stats, errors.WithStack(err)
	}
	for obj := iter.Next(); obj != nil; obj = iter.Next() {
		stats.Total++
		switch obj.(*model.Frame).State {
		case model.FrameSetup:
			stats.Setup++
		case model.FrameWaiting:
			stats.Waiting++
		case model.FrameDepend:
			stats.Depend++
		case model.FrameRunning:
			stats.Running++
		case model.FrameSucceeded:
			stats.Succeeded++
		case model.FrameDead:
			stats.Dead++
		case model.FrameEaten:
			stats.Eaten++
		}
	}
	return stats, nil
}
