// Package ledger is the only writer of the capacity counters on hosts, host partitions, subscriptions, jobs,
// folders, department points and layers. Every change is derived from a proc: creating one reserves exactly what
// destroying it gives back.
package ledger

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/spindle-render/spindle/internal/common/spindlecontext"
	"github.com/spindle-render/spindle/internal/common/spindleerrors"
	"github.com/spindle-render/spindle/internal/common/util"
	"github.com/spindle-render/spindle/internal/dispatcher/model"
	"github.com/spindle-render/spindle/internal/dispatcher/store"
)

// BookRequest describes a proc to create. HostLocal is set for bookings on a host partition.
type BookRequest struct {
	Host      *model.Host
	HostLocal *model.HostLocal
	Job       *model.Job
	Layer     *model.Layer
	Frame     *model.Frame
	Reservation
}

func (r BookRequest) local() bool {
	return r.HostLocal != nil
}

type Ledger struct {
	store store.Store
	clock clock.Clock
}

func New(s store.Store, clock clock.Clock) *Ledger {
	return &Ledger{store: s, clock: clock}
}

// CreateProc reserves capacity for req inside tx and returns the new proc. A frame that is already bound fails
// with ErrResourceDuplication, capacity that is no longer there with ErrResourceReservation.
func (l *Ledger) CreateProc(ctx *spindlecontext.Context, tx store.Tx, req BookRequest) (*model.Proc, error) {
	if req.Cores <= 0 {
		return nil, errors.WithStack(&spindleerrors.ErrInvalidArgument{
			Name:    "cores",
			Value:   req.Cores,
			Message: "a proc must reserve at least one core unit",
		})
	}
	now := l.clock.Now()
	proc := &model.Proc{
		Id:        util.NewId(),
		HostId:    req.Host.Id,
		HostName:  req.Host.Name,
		ShowId:    req.Job.ShowId,
		JobId:     req.Job.Id,
		LayerId:   req.Layer.Id,
		FrameId:   req.Frame.Id,
		FolderId:  req.Job.FolderId,
		PointId:   req.Job.PointId,
		Local:     req.local(),
		Cores:     req.Cores,
		Memory:    req.Memory,
		Gpus:      req.Gpus,
		GpuMemory: req.GpuMemory,
		TsBooked:  now,
		TsPing:    now,
	}
	if req.local() {
		proc.HostLocalId = req.HostLocal.Id
	} else {
		sub, err := tx.FindSubscription(req.Job.ShowId, req.Host.AllocId)
		if err != nil {
			return nil, err
		}
		proc.SubscriptionId = sub.Id
	}
	if err := tx.InsertProc(proc); err != nil {
		return nil, err
	}
	if err := tx.AdjustCounters(counterDeltas(proc)...); err != nil {
		return nil, err
	}
	ctx.WithFields(logrus.Fields{
		"proc":  proc.Id,
		"host":  proc.HostName,
		"frame": proc.FrameId,
		"local": proc.Local,
	}).Debugf("created proc with %d cores and %dKB memory", proc.Cores, proc.Memory)
	return proc, nil
}

// DestroyProc deletes the proc and returns its reservation to every counter it was attributed to.
func (l *Ledger) DestroyProc(ctx *spindlecontext.Context, tx store.Tx, procId string) (*model.Proc, error) {
	proc, err := tx.GetProc(procId)
	if err != nil {
		return nil, err
	}
	deleted, err := tx.DeleteProc(procId)
	if err != nil {
		return nil, err
	}
	if !deleted {
		return nil, &spindleerrors.ErrNotFound{Type: "proc", Value: procId}
	}
	deltas := counterDeltas(proc)
	released := make([]store.CounterDelta, len(deltas))
	for i, d := range deltas {
		released[i] = d.Negate()
	}
	if err := tx.AdjustCounters(released...); err != nil {
		return nil, err
	}
	ctx.WithField("proc", proc.Id).Debugf("destroyed proc on %s", proc.HostName)
	return proc, nil
}

// ReassignProc binds a proc to another frame of the same job. The reservation is unchanged, so only the layer
// counters move when the frame belongs to another layer.
func (l *Ledger) ReassignProc(ctx *spindlecontext.Context, tx store.Tx, procId string, frame *model.Frame) error {
	proc, err := tx.GetProc(procId)
	if err != nil {
		return err
	}
	if proc.JobId != frame.JobId {
		return errors.WithStack(&spindleerrors.ErrInvalidOperation{
			Operation: "reassign",
			Value:     procId,
			Message:   "a proc can only move between frames of its own job",
		})
	}
	updated, err := tx.UpdateProcFrame(procId, frame.LayerId, frame.Id)
	if err != nil {
		return err
	}
	if !updated {
		return &spindleerrors.ErrNotFound{Type: "proc", Value: procId}
	}
	if proc.LayerId != frame.LayerId {
		err := tx.AdjustCounters(
			store.CounterDelta{Kind: store.LayerRunning, Key: proc.LayerId, Cores: -proc.Cores, Gpus: -proc.Gpus},
			store.CounterDelta{Kind: store.LayerRunning, Key: frame.LayerId, Cores: proc.Cores, Gpus: proc.Gpus},
		)
		if err != nil {
			return err
		}
	}
	ctx.WithFields(logrus.Fields{"proc": procId, "frame": frame.Id}).Debug("reassigned proc")
	return nil
}

// IncreaseMemoryReservation raises the memory a proc holds to memory. It returns false if the proc already holds
// at least that much, and ErrResourceReservation if the host cannot cover the difference.
func (l *Ledger) IncreaseMemoryReservation(ctx *spindlecontext.Context, tx store.Tx, procId string, memory int64) (bool, error) {
	proc, err := tx.GetProc(procId)
	if err != nil {
		return false, err
	}
	if memory <= proc.Memory {
		return false, nil
	}
	diff := memory - proc.Memory
	deltas := []store.CounterDelta{{Kind: store.HostIdle, Key: proc.HostId, Memory: -diff}}
	if proc.Local {
		deltas = append(deltas, store.CounterDelta{Kind: store.HostLocalIdle, Key: proc.HostLocalId, Memory: -diff})
	}
	if err := tx.AdjustCounters(deltas...); err != nil {
		return false, err
	}
	updated, err := tx.UpdateProcMemory(procId, memory)
	if err != nil {
		return false, err
	}
	if !updated {
		return false, &spindleerrors.ErrNotFound{Type: "proc", Value: procId}
	}
	ctx.WithField("proc", procId).Infof("increased memory reservation from %dKB to %dKB", proc.Memory, memory)
	return true, nil
}

// BookProc creates a proc in its own transaction.
func (l *Ledger) BookProc(ctx *spindlecontext.Context, req BookRequest) (*model.Proc, error) {
	var proc *model.Proc
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		proc, err = l.CreateProc(ctx, tx, req)
		return err
	})
	return proc, err
}

// ReleaseProc destroys a proc in its own transaction.
func (l *Ledger) ReleaseProc(ctx *spindlecontext.Context, procId string) error {
	return l.store.WithTx(ctx, func(tx store.Tx) error {
		_, err := l.DestroyProc(ctx, tx, procId)
		return err
	})
}

// FindOrphanedProcs returns the procs that have not pinged for longer than staleness.
func (l *Ledger) FindOrphanedProcs(ctx *spindlecontext.Context, staleness time.Duration) ([]*model.Proc, error) {
	var procs []*model.Proc
	err := l.store.ReadTx(ctx, func(tx store.ReadTx) error {
		var err error
		procs, err = tx.Procs(store.ProcQuery{PingBefore: l.clock.Now().Add(-staleness)})
		return err
	})
	return procs, err
}

// UpdateProcUsage records the memory a proc is using and counts as a ping.
func (l *Ledger) UpdateProcUsage(ctx *spindlecontext.Context, procId string, used, maxUsed int64) error {
	return l.store.WithTx(ctx, func(tx store.Tx) error {
		updated, err := tx.UpdateProcUsage(procId, used, maxUsed, l.clock.Now())
		if err != nil {
			return err
		}
		if !updated {
			return &spindleerrors.ErrNotFound{Type: "proc", Value: procId}
		}
		return nil
	})
}

// counterDeltas lists what creating proc does to each counter. Destroying it applies the negation.
func counterDeltas(proc *model.Proc) []store.CounterDelta {
	deltas := []store.CounterDelta{{
		Kind:      store.HostIdle,
		Key:       proc.HostId,
		Cores:     -proc.Cores,
		Memory:    -proc.Memory,
		Gpus:      -proc.Gpus,
		GpuMemory: -proc.GpuMemory,
	}}
	running := func(kind store.CounterKind, key string) store.CounterDelta {
		return store.CounterDelta{Kind: kind, Key: key, Cores: proc.Cores, Gpus: proc.Gpus}
	}
	if proc.Local {
		deltas = append(deltas,
			store.CounterDelta{
				Kind:      store.HostLocalIdle,
				Key:       proc.HostLocalId,
				Cores:     -proc.Cores,
				Memory:    -proc.Memory,
				Gpus:      -proc.Gpus,
				GpuMemory: -proc.GpuMemory,
			},
			running(store.JobLocalRunning, proc.JobId),
		)
	} else {
		deltas = append(deltas,
			running(store.SubscriptionRunning, proc.SubscriptionId),
			running(store.JobRunning, proc.JobId),
			running(store.FolderRunning, proc.FolderId),
			running(store.PointRunning, proc.PointId),
		)
	}
	return append(deltas, running(store.LayerRunning, proc.LayerId))
}
