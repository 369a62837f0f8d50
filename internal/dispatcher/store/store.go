// Package store defines the persistence contract of the dispatch core. Correctness under concurrent dispatch relies
// on the store rather than on in-process locks: every aggregate counter changes through a single conditional
// update, frames change through version gated compare-and-swap, and row locks are never waited on.
package store

import (
	"context"
	"time"

	"github.com/spindle-render/spindle/internal/common/spindlecontext"
	"github.com/spindle-render/spindle/internal/dispatcher/model"
)

type Store interface {
	// ReadTx runs fn against a consistent read-only view.
	ReadTx(ctx *spindlecontext.Context, fn func(tx ReadTx) error) error
	// WithTx runs fn in a transaction. If fn returns an error nothing it wrote is kept.
	WithTx(ctx *spindlecontext.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}

// ReadTx gives access to stored rows. Getters return spindleerrors.ErrNotFound for missing rows, list queries
// return an empty slice. Returned values are copies and may be modified by the caller.
type ReadTx interface {
	GetHost(id string) (*model.Host, error)
	GetHostLocal(id string) (*model.HostLocal, error)
	GetJob(id string) (*model.Job, error)
	GetLayer(id string) (*model.Layer, error)
	GetFrame(id string) (*model.Frame, error)
	GetProc(id string) (*model.Proc, error)
	GetDepend(id string) (*model.Depend, error)
	GetSubscription(id string) (*model.Subscription, error)
	GetFolder(id string) (*model.Folder, error)
	GetPoint(id string) (*model.Point, error)
	GetLimit(id string) (*model.Limit, error)

	// FindSubscription returns the subscription of a show to an allocation.
	FindSubscription(showId, allocId string) (*model.Subscription, error)
	// ProcForFrame returns the proc bound to a frame, or nil if the frame is unbound.
	ProcForFrame(frameId string) (*model.Proc, error)

	Jobs(q JobQuery) ([]*model.Job, error)
	// Layers returns the layers of a job ordered by dispatch order.
	Layers(jobId string) ([]*model.Layer, error)
	// Frames returns matching frames ordered by dispatch order, layer order and frame number.
	Frames(q FrameQuery) ([]*model.Frame, error)
	Procs(q ProcQuery) ([]*model.Proc, error)
	Subscriptions(allocId string) ([]*model.Subscription, error)
	HostLocals(q HostLocalQuery) ([]*model.HostLocal, error)
	Depends(q DependQuery) ([]*model.Depend, error)

	// LimitRunning returns the number of RUNNING frames across all layers referencing the limit.
	LimitRunning(limitId string) (int, error)
	LayerStats(layerId string) (LayerStats, error)
}

type Tx interface {
	ReadTx

	// LockHost takes the host row lock without waiting. A held lock is reported as ErrResourceReservation.
	LockHost(id string) error
	// LockFrame takes the frame row lock without waiting, verifying state and version. A held lock or a mismatch is
	// reported as ErrFrameReservation.
	LockFrame(id string, state model.FrameState, version int64) error

	// InsertProc fails with ErrResourceDuplication if the frame is already bound.
	InsertProc(proc *model.Proc) error
	DeleteProc(id string) (bool, error)
	UpdateProcFrame(procId, layerId, frameId string) (bool, error)
	// UpdateProcMemory raises the reservation only if memory exceeds the current one.
	UpdateProcMemory(procId string, memory int64) (bool, error)
	UpdateProcUsage(procId string, used, maxUsed int64, ping time.Time) (bool, error)

	// AdjustCounters applies each delta as one conditional update. Reserving more idle capacity than is left,
	// or pushing a subscription past its burst, fails with ErrResourceReservation.
	AdjustCounters(deltas ...CounterDelta) error

	// UpdateFrame writes the mutable fields of frame if cond holds and bumps the version. It returns false when no
	// row matched. On success frame.Version holds the new version. The depend count is never written here.
	UpdateFrame(cond FrameCondition, frame *model.Frame) (bool, error)
	// AdjustDependCount adds delta to the depend count and returns the new value. The count never goes negative.
	AdjustDependCount(frameId string, delta int) (int, error)
	SetDependCount(frameId string, count int) error

	UpdateLayerMemory(layerId string, minMemory int64) error
	UpdateJobState(jobId string, from, to model.JobState) (bool, error)

	// InsertDepend fails with ErrAlreadyExists if the signature is taken.
	InsertDepend(depend *model.Depend) error
	UpdateDepend(cond DependCondition, depend *model.Depend) (bool, error)

	// Rows maintained by collaborators outside the dispatch core.
	PutHost(host *model.Host) error
	PutHostLocal(hostLocal *model.HostLocal) error
	PutSubscription(subscription *model.Subscription) error
	PutFolder(folder *model.Folder) error
	PutPoint(point *model.Point) error
	PutLimit(limit *model.Limit) error
	PutJob(job *model.Job) error
	PutLayer(layer *model.Layer) error
	PutFrame(frame *model.Frame) error
}
