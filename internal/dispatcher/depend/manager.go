// Package depend maintains the dependency graph between jobs, layers and frames, and the blocking count each
// frame derives from it. A frame with a non-zero blocking count is held in DEPEND.
package depend

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/spindle-render/spindle/internal/common/spindlecontext"
	"github.com/spindle-render/spindle/internal/common/spindleerrors"
	"github.com/spindle-render/spindle/internal/common/util"
	"github.com/spindle-render/spindle/internal/dispatcher/model"
	"github.com/spindle-render/spindle/internal/dispatcher/store"
)

// FrameTransitioner moves frames between WAITING and DEPEND. Both methods return false if the frame was not in the
// state the transition starts from.
type FrameTransitioner interface {
	MarkFrameAsDepend(ctx *spindlecontext.Context, tx store.Tx, frame *model.Frame) (bool, error)
	MarkFrameAsWaiting(ctx *spindlecontext.Context, tx store.Tx, frame *model.Frame) (bool, error)
}

// Request declares a dependency. Only the ids matching the granularity of the type need to be set; the ids of
// enclosing layers and jobs are looked up.
type Request struct {
	Type      model.DependType
	ErJobId   string
	ErLayerId string
	ErFrameId string
	OnJobId   string
	OnLayerId string
	OnFrameId string
	// Satisfied by the first completed frame of the depend-on layer rather than all of them.
	Any bool
}

type Manager struct {
	store  store.Store
	clock  clock.Clock
	frames FrameTransitioner
}

func NewManager(s store.Store, clock clock.Clock, frames FrameTransitioner) *Manager {
	return &Manager{store: s, clock: clock, frames: frames}
}

// CreateDependency records req in its own transaction.
func (m *Manager) CreateDependency(ctx *spindlecontext.Context, req Request) (*model.Depend, error) {
	var depend *model.Depend
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		depend, err = m.Create(ctx, tx, req)
		return err
	})
	return depend, err
}

// Create records req inside tx and raises the blocking count of every frame it holds back. Composite types are
// expanded into frame-on-frame children. Submitting an edge identical to an active one returns the existing edge.
func (m *Manager) Create(ctx *spindlecontext.Context, tx store.Tx, req Request) (*model.Depend, error) {
	return m.create(ctx, tx, req, "")
}

func (m *Manager) create(ctx *spindlecontext.Context, tx store.Tx, req Request, parentId string) (*model.Depend, error) {
	if !req.Type.Valid() {
		return nil, errors.WithStack(&spindleerrors.ErrInvalidArgument{
			Name:    "type",
			Value:   req.Type,
			Message: "unknown dependency type",
		})
	}
	d := &model.Depend{
		Id:        util.NewId(),
		ParentId:  parentId,
		Type:      req.Type,
		Any:       req.Any,
		Composite: req.Type.IsComposite(),
		Active:    true,
		TsCreated: m.clock.Now(),
	}
	var err error
	if d.ErJobId, d.ErLayerId, d.ErFrameId, err = resolve(tx, req.Type.ErKind(), req.ErJobId, req.ErLayerId, req.ErFrameId); err != nil {
		return nil, err
	}
	if d.OnJobId, d.OnLayerId, d.OnFrameId, err = resolve(tx, req.Type.OnKind(), req.OnJobId, req.OnLayerId, req.OnFrameId); err != nil {
		return nil, err
	}
	if d.Internal() {
		d.Target = model.TargetInternal
	} else {
		d.Target = model.TargetExternal
	}

	if err := m.checkDependOn(tx, d); err != nil {
		return nil, err
	}

	switch req.Type {
	case model.FrameByFrame:
		return m.createFrameByFrame(ctx, tx, d)
	case model.PreviousFrame:
		return m.createPreviousFrame(ctx, tx, d)
	}
	return m.insert(ctx, tx, d)
}

// checkDependOn refuses edges on finished jobs and creates edges on already complete layers or frames inactive.
func (m *Manager) checkDependOn(tx store.Tx, d *model.Depend) error {
	switch d.Type.OnKind() {
	case model.JobEntity:
		job, err := tx.GetJob(d.OnJobId)
		if err != nil {
			return err
		}
		if job.State == model.JobFinished {
			return errors.WithStack(&spindleerrors.ErrInvalidOperation{
				Operation: "depend on",
				Value:     job.Id,
				Message:   "the job is already complete",
			})
		}
	case model.LayerEntity:
		if d.Composite {
			return nil
		}
		stats, err := tx.LayerStats(d.OnLayerId)
		if err != nil {
			return err
		}
		if stats.Total > 0 && stats.Complete() {
			d.Active = false
		}
	case model.FrameEntity:
		frame, err := tx.GetFrame(d.OnFrameId)
		if err != nil {
			return err
		}
		if frame.State.IsComplete() {
			d.Active = false
		}
	}
	return nil
}

// insert stores a non-composite edge and blocks its depend-er frames.
func (m *Manager) insert(ctx *spindlecontext.Context, tx store.Tx, d *model.Depend) (*model.Depend, error) {
	if d.Active {
		d.Signature = d.ContentSignature()
		existing, err := tx.Depends(store.DependQuery{Signature: d.Signature})
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			ctx.WithField("depend", existing[0].Id).Debug("identical dependency already active")
			return existing[0], nil
		}
	} else {
		d.Signature = d.Id
		d.TsSatisfied = d.TsCreated
	}
	if err := tx.InsertDepend(d); err != nil {
		return nil, err
	}
	if d.Active && !d.Composite {
		if err := m.blockFrames(ctx, tx, d, 1); err != nil {
			return nil, err
		}
	}
	ctx.WithFields(logrus.Fields{
		"depend": d.Id,
		"type":   d.Type,
		"active": d.Active,
	}).Debug("created dependency")
	return d, nil
}

// resolve fills in the ids enclosing the entity of the given kind and checks it exists.
func resolve(tx store.ReadTx, kind model.EntityKind, jobId, layerId, frameId string) (string, string, string, error) {
	switch kind {
	case model.FrameEntity:
		if frameId == "" {
			return "", "", "", missingId("frame")
		}
		frame, err := tx.GetFrame(frameId)
		if err != nil {
			return "", "", "", err
		}
		return frame.JobId, frame.LayerId, frame.Id, nil
	case model.LayerEntity:
		if layerId == "" {
			return "", "", "", missingId("layer")
		}
		layer, err := tx.GetLayer(layerId)
		if err != nil {
			return "", "", "", err
		}
		return layer.JobId, layer.Id, "", nil
	default:
		if jobId == "" {
			return "", "", "", missingId("job")
		}
		job, err := tx.GetJob(jobId)
		if err != nil {
			return "", "", "", err
		}
		return job.Id, "", "", nil
	}
}

func missingId(kind string) error {
	return errors.WithStack(&spindleerrors.ErrInvalidArgument{
		Name:    kind + "Id",
		Value:   "",
		Message: "the dependency type requires a " + kind,
	})
}

// heldFrames returns the frames on the depend-er side of d.
func heldFrames(tx store.ReadTx, d *model.Depend) ([]*model.Frame, error) {
	switch {
	case d.ErFrameId != "":
		frame, err := tx.GetFrame(d.ErFrameId)
		if err != nil {
			return nil, err
		}
		return []*model.Frame{frame}, nil
	case d.ErLayerId != "":
		return tx.Frames(store.FrameQuery{LayerId: d.ErLayerId})
	default:
		return tx.Frames(store.FrameQuery{JobId: d.ErJobId})
	}
}

// blockFrames adds delta to the blocking count of every frame held by d and moves frames whose count crossed zero.
func (m *Manager) blockFrames(ctx *spindlecontext.Context, tx store.Tx, d *model.Depend, delta int) error {
	frames, err := heldFrames(tx, d)
	if err != nil {
		return err
	}
	for _, frame := range frames {
		if delta > 0 {
			err = m.IncrementBlockingCount(ctx, tx, frame.Id)
		} else {
			err = m.DecrementBlockingCount(ctx, tx, frame.Id)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// IncrementBlockingCount raises the blocking count of a frame and holds it in DEPEND if it was WAITING.
func (m *Manager) IncrementBlockingCount(ctx *spindlecontext.Context, tx store.Tx, frameId string) error {
	if _, err := tx.AdjustDependCount(frameId, 1); err != nil {
		return err
	}
	frame, err := tx.GetFrame(frameId)
	if err != nil {
		return err
	}
	if frame.State == model.FrameWaiting {
		_, err = m.frames.MarkFrameAsDepend(ctx, tx, frame)
	}
	return err
}

// DecrementBlockingCount lowers the blocking count of a frame and releases it to WAITING once the count reaches
// zero. A count that is already zero is left alone.
func (m *Manager) DecrementBlockingCount(ctx *spindlecontext.Context, tx store.Tx, frameId string) error {
	frame, err := tx.GetFrame(frameId)
	if err != nil {
		return err
	}
	if frame.DependCount == 0 {
		ctx.WithField("frame", frameId).Warn("blocking count is already zero")
		return nil
	}
	count, err := tx.AdjustDependCount(frameId, -1)
	if err != nil {
		return err
	}
	if count > 0 || frame.State != model.FrameDepend {
		return nil
	}
	frame, err = tx.GetFrame(frameId)
	if err != nil {
		return err
	}
	_, err = m.frames.MarkFrameAsWaiting(ctx, tx, frame)
	return err
}

// CountBlocking returns the number of active edges holding the frame back, directly or through its layer or job.
func CountBlocking(tx store.ReadTx, frame *model.Frame) (int, error) {
	active := store.Bool(true)
	notComposite := store.Bool(false)
	byFrame, err := tx.Depends(store.DependQuery{ErFrameId: frame.Id, Active: active, Composite: notComposite})
	if err != nil {
		return 0, err
	}
	count := len(byFrame)
	byLayer, err := tx.Depends(store.DependQuery{ErLayerId: frame.LayerId, Active: active, Composite: notComposite})
	if err != nil {
		return 0, err
	}
	for _, d := range byLayer {
		if d.ErFrameId == "" {
			count++
		}
	}
	byJob, err := tx.Depends(store.DependQuery{ErJobId: frame.JobId, Active: active, Composite: notComposite})
	if err != nil {
		return 0, err
	}
	for _, d := range byJob {
		if d.ErLayerId == "" {
			count++
		}
	}
	return count, nil
}

// RecountBlocking resets the stored blocking count of a frame to what the active edges say it should be.
func (m *Manager) RecountBlocking(ctx *spindlecontext.Context, tx store.Tx, frameId string) (int, error) {
	frame, err := tx.GetFrame(frameId)
	if err != nil {
		return 0, err
	}
	count, err := CountBlocking(tx, frame)
	if err != nil {
		return 0, err
	}
	if count != frame.DependCount {
		ctx.WithField("frame", frameId).Warnf("blocking count was %d, recounted %d", frame.DependCount, count)
		if err := tx.SetDependCount(frameId, count); err != nil {
			return 0, err
		}
	}
	return count, nil
}
