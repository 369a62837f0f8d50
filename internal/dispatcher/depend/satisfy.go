package depend

import (
	"time"

	"github.com/pkg/errors"

	"github.com/spindle-render/spindle/internal/common/spindlecontext"
	"github.com/spindle-render/spindle/internal/common/spindleerrors"
	"github.com/spindle-render/spindle/internal/dispatcher/model"
	"github.com/spindle-render/spindle/internal/dispatcher/store"
)

// SatisfyDependency satisfies the dependency with the given id in its own transaction.
func (m *Manager) SatisfyDependency(ctx *spindlecontext.Context, dependId string) error {
	return m.store.WithTx(ctx, func(tx store.Tx) error {
		d, err := tx.GetDepend(dependId)
		if err != nil {
			return err
		}
		return m.Satisfy(ctx, tx, d)
	})
}

// Satisfy deactivates d. A composite edge is satisfied by deactivating each of its active children.
func (m *Manager) Satisfy(ctx *spindlecontext.Context, tx store.Tx, d *model.Depend) error {
	if !d.Composite {
		_, err := m.Deactivate(ctx, tx, d)
		return err
	}
	children, err := tx.Depends(store.DependQuery{ParentId: d.Id, Active: store.Bool(true)})
	if err != nil {
		return err
	}
	for _, child := range children {
		if _, err := m.Deactivate(ctx, tx, child); err != nil {
			return err
		}
	}
	_, err = m.markInactive(ctx, tx, d)
	return err
}

// Deactivate marks a non-composite edge satisfied and releases the frames it held. It returns false if the edge
// was already inactive.
func (m *Manager) Deactivate(ctx *spindlecontext.Context, tx store.Tx, d *model.Depend) (bool, error) {
	if d.Composite {
		return false, errors.WithStack(&spindleerrors.ErrInvalidOperation{
			Operation: "deactivate",
			Value:     d.Id,
			Message:   "composite dependencies are satisfied through their children",
		})
	}
	ok, err := m.markInactive(ctx, tx, d)
	if err != nil || !ok {
		return false, err
	}
	if err := m.blockFrames(ctx, tx, d, -1); err != nil {
		return false, err
	}
	if d.ParentId != "" {
		if err := m.satisfyParentIfDone(ctx, tx, d.ParentId); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (m *Manager) markInactive(ctx *spindlecontext.Context, tx store.Tx, d *model.Depend) (bool, error) {
	if !d.Active {
		return false, nil
	}
	d.Active = false
	d.Signature = d.Id
	d.TsSatisfied = m.clock.Now()
	ok, err := tx.UpdateDepend(store.DependCondition{Id: d.Id, Active: true}, d)
	if err != nil {
		return false, err
	}
	if ok {
		ctx.WithField("depend", d.Id).Debugf("satisfied %s dependency", d.Type)
	}
	return ok, nil
}

// satisfyParentIfDone retires a composite edge once none of its children is active.
func (m *Manager) satisfyParentIfDone(ctx *spindlecontext.Context, tx store.Tx, parentId string) error {
	remaining, err := tx.Depends(store.DependQuery{ParentId: parentId, Active: store.Bool(true)})
	if err != nil || len(remaining) > 0 {
		return err
	}
	parent, err := tx.GetDepend(parentId)
	if err != nil {
		return err
	}
	_, err = m.markInactive(ctx, tx, parent)
	return err
}

// Activate re-arms a satisfied edge and blocks its depend-er frames again. Only frame on frame and layer on layer
// edges may be re-armed. It returns false if the edge was already active.
func (m *Manager) Activate(ctx *spindlecontext.Context, tx store.Tx, d *model.Depend) (bool, error) {
	if !d.Type.CanReactivate() {
		return false, errors.WithStack(&spindleerrors.ErrInvalidOperation{
			Operation: "activate",
			Value:     d.Id,
			Message:   "only " + string(model.FrameOnFrame) + " and " + string(model.LayerOnLayer) + " dependencies can be reactivated",
		})
	}
	if d.Active {
		return false, nil
	}
	d.Active = true
	d.Signature = d.ContentSignature()
	d.TsSatisfied = time.Time{}
	ok, err := tx.UpdateDepend(store.DependCondition{Id: d.Id, Active: false}, d)
	if err != nil || !ok {
		return false, err
	}
	if err := m.blockFrames(ctx, tx, d, 1); err != nil {
		return false, err
	}
	ctx.WithField("depend", d.Id).Infof("reactivated %s dependency", d.Type)
	return true, nil
}

// ResolveDependents returns the active edges waiting on exactly the given entity, restricted to target.
func ResolveDependents(tx store.ReadTx, kind model.EntityKind, id string, target model.DependTarget) ([]*model.Depend, error) {
	q := store.DependQuery{Active: store.Bool(true), Composite: store.Bool(false)}
	switch kind {
	case model.JobEntity:
		q.OnJobId = id
	case model.LayerEntity:
		q.OnLayerId = id
	default:
		q.OnFrameId = id
	}
	depends, err := tx.Depends(q)
	if err != nil {
		return nil, err
	}
	result := make([]*model.Depend, 0, len(depends))
	for _, d := range depends {
		if kind == model.JobEntity && d.OnLayerId != "" {
			continue
		}
		if kind == model.LayerEntity && d.OnFrameId != "" {
			continue
		}
		if d.MatchesTarget(target) {
			result = append(result, d)
		}
	}
	return result, nil
}

// SatisfyWhatDependsOn releases everything waiting on a frame that just completed. Edges on the frame itself and
// any-frame edges on its layer are satisfied straight away; edges on the layer once every frame in it completed;
// edges on the job once every layer completed, at which point the job is finished.
func (m *Manager) SatisfyWhatDependsOn(ctx *spindlecontext.Context, tx store.Tx, frame *model.Frame) error {
	onFrame, err := ResolveDependents(tx, model.FrameEntity, frame.Id, model.TargetAny)
	if err != nil {
		return err
	}
	if err := m.deactivateAll(ctx, tx, onFrame); err != nil {
		return err
	}

	onLayer, err := ResolveDependents(tx, model.LayerEntity, frame.LayerId, model.TargetAny)
	if err != nil {
		return err
	}
	var anyFrame, allFrames []*model.Depend
	for _, d := range onLayer {
		if d.Any {
			anyFrame = append(anyFrame, d)
		} else {
			allFrames = append(allFrames, d)
		}
	}
	if err := m.deactivateAll(ctx, tx, anyFrame); err != nil {
		return err
	}

	stats, err := tx.LayerStats(frame.LayerId)
	if err != nil {
		return err
	}
	if !stats.Complete() {
		return nil
	}
	if err := m.deactivateAll(ctx, tx, allFrames); err != nil {
		return err
	}

	complete, err := jobComplete(tx, frame.JobId)
	if err != nil || !complete {
		return err
	}
	finished, err := tx.UpdateJobState(frame.JobId, model.JobPending, model.JobFinished)
	if err != nil || !finished {
		return err
	}
	ctx.WithField("job", frame.JobId).Info("job finished")
	onJob, err := ResolveDependents(tx, model.JobEntity, frame.JobId, model.TargetAny)
	if err != nil {
		return err
	}
	return m.deactivateAll(ctx, tx, onJob)
}

func (m *Manager) deactivateAll(ctx *spindlecontext.Context, tx store.Tx, depends []*model.Depend) error {
	for _, d := range depends {
		if _, err := m.Deactivate(ctx, tx, d); err != nil {
			return err
		}
	}
	return nil
}

func jobComplete(tx store.ReadTx, jobId string) (bool, error) {
	layers, err := tx.Layers(jobId)
	if err != nil {
		return false, err
	}
	for _, layer := range layers {
		stats, err := tx.LayerStats(layer.Id)
		if err != nil {
			return false, err
		}
		if !stats.Complete() {
			return false, nil
		}
	}
	return true, nil
}
