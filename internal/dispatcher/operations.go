package dispatcher

import (
	"github.com/spindle-render/spindle/internal/common/spindlecontext"
	"github.com/spindle-render/spindle/internal/dispatcher/depend"
	"github.com/spindle-render/spindle/internal/dispatcher/model"
	"github.com/spindle-render/spindle/internal/dispatcher/store"
)

// CreateDependency records a dependency declared by job submission. Every dependency of a job must be created
// before the job is activated.
func (d *Dispatcher) CreateDependency(ctx *spindlecontext.Context, req depend.Request) (*model.Depend, error) {
	return d.depends.CreateDependency(ctx, req)
}

// SatisfyDependency marks a dependency as met, releasing the frames it held back.
func (d *Dispatcher) SatisfyDependency(ctx *spindlecontext.Context, dependId string) error {
	return d.depends.SatisfyDependency(ctx, dependId)
}

// ActivateJob makes a submitted job dispatchable. Frames held back by a dependency start in DEPEND.
func (d *Dispatcher) ActivateJob(ctx *spindlecontext.Context, jobId string) (int, error) {
	var activated int
	err := d.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		activated, err = d.frames.ActivateJob(ctx, tx, jobId)
		return err
	})
	return activated, err
}

// EatFrame marks a frame as not worth running and unblocks whatever waited on it. It returns false if the frame
// had already succeeded or been eaten.
func (d *Dispatcher) EatFrame(ctx *spindlecontext.Context, frameId string) (bool, error) {
	var eaten bool
	err := d.store.WithTx(ctx, func(tx store.Tx) error {
		frame, err := tx.GetFrame(frameId)
		if err != nil {
			return err
		}
		eaten, err = d.frames.EatFrame(ctx, tx, frame)
		if err != nil || !eaten {
			return err
		}
		return d.depends.SatisfyWhatDependsOn(ctx, tx, frame)
	})
	return eaten, err
}
