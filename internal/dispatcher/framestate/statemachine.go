// Package framestate advances frames through their lifecycle. Every transition is a compare-and-swap on the
// frame's state and version; a transition that matches no row means another writer got there first and is
// reported as ErrFrameReservation.
package framestate

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/spindle-render/spindle/internal/common/spindlecontext"
	"github.com/spindle-render/spindle/internal/common/spindleerrors"
	"github.com/spindle-render/spindle/internal/dispatcher/model"
	"github.com/spindle-render/spindle/internal/dispatcher/store"
)

type Config struct {
	// Failed frames that ran for longer than this are not retried.
	MaxRuntimeNoRetry time.Duration
	// Added to the reservation of a proc whose frame ran out of memory to get the new layer minimum, in KB.
	MemoryFailureIncrease int64
}

func DefaultConfig() Config {
	return Config{
		MaxRuntimeNoRetry:     model.MaxRuntimeNoRetry,
		MemoryFailureIncrease: 2 * 1048576,
	}
}

type StateMachine struct {
	clock  clock.Clock
	config Config
}

func New(clock clock.Clock, config Config) *StateMachine {
	return &StateMachine{clock: clock, config: config}
}

// transition writes frame with the given state if the stored frame still has frame's current state and version.
// On success frame holds the new state and version.
func (sm *StateMachine) transition(tx store.Tx, cond store.FrameCondition, frame *model.Frame, to model.FrameState) (bool, error) {
	cond.Id = frame.Id
	cond.State = frame.State
	cond.Version = frame.Version
	updated := *frame
	updated.State = to
	updated.TsUpdated = sm.clock.Now()
	ok, err := tx.UpdateFrame(cond, &updated)
	if err != nil || !ok {
		return false, err
	}
	*frame = updated
	return true, nil
}

func frameReservation(frame *model.Frame, message string) error {
	return errors.WithStack(&spindleerrors.ErrFrameReservation{FrameId: frame.Id, Message: message})
}

func frameLogger(ctx *spindlecontext.Context, frame *model.Frame) logrus.FieldLogger {
	return ctx.WithFields(logrus.Fields{"frame": frame.Id, "version": frame.Version})
}

// ActivateJob moves a job out of STARTUP and its SETUP frames to WAITING, or to DEPEND if they are blocked.
// It returns the number of frames activated.
func (sm *StateMachine) ActivateJob(ctx *spindlecontext.Context, tx store.Tx, jobId string) (int, error) {
	ok, err := tx.UpdateJobState(jobId, model.JobStartup, model.JobPending)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, errors.WithStack(&spindleerrors.ErrInvalidOperation{
			Operation: "activate",
			Value:     jobId,
			Message:   "the job is not in " + string(model.JobStartup),
		})
	}
	frames, err := tx.Frames(store.FrameQuery{JobId: jobId, States: []model.FrameState{model.FrameSetup}})
	if err != nil {
		return 0, err
	}
	for _, frame := range frames {
		to := model.FrameWaiting
		if frame.DependCount > 0 {
			to = model.FrameDepend
		}
		ok, err := sm.transition(tx, store.FrameCondition{}, frame, to)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, frameReservation(frame, "activating job")
		}
	}
	ctx.WithField("job", jobId).Infof("activated %d frames", len(frames))
	return len(frames), nil
}

// MarkFrameAsDepend holds a WAITING frame that has become blocked. It returns false if the frame is not WAITING
// or not blocked.
func (sm *StateMachine) MarkFrameAsDepend(ctx *spindlecontext.Context, tx store.Tx, frame *model.Frame) (bool, error) {
	if frame.State != model.FrameWaiting || frame.DependCount == 0 {
		return false, nil
	}
	ok, err := sm.transition(tx, store.FrameCondition{}, frame, model.FrameDepend)
	if ok {
		frameLogger(ctx, frame).Debug("frame is now depending")
	}
	return ok, err
}

// MarkFrameAsWaiting releases a DEPEND frame whose blocking count is zero. It returns false if the frame is not
// DEPEND or still blocked.
func (sm *StateMachine) MarkFrameAsWaiting(ctx *spindlecontext.Context, tx store.Tx, frame *model.Frame) (bool, error) {
	if frame.State != model.FrameDepend {
		return false, nil
	}
	ok, err := sm.transition(tx, store.FrameCondition{DependCountZero: true}, frame, model.FrameWaiting)
	if ok {
		frameLogger(ctx, frame).Debug("frame is now waiting")
	}
	return ok, err
}

// StartFrame moves a WAITING frame to RUNNING on proc. The frame row is locked first, and the write only goes
// through if the frame is unblocked and every limit of its layer still has a free slot. A retry is counted unless
// the last exit was not the frame's own doing.
func (sm *StateMachine) StartFrame(ctx *spindlecontext.Context, tx store.Tx, frame *model.Frame, proc *model.Proc) error {
	if err := tx.LockFrame(frame.Id, model.FrameWaiting, frame.Version); err != nil {
		return err
	}
	now := sm.clock.Now()
	started := *frame
	if !model.SuppressesRetry(frame.ExitStatus) {
		started.Retries++
	}
	started.Host = proc.HostName
	started.Cores = proc.Cores
	started.Memory = proc.Memory
	started.Gpus = proc.Gpus
	started.GpuMemory = proc.GpuMemory
	started.UsedMemory = 0
	started.MaxRss = 0
	started.TsStarted = now
	started.TsStopped = time.Time{}
	ok, err := sm.transition(tx, store.FrameCondition{DependCountZero: true, UnderLimit: true}, &started, model.FrameRunning)
	if err != nil {
		return err
	}
	if !ok {
		return frameReservation(frame, "the frame changed or its layer is at its limit")
	}
	*frame = started
	frameLogger(ctx, frame).Infof("started frame on %s", proc.HostName)
	return nil
}

// StopFrame records the end of a run. The frame must still be in the state and version it was read with.
func (sm *StateMachine) StopFrame(ctx *spindlecontext.Context, tx store.Tx, frame *model.Frame, to model.FrameState, exitStatus int, maxRss int64) error {
	stopped := *frame
	stopped.ExitStatus = exitStatus
	stopped.TsStopped = sm.clock.Now()
	if maxRss > stopped.MaxRss {
		stopped.MaxRss = maxRss
	}
	ok, err := sm.transition(tx, store.FrameCondition{}, &stopped, to)
	if err != nil {
		return err
	}
	if !ok {
		return frameReservation(frame, "stopping frame")
	}
	*frame = stopped
	frameLogger(ctx, frame).Infof("stopped frame as %s with exit status %d", to, exitStatus)
	return nil
}

// DetermineFrameState decides what a frame becomes after its run ended with exitStatus.
func (sm *StateMachine) DetermineFrameState(job *model.Job, frame *model.Frame, exitStatus int, runtime time.Duration) model.FrameState {
	switch frame.State {
	case model.FrameWaiting, model.FrameEaten:
		// Set by an operator while the frame was running.
		return frame.State
	case model.FrameDead:
		if job.AutoEat {
			return model.FrameEaten
		}
		return model.FrameDead
	}
	if exitStatus == model.ExitStatusSuccess {
		return model.FrameSucceeded
	}
	if frame.CheckpointState == model.CheckpointEnabled || frame.CheckpointState == model.CheckpointCopying {
		return model.FrameCheckpoint
	}
	switch {
	case exitStatus == model.ExitStatusSkipRetry:
		return model.FrameWaiting
	case job.AutoEat:
		return model.FrameEaten
	case runtime > sm.config.MaxRuntimeNoRetry:
		return model.FrameDead
	case exitStatus == model.ExitStatusNoRetry:
		return model.FrameDead
	case frame.Retries >= job.MaxRetries && exitStatus != model.ExitStatusMemoryFailure:
		return model.FrameDead
	}
	return model.FrameWaiting
}

// RaiseLayerMemory gives the layer of a frame that ran out of memory on proc a larger minimum.
func (sm *StateMachine) RaiseLayerMemory(ctx *spindlecontext.Context, tx store.Tx, proc *model.Proc) error {
	layer, err := tx.GetLayer(proc.LayerId)
	if err != nil {
		return err
	}
	memory := proc.Memory + sm.config.MemoryFailureIncrease
	if memory <= layer.MinMemory {
		return nil
	}
	ctx.WithField("layer", layer.Id).Infof("raising minimum memory from %dKB to %dKB", layer.MinMemory, memory)
	return tx.UpdateLayerMemory(layer.Id, memory)
}

// EatFrame marks a frame as not worth running. Frames that already succeeded or were eaten are left alone.
func (sm *StateMachine) EatFrame(ctx *spindlecontext.Context, tx store.Tx, frame *model.Frame) (bool, error) {
	if frame.State.IsTerminal() {
		return false, nil
	}
	ok, err := sm.transition(tx, store.FrameCondition{}, frame, model.FrameEaten)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, frameReservation(frame, "eating frame")
	}
	frameLogger(ctx, frame).Info("ate frame")
	return true, nil
}

// ClearFrame returns a RUNNING frame to WAITING with exitStatus, without a run having completed.
func (sm *StateMachine) ClearFrame(ctx *spindlecontext.Context, tx store.Tx, frame *model.Frame, exitStatus int) error {
	if frame.State != model.FrameRunning {
		return errors.WithStack(&spindleerrors.ErrInvalidOperation{
			Operation: "clear",
			Value:     frame.Id,
			Message:   "the frame is " + string(frame.State),
		})
	}
	cleared := *frame
	cleared.ExitStatus = exitStatus
	cleared.TsStopped = sm.clock.Now()
	ok, err := sm.transition(tx, store.FrameCondition{}, &cleared, model.FrameWaiting)
	if err != nil {
		return err
	}
	if !ok {
		return frameReservation(frame, "clearing frame")
	}
	*frame = cleared
	frameLogger(ctx, frame).Infof("cleared frame with exit status %d", exitStatus)
	return nil
}

// ClearOrphanedFrame returns a RUNNING frame that has no proc to WAITING. The next start does not count as a retry.
func (sm *StateMachine) ClearOrphanedFrame(ctx *spindlecontext.Context, tx store.Tx, frame *model.Frame) error {
	proc, err := tx.ProcForFrame(frame.Id)
	if err != nil {
		return err
	}
	if proc != nil {
		return errors.WithStack(&spindleerrors.ErrInvalidOperation{
			Operation: "clear orphaned",
			Value:     frame.Id,
			Message:   "the frame is bound to proc " + proc.Id,
		})
	}
	return sm.ClearFrame(ctx, tx, frame, model.ExitStatusFrameOrphan)
}

// UpdateCheckpointState records the checkpoint sub-state. A frame sitting in CHECKPOINT goes back to WAITING once
// its checkpoint completes or checkpointing is disabled.
func (sm *StateMachine) UpdateCheckpointState(ctx *spindlecontext.Context, tx store.Tx, frame *model.Frame, state model.CheckpointState) error {
	to := frame.State
	if frame.State == model.FrameCheckpoint && (state == model.CheckpointComplete || state == model.CheckpointDisabled) {
		to = model.FrameWaiting
	}
	updated := *frame
	updated.CheckpointState = state
	ok, err := sm.transition(tx, store.FrameCondition{}, &updated, to)
	if err != nil {
		return err
	}
	if !ok {
		return frameReservation(frame, "updating checkpoint state")
	}
	*frame = updated
	frameLogger(ctx, frame).Debugf("checkpoint state is now %s", state)
	return nil
}

// ResetCheckpoint returns a frame stuck in CHECKPOINT to WAITING.
func (sm *StateMachine) ResetCheckpoint(ctx *spindlecontext.Context, tx store.Tx, frame *model.Frame) error {
	if frame.State != model.FrameCheckpoint {
		return nil
	}
	return sm.UpdateCheckpointState(ctx, tx, frame, model.CheckpointDisabled)
}

// UpdateFrameMemory records the memory a RUNNING frame is using.
func (sm *StateMachine) UpdateFrameMemory(ctx *spindlecontext.Context, tx store.Tx, frame *model.Frame, rss, maxRss int64) error {
	if frame.State != model.FrameRunning {
		return nil
	}
	updated := *frame
	updated.UsedMemory = rss
	if maxRss > updated.MaxRss {
		updated.MaxRss = maxRss
	}
	ok, err := sm.transition(tx, store.FrameCondition{}, &updated, model.FrameRunning)
	if err != nil {
		return err
	}
	if !ok {
		return frameReservation(frame, "updating frame memory")
	}
	*frame = updated
	return nil
}
