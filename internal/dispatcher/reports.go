package dispatcher

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/spindle-render/spindle/internal/common/spindlecontext"
	"github.com/spindle-render/spindle/internal/common/spindleerrors"
	"github.com/spindle-render/spindle/internal/dispatcher/metrics"
	"github.com/spindle-render/spindle/internal/dispatcher/model"
	"github.com/spindle-render/spindle/internal/dispatcher/selection"
	"github.com/spindle-render/spindle/internal/dispatcher/store"
)

// FrameCompleteReport is sent by a host agent when the frame running on a proc exits.
type FrameCompleteReport struct {
	ProcId     string
	FrameId    string
	ExitStatus int
	// Peak memory of the run, in KB.
	MaxRss int64
}

// UsageReport is the periodic memory heartbeat of a running frame, in KB.
type UsageReport struct {
	ProcId  string
	FrameId string
	Rss     int64
	MaxRss  int64
}

// HandleFrameComplete stops the frame of a report and decides what it becomes. A frame that succeeded or was
// eaten unblocks what depended on it. The proc is then given the next frame of the same job if one fits and no
// more deserving job could use it instead; otherwise it is released. The returned assignment is nil when the
// proc was released.
func (d *Dispatcher) HandleFrameComplete(ctx *spindlecontext.Context, report FrameCompleteReport) (*Assignment, error) {
	ctx = spindlecontext.WithLogFields(ctx, logrus.Fields{"proc": report.ProcId, "frame": report.FrameId})

	var (
		proc  *model.Proc
		job   *model.Job
		state model.FrameState
	)
	err := d.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		proc, err = tx.GetProc(report.ProcId)
		if err != nil {
			return err
		}
		if proc.FrameId != report.FrameId {
			return errors.WithStack(&spindleerrors.ErrFrameReservation{
				FrameId: report.FrameId,
				Message: "the proc has moved on to frame " + proc.FrameId,
			})
		}
		frame, err := tx.GetFrame(report.FrameId)
		if err != nil {
			return err
		}
		job, err = tx.GetJob(frame.JobId)
		if err != nil {
			return err
		}
		runtime := d.clock.Since(frame.TsStarted)
		state = d.frames.DetermineFrameState(job, frame, report.ExitStatus, runtime)
		if err := d.frames.StopFrame(ctx, tx, frame, state, report.ExitStatus, report.MaxRss); err != nil {
			return err
		}
		if report.ExitStatus == model.ExitStatusMemoryFailure {
			if err := d.frames.RaiseLayerMemory(ctx, tx, proc); err != nil {
				return err
			}
		}
		if state.IsComplete() {
			return d.depends.SatisfyWhatDependsOn(ctx, tx, frame)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.metrics.ReportFrameStopped(state)

	if report.ExitStatus != model.ExitStatusMemoryFailure {
		assignment, err := d.reuseProc(ctx, proc)
		if err != nil {
			return nil, err
		}
		if assignment != nil {
			return assignment, nil
		}
	}
	if err := d.ledger.ReleaseProc(ctx, proc.Id); err != nil {
		return nil, err
	}
	d.metrics.ReportProcReleased()
	return nil, nil
}

// reuseProc moves proc to the next frame of its job. It returns nil without an error when the proc should be
// released instead.
func (d *Dispatcher) reuseProc(ctx *spindlecontext.Context, proc *model.Proc) (*Assignment, error) {
	var (
		host *model.Host
		job  *model.Job
	)
	err := d.store.ReadTx(ctx, func(tx store.ReadTx) error {
		var err error
		if host, err = tx.GetHost(proc.HostId); err != nil {
			return err
		}
		job, err = tx.GetJob(proc.JobId)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !proc.Local && !host.Dispatchable() {
		return nil, nil
	}
	capacity := selection.ProcCapacity(proc, host)
	if !proc.Local {
		keep, err := d.keepOnJob(ctx, job, capacity)
		if err != nil || !keep {
			return nil, err
		}
	}
	frames, err := d.selector.FindNextDispatchFrames(ctx, job, capacity, 1)
	if err != nil || len(frames) == 0 {
		return nil, err
	}
	frame := frames[0]

	var assignment *Assignment
	err = d.store.WithTx(ctx, func(tx store.Tx) error {
		if err := d.ledger.ReassignProc(ctx, tx, proc.Id, frame); err != nil {
			return err
		}
		moved, err := tx.GetProc(proc.Id)
		if err != nil {
			return err
		}
		started := frame.DeepCopy()
		if err := d.frames.StartFrame(ctx, tx, started, moved); err != nil {
			return err
		}
		assignment = &Assignment{Proc: moved, Frame: started}
		return nil
	})
	if spindleerrors.IsContention(err) {
		d.metrics.ReportBookingFailure(err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.metrics.ReportFrameBooked(metrics.ModeReuse)
	ctx.WithField("next", frame.Id).Info("moved proc to next frame")
	return assignment, nil
}

// keepOnJob returns false when the capacity of a proc is better spent elsewhere: on a job of the same show that
// is below its minimum while this one is above it, or on a job of higher priority.
func (d *Dispatcher) keepOnJob(ctx *spindlecontext.Context, job *model.Job, capacity selection.Capacity) (bool, error) {
	if job.Cores > job.MinCores {
		under, err := d.selector.FindUnderProcedJob(ctx, job, capacity)
		if err != nil {
			return false, err
		}
		if under {
			ctx.Debug("an under-proced job can use the proc")
			return false, nil
		}
	}
	higher, err := d.selector.HigherPriorityJobExists(ctx, job, capacity)
	if err != nil {
		return false, err
	}
	if higher {
		ctx.Debug("a higher priority job can use the proc")
	}
	return !higher, nil
}

// HandleUsage records the memory a running frame is using. When usage exceeds the reservation of the proc, the
// reservation is raised if the host has the memory.
func (d *Dispatcher) HandleUsage(ctx *spindlecontext.Context, report UsageReport) error {
	ctx = spindlecontext.WithLogFields(ctx, logrus.Fields{"proc": report.ProcId, "frame": report.FrameId})
	var reserved int64
	err := d.store.WithTx(ctx, func(tx store.Tx) error {
		proc, err := tx.GetProc(report.ProcId)
		if err != nil {
			return err
		}
		frame, err := tx.GetFrame(report.FrameId)
		if err != nil {
			return err
		}
		if proc.FrameId != frame.Id {
			return errors.WithStack(&spindleerrors.ErrFrameReservation{
				FrameId: frame.Id,
				Message: "the proc has moved on to frame " + proc.FrameId,
			})
		}
		reserved = proc.Memory
		return d.frames.UpdateFrameMemory(ctx, tx, frame, report.Rss, report.MaxRss)
	})
	if err != nil {
		return err
	}
	if report.Rss > reserved {
		err := d.store.WithTx(ctx, func(tx store.Tx) error {
			_, err := d.ledger.IncreaseMemoryReservation(ctx, tx, report.ProcId, report.Rss)
			return err
		})
		if spindleerrors.Classify(err) == spindleerrors.Exhaustion {
			// The frame keeps running on what it has and fails with a memory error if it needs more.
			ctx.Warnf("host has no memory to cover usage of %dKB", report.Rss)
		} else if err != nil {
			return err
		}
	}
	return d.ledger.UpdateProcUsage(ctx, report.ProcId, report.Rss, report.MaxRss)
}

// HandleCheckpointState records the checkpoint sub-state reported for a frame.
func (d *Dispatcher) HandleCheckpointState(ctx *spindlecontext.Context, frameId string, state model.CheckpointState) error {
	return d.store.WithTx(ctx, func(tx store.Tx) error {
		frame, err := tx.GetFrame(frameId)
		if err != nil {
			return err
		}
		return d.frames.UpdateCheckpointState(ctx, tx, frame, state)
	})
}
