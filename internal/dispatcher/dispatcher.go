// Package dispatcher ties the dispatch core together. A host report books frames onto the idle part of the host,
// a frame report stops the frame, unblocks what waited on it, and either moves the proc to the next frame of the
// same job or releases it.
package dispatcher

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/spindle-render/spindle/internal/common/spindlecontext"
	"github.com/spindle-render/spindle/internal/common/spindleerrors"
	"github.com/spindle-render/spindle/internal/dispatcher/depend"
	"github.com/spindle-render/spindle/internal/dispatcher/framestate"
	"github.com/spindle-render/spindle/internal/dispatcher/ledger"
	"github.com/spindle-render/spindle/internal/dispatcher/metrics"
	"github.com/spindle-render/spindle/internal/dispatcher/model"
	"github.com/spindle-render/spindle/internal/dispatcher/selection"
	"github.com/spindle-render/spindle/internal/dispatcher/store"
	"github.com/spindle-render/spindle/internal/dispatcher/sweeper"
)

type Config struct {
	Selection selection.Config
	Frames    framestate.Config
	Sweeper   sweeper.Config
	// Maximum number of frames booked per host report.
	MaxFramesPerPass int
}

func DefaultConfig() Config {
	return Config{
		Selection:        selection.DefaultConfig(),
		Frames:           framestate.DefaultConfig(),
		Sweeper:          sweeper.DefaultConfig(),
		MaxFramesPerPass: 4,
	}
}

// Assignment is a frame started on a proc, to be run by the host agent.
type Assignment struct {
	Proc  *model.Proc
	Frame *model.Frame
}

type Dispatcher struct {
	store    store.Store
	clock    clock.Clock
	config   Config
	ledger   *ledger.Ledger
	frames   *framestate.StateMachine
	depends  *depend.Manager
	selector *selection.Selector
	sweeper  *sweeper.Sweeper
	metrics  *metrics.Metrics
}

// New wires the dispatch core on top of s. Its collectors are registered with registerer.
func New(s store.Store, clock clock.Clock, config Config, registerer prometheus.Registerer) (*Dispatcher, error) {
	selector, err := selection.NewSelector(s, clock, config.Selection)
	if err != nil {
		return nil, err
	}
	l := ledger.New(s, clock)
	frames := framestate.New(clock, config.Frames)
	return &Dispatcher{
		store:    s,
		clock:    clock,
		config:   config,
		ledger:   l,
		frames:   frames,
		depends:  depend.NewManager(s, clock, frames),
		selector: selector,
		sweeper:  sweeper.New(s, l, frames, clock, config.Sweeper),
		metrics:  metrics.New(registerer, selector.ShowCacheStats),
	}, nil
}

// Sweep reclaims orphaned procs and frames and resets stale checkpoints once.
func (d *Dispatcher) Sweep(ctx *spindlecontext.Context) (sweeper.Result, error) {
	start := d.clock.Now()
	result, err := d.sweeper.Sweep(ctx)
	d.metrics.ReportSweep(d.clock.Since(start), result.Procs, result.Frames, result.Checkpoints)
	return result, err
}

// DispatchHost books frames onto the idle part of a host. Partitions reserved for a job are served first; the
// rest of the host is offered to the shows subscribed to its allocation. Losing a race for a frame or running out
// of room is not an error, the frame or job is skipped.
func (d *Dispatcher) DispatchHost(ctx *spindlecontext.Context, hostId string) ([]*Assignment, error) {
	start := d.clock.Now()
	defer func() {
		d.metrics.ReportDispatchPass(d.clock.Since(start))
	}()
	ctx = spindlecontext.WithLogField(ctx, "host", hostId)

	host, err := d.host(ctx, hostId)
	if err != nil {
		return nil, err
	}

	var assignments []*Assignment
	remaining := func() int {
		return d.config.MaxFramesPerPass - len(assignments)
	}

	locals, err := d.selector.FindLocalDispatchJobs(ctx, host)
	if err != nil {
		return assignments, err
	}
	for _, local := range locals {
		if remaining() <= 0 {
			return assignments, nil
		}
		booked, err := d.dispatchLocal(ctx, host, local, remaining())
		assignments = append(assignments, booked...)
		if err != nil {
			return assignments, err
		}
	}

	if remaining() <= 0 || !host.Dispatchable() {
		return assignments, nil
	}
	jobs, err := d.selector.FindDispatchJobs(ctx, host)
	if err != nil {
		return assignments, err
	}
	for _, job := range jobs {
		if remaining() <= 0 {
			break
		}
		// Earlier bookings used part of the host.
		host, err = d.host(ctx, hostId)
		if err != nil {
			return assignments, err
		}
		frames, err := d.selector.FindNextHostFrames(ctx, job, host, remaining())
		if err != nil {
			return assignments, err
		}
		booked, err := d.bookFrames(ctx, hostId, "", job, frames)
		assignments = append(assignments, booked...)
		if err != nil {
			return assignments, err
		}
	}
	if len(assignments) > 0 {
		ctx.Infof("booked %d frames", len(assignments))
	}
	return assignments, nil
}

func (d *Dispatcher) dispatchLocal(ctx *spindlecontext.Context, host *model.Host, local selection.LocalAssignment, limit int) ([]*Assignment, error) {
	frames, err := d.selector.FindNextDispatchFrames(ctx, local.Job, selection.LocalCapacity(local.HostLocal), limit)
	if err != nil {
		return nil, err
	}
	return d.bookFrames(ctx, host.Id, local.HostLocal.Id, local.Job, frames)
}

// bookFrames books frames in order. A frame somebody else took is skipped; once the host, partition or
// subscription runs out of room the rest are left for the next report.
func (d *Dispatcher) bookFrames(ctx *spindlecontext.Context, hostId, hostLocalId string, job *model.Job, frames []*model.Frame) ([]*Assignment, error) {
	var assignments []*Assignment
	for _, frame := range frames {
		a, err := d.BookFrame(ctx, hostId, hostLocalId, job, frame)
		switch spindleerrors.Classify(err) {
		case spindleerrors.Unknown:
			if err != nil {
				return assignments, err
			}
			assignments = append(assignments, a)
		case spindleerrors.Contention:
			d.metrics.ReportBookingFailure(err)
			ctx.WithField("frame", frame.Id).Debugf("lost the race for frame: %v", err)
		case spindleerrors.Exhaustion:
			d.metrics.ReportBookingFailure(err)
			ctx.WithField("job", job.Id).Debugf("no room left for job: %v", err)
			return assignments, nil
		default:
			return assignments, err
		}
	}
	return assignments, nil
}

// BookFrame creates a proc on the host, or on one of its partitions when hostLocalId is set, and starts frame on
// it, all in one transaction. frame must be the version the caller selected: if it has moved on the booking fails
// with ErrFrameReservation and nothing is reserved.
func (d *Dispatcher) BookFrame(ctx *spindlecontext.Context, hostId, hostLocalId string, job *model.Job, frame *model.Frame) (*Assignment, error) {
	var assignment *Assignment
	err := d.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.LockHost(hostId); err != nil {
			return err
		}
		host, err := tx.GetHost(hostId)
		if err != nil {
			return err
		}
		layer, err := tx.GetLayer(frame.LayerId)
		if err != nil {
			return err
		}
		req := ledger.BookRequest{Host: host, Job: job, Layer: layer, Frame: frame}
		if hostLocalId != "" {
			req.HostLocal, err = tx.GetHostLocal(hostLocalId)
			if err != nil {
				return err
			}
			req.Reservation, err = ledger.SizeLocalProc(req.HostLocal, layer)
			if err != nil {
				return err
			}
		} else {
			req.Reservation, err = ledger.SizeProc(host, layer)
			if err != nil {
				return err
			}
		}
		proc, err := d.ledger.CreateProc(ctx, tx, req)
		if err != nil {
			return err
		}
		started := frame.DeepCopy()
		if err := d.frames.StartFrame(ctx, tx, started, proc); err != nil {
			return err
		}
		assignment = &Assignment{Proc: proc, Frame: started}
		return nil
	})
	if err != nil {
		return nil, err
	}
	mode := metrics.ModeGlobal
	if hostLocalId != "" {
		mode = metrics.ModeLocal
	}
	d.metrics.ReportFrameBooked(mode)
	ctx.WithFields(logrus.Fields{
		"proc":  assignment.Proc.Id,
		"frame": assignment.Frame.Id,
	}).Infof("booked frame with %d cores", assignment.Proc.Cores)
	return assignment, nil
}

func (d *Dispatcher) host(ctx *spindlecontext.Context, hostId string) (*model.Host, error) {
	var host *model.Host
	err := d.store.ReadTx(ctx, func(tx store.ReadTx) error {
		var err error
		host, err = tx.GetHost(hostId)
		return err
	})
	return host, errors.WithMessagef(err, "reading host %s", hostId)
}
