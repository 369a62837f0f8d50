// Package sweeper reclaims what crashed or silent processes leave behind: procs that stopped pinging, running
// frames nothing is bound to, and frames stuck waiting on a checkpoint.
package sweeper

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/spindle-render/spindle/internal/common/spindlecontext"
	"github.com/spindle-render/spindle/internal/common/spindleerrors"
	"github.com/spindle-render/spindle/internal/dispatcher/framestate"
	"github.com/spindle-render/spindle/internal/dispatcher/ledger"
	"github.com/spindle-render/spindle/internal/dispatcher/model"
	"github.com/spindle-render/spindle/internal/dispatcher/store"
)

type Config struct {
	Interval time.Duration
	// Procs not pinged and RUNNING frames not updated for this long are reclaimed.
	OrphanAfter time.Duration
	// CHECKPOINT frames not updated for this long go back to WAITING.
	CheckpointStaleAfter time.Duration
	// Maximum number of reclamations in flight.
	Workers int
}

func DefaultConfig() Config {
	return Config{
		Interval:             30 * time.Second,
		OrphanAfter:          model.OrphanedInterval,
		CheckpointStaleAfter: 30 * time.Minute,
		Workers:              3,
	}
}

// Result counts what one sweep reclaimed.
type Result struct {
	Procs       int
	Frames      int
	Checkpoints int
}

type Sweeper struct {
	store  store.Store
	ledger *ledger.Ledger
	frames *framestate.StateMachine
	clock  clock.Clock
	config Config
}

func New(s store.Store, ledger *ledger.Ledger, frames *framestate.StateMachine, clock clock.Clock, config Config) *Sweeper {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	return &Sweeper{
		store:  s,
		ledger: ledger,
		frames: frames,
		clock:  clock,
		config: config,
	}
}

// Sweep runs every reclamation once. A failure to reclaim one row does not stop the others; all failures are
// returned together.
func (s *Sweeper) Sweep(ctx *spindlecontext.Context) (Result, error) {
	var result Result
	var errs *multierror.Error

	procs, err := s.reclaimProcs(ctx)
	result.Procs = procs
	errs = multierror.Append(errs, err)

	frames, err := s.reclaimFrames(ctx)
	result.Frames = frames
	errs = multierror.Append(errs, err)

	checkpoints, err := s.resetCheckpoints(ctx)
	result.Checkpoints = checkpoints
	errs = multierror.Append(errs, err)

	if result != (Result{}) {
		ctx.Infof("swept %d orphaned procs, %d orphaned frames and %d stale checkpoints",
			result.Procs, result.Frames, result.Checkpoints)
	}
	return result, errs.ErrorOrNil()
}

// reclaimProcs destroys procs that have not pinged within OrphanAfter and returns their RUNNING frames to WAITING.
func (s *Sweeper) reclaimProcs(ctx *spindlecontext.Context) (int, error) {
	procs, err := s.ledger.FindOrphanedProcs(ctx, s.config.OrphanAfter)
	if err != nil {
		return 0, errors.WithMessage(err, "finding orphaned procs")
	}
	return s.forEach(len(procs), func(i int) (bool, error) {
		return s.reclaimProc(ctx, procs[i])
	})
}

func (s *Sweeper) reclaimProc(ctx *spindlecontext.Context, proc *model.Proc) (bool, error) {
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := s.ledger.DestroyProc(ctx, tx, proc.Id); err != nil {
			return err
		}
		frame, err := tx.GetFrame(proc.FrameId)
		if spindleerrors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if frame.State != model.FrameRunning {
			return nil
		}
		return s.frames.ClearOrphanedFrame(ctx, tx, frame)
	})
	return settled(err, "reclaiming proc %s on %s", proc.Id, proc.HostName)
}

// reclaimFrames returns RUNNING frames that have no proc and were not updated within OrphanAfter to WAITING.
func (s *Sweeper) reclaimFrames(ctx *spindlecontext.Context) (int, error) {
	frames, err := s.staleFrames(ctx, model.FrameRunning, s.config.OrphanAfter, true)
	if err != nil {
		return 0, errors.WithMessage(err, "finding orphaned frames")
	}
	return s.forEach(len(frames), func(i int) (bool, error) {
		err := s.store.WithTx(ctx, func(tx store.Tx) error {
			return s.frames.ClearOrphanedFrame(ctx, tx, frames[i])
		})
		return settled(err, "reclaiming frame %s", frames[i].Id)
	})
}

// resetCheckpoints returns CHECKPOINT frames not updated within CheckpointStaleAfter to WAITING.
func (s *Sweeper) resetCheckpoints(ctx *spindlecontext.Context) (int, error) {
	frames, err := s.staleFrames(ctx, model.FrameCheckpoint, s.config.CheckpointStaleAfter, false)
	if err != nil {
		return 0, errors.WithMessage(err, "finding stale checkpoints")
	}
	return s.forEach(len(frames), func(i int) (bool, error) {
		err := s.store.WithTx(ctx, func(tx store.Tx) error {
			return s.frames.ResetCheckpoint(ctx, tx, frames[i])
		})
		return settled(err, "resetting checkpoint of frame %s", frames[i].Id)
	})
}

func (s *Sweeper) staleFrames(ctx *spindlecontext.Context, state model.FrameState, staleness time.Duration, unbound bool) ([]*model.Frame, error) {
	var frames []*model.Frame
	err := s.store.ReadTx(ctx, func(tx store.ReadTx) error {
		var err error
		frames, err = tx.Frames(store.FrameQuery{
			States:        []model.FrameState{state},
			UpdatedBefore: s.clock.Now().Add(-staleness),
			Unbound:       unbound,
		})
		return err
	})
	return frames, err
}

// settled maps the outcome of one reclamation. Rows that moved on or vanished since they were listed were
// handled by someone else and are neither counted nor reported.
func settled(err error, format string, args ...interface{}) (bool, error) {
	if err == nil {
		return true, nil
	}
	if spindleerrors.IsContention(err) || spindleerrors.IsNotFound(err) {
		return false, nil
	}
	return false, errors.WithMessagef(err, format, args...)
}

// forEach runs fn for 0..n-1 on at most Workers goroutines and returns how many calls reported true.
func (s *Sweeper) forEach(n int, fn func(i int) (bool, error)) (int, error) {
	var (
		g         errgroup.Group
		mu        sync.Mutex
		reclaimed int
		errs      *multierror.Error
	)
	g.SetLimit(s.config.Workers)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			ok, err := fn(i)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierror.Append(errs, err)
			} else if ok {
				reclaimed++
			}
			return nil
		})
	}
	_ = g.Wait()
	return reclaimed, errs.ErrorOrNil()
}
