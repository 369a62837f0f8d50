// Package selection matches idle capacity to work. For a host it ranks the shows subscribed to the host's
// allocation, picks the jobs of the first show that has anything to run there, and then the frames of a job.
// Finding nothing is not an error: callers get an empty result.
package selection

import (
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/spindle-render/spindle/internal/common/spindlecontext"
	"github.com/spindle-render/spindle/internal/common/spindleerrors"
	"github.com/spindle-render/spindle/internal/dispatcher/model"
	"github.com/spindle-render/spindle/internal/dispatcher/store"
)

type Selector struct {
	store  store.Store
	clock  clock.Clock
	config Config
	shows  *showCache
	tags   *tagMatcher
}

func NewSelector(s store.Store, clock clock.Clock, config Config) (*Selector, error) {
	tags, err := newTagMatcher(config.TagCacheSize)
	if err != nil {
		return nil, err
	}
	return &Selector{
		store:  s,
		clock:  clock,
		config: config,
		shows:  newShowCache(s, clock, config.ShowCacheExpiry),
		tags:   tags,
	}, nil
}

// LocalAssignment is a host partition together with the job it is reserved for.
type LocalAssignment struct {
	HostLocal *model.HostLocal
	Job       *model.Job
}

// FindDispatchJobs returns the best jobs to run on the idle part of host, best first. Shows are tried least
// served first; the jobs of the first show with anything eligible are returned.
func (s *Selector) FindDispatchJobs(ctx *spindlecontext.Context, host *model.Host) ([]*model.Job, error) {
	if !host.Dispatchable() {
		return nil, nil
	}
	shows, err := s.shows.Shows(ctx, host.AllocId)
	if err != nil {
		return nil, err
	}
	capacity := HostCapacity(host)
	var result []*model.Job
	err = s.store.ReadTx(ctx, func(tx store.ReadTx) error {
		for _, show := range shows {
			if s.shows.Skipped(show.ShowId, host) {
				continue
			}
			sub, err := tx.FindSubscription(show.ShowId, host.AllocId)
			if spindleerrors.IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			if sub.Headroom() < s.config.CoreUnitsMin {
				ctx.WithFields(logrus.Fields{"show": show.ShowId, "alloc": host.AllocId}).Debug("skipping show, over its subscription")
				s.shows.SkipAlloc(show.ShowId, host.AllocId)
				continue
			}
			e := newEvaluator(tx, s.tags, capacity)
			e.subscription = sub
			jobs, err := s.eligibleJobs(e, store.JobQuery{ShowId: show.ShowId, FacilityId: host.FacilityId}, nil)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				if host.Gpus == 0 {
					s.shows.SkipShape(show.ShowId, host)
				}
				continue
			}
			rankJobs(jobs, s.config, s.clock.Now())
			if len(jobs) > s.config.JobBatchSize {
				jobs = jobs[:s.config.JobBatchSize]
			}
			result = jobs
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	ctx.WithField("host", host.Name).Debugf("found %d dispatch jobs", len(result))
	return result, nil
}

// eligibleJobs returns the PENDING jobs matching q that have work for the evaluator's capacity. Jobs for which
// keep returns false are dropped before any further lookups.
func (s *Selector) eligibleJobs(e *evaluator, q store.JobQuery, keep func(*model.Job) bool) ([]*model.Job, error) {
	q.States = []model.JobState{model.JobPending}
	jobs, err := e.tx.Jobs(q)
	if err != nil {
		return nil, err
	}
	var eligible []*model.Job
	for _, job := range jobs {
		if keep != nil && !keep(job) {
			continue
		}
		ok, err := e.jobEligible(job)
		if err != nil {
			return nil, err
		}
		if ok {
			eligible = append(eligible, job)
		}
	}
	return eligible, nil
}

// FindNextDispatchFrames returns up to limit frames of job that fit capacity, in dispatch order. Subscription
// headroom is not checked; use FindNextHostFrames for capacity that is not reserved yet.
func (s *Selector) FindNextDispatchFrames(ctx *spindlecontext.Context, job *model.Job, capacity Capacity, limit int) ([]*model.Frame, error) {
	var frames []*model.Frame
	err := s.store.ReadTx(ctx, func(tx store.ReadTx) error {
		var err error
		frames, err = newEvaluator(tx, s.tags, capacity).frames(job, limit)
		return err
	})
	return frames, err
}

// FindNextHostFrames returns up to limit frames of job that fit the idle part of host, checked against the
// show's subscription in the host's allocation.
func (s *Selector) FindNextHostFrames(ctx *spindlecontext.Context, job *model.Job, host *model.Host, limit int) ([]*model.Frame, error) {
	var frames []*model.Frame
	err := s.store.ReadTx(ctx, func(tx store.ReadTx) error {
		e := newEvaluator(tx, s.tags, HostCapacity(host))
		sub, err := findJobSubscription(tx, job, host)
		if err != nil {
			return err
		}
		e.subscription = sub
		frames, err = e.frames(job, limit)
		return err
	})
	return frames, err
}

func findJobSubscription(tx store.ReadTx, job *model.Job, host *model.Host) (*model.Subscription, error) {
	if host.AllocId == "" {
		return nil, nil
	}
	sub, err := tx.FindSubscription(job.ShowId, host.AllocId)
	if spindleerrors.IsNotFound(err) {
		return nil, nil
	}
	return sub, err
}

// FindLocalDispatchJobs returns the partitions of host whose job has a frame that fits them.
func (s *Selector) FindLocalDispatchJobs(ctx *spindlecontext.Context, host *model.Host) ([]LocalAssignment, error) {
	var result []LocalAssignment
	err := s.store.ReadTx(ctx, func(tx store.ReadTx) error {
		locals, err := tx.HostLocals(store.HostLocalQuery{HostId: host.Id})
		if err != nil {
			return err
		}
		for _, local := range locals {
			job, err := tx.GetJob(local.JobId)
			if spindleerrors.IsNotFound(err) {
				continue
			}
			if err != nil {
				return err
			}
			ok, err := newEvaluator(tx, s.tags, LocalCapacity(local)).jobEligible(job)
			if err != nil {
				return err
			}
			if ok {
				result = append(result, LocalAssignment{HostLocal: local, Job: job})
			}
		}
		return nil
	})
	return result, err
}

// FindUnderProcedJob returns true if another job of the same show and facility is running below its minimum
// cores and has a non-utility frame that fits capacity.
func (s *Selector) FindUnderProcedJob(ctx *spindlecontext.Context, exclude *model.Job, capacity Capacity) (bool, error) {
	return s.anyEligibleJob(ctx, capacity,
		store.JobQuery{ShowId: exclude.ShowId, FacilityId: exclude.FacilityId},
		func(job *model.Job) bool {
			return job.Id != exclude.Id && job.MinCores > 0 && job.Cores < job.MinCores
		})
}

// HigherPriorityJobExists returns true if a job of strictly higher priority in the same facility has a
// non-utility frame that fits capacity.
func (s *Selector) HigherPriorityJobExists(ctx *spindlecontext.Context, base *model.Job, capacity Capacity) (bool, error) {
	return s.anyEligibleJob(ctx, capacity,
		store.JobQuery{FacilityId: base.FacilityId},
		func(job *model.Job) bool {
			return job.Id != base.Id && job.Priority > base.Priority
		})
}

func (s *Selector) anyEligibleJob(ctx *spindlecontext.Context, capacity Capacity, q store.JobQuery, keep func(*model.Job) bool) (bool, error) {
	// The capacity would move to another job, whose ceilings apply.
	capacity.Reserved = false
	found := false
	err := s.store.ReadTx(ctx, func(tx store.ReadTx) error {
		e := newEvaluator(tx, s.tags, capacity)
		e.excludeUtility = true
		jobs, err := s.eligibleJobs(e, q, keep)
		found = len(jobs) > 0
		return err
	})
	return found, err
}

// InvalidateShows drops the cached show ranking of an allocation.
func (s *Selector) InvalidateShows(allocId string) {
	s.shows.Invalidate(allocId)
}

// ShowCacheStats returns the number of show list lookups served from and missed by the cache.
func (s *Selector) ShowCacheStats() (hits, misses int) {
	return s.shows.Stats()
}
