package selection

import (
	"math"
	"sort"
	"time"

	"github.com/spindle-render/spindle/internal/dispatcher/model"
)

// rankJobs orders jobs best first according to mode.
func rankJobs(jobs []*model.Job, config Config, now time.Time) {
	switch config.Mode {
	case model.Fifo:
		sort.SliceStable(jobs, func(i, j int) bool {
			a, b := jobs[i], jobs[j]
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return olderFirst(a, b)
		})
	case model.Balanced:
		scores := make(map[string]float64, len(jobs))
		for _, job := range jobs {
			scores[job.Id] = balancedScore(job, config, now)
		}
		sort.SliceStable(jobs, func(i, j int) bool {
			a, b := jobs[i], jobs[j]
			if scores[a.Id] != scores[b.Id] {
				return scores[a.Id] > scores[b.Id]
			}
			return olderFirst(a, b)
		})
	default:
		sort.SliceStable(jobs, func(i, j int) bool {
			a, b := jobs[i], jobs[j]
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return a.Id < b.Id
		})
	}
}

func olderFirst(a, b *model.Job) bool {
	if !a.TsStarted.Equal(b.TsStarted) {
		return a.TsStarted.Before(b.TsStarted)
	}
	return a.Id < b.Id
}

// balancedScore favours jobs that run less than their minimum and jobs that have waited longest.
func balancedScore(job *model.Job, config Config, now time.Time) float64 {
	score := float64(job.Priority)
	if job.MinCores > 0 {
		share := math.Min(float64(job.Cores)/float64(job.MinCores), 1)
		score += config.ShortfallWeight * (1 - share)
	}
	return score + config.AgeWeight*job.AgeDays(now)
}
