package selection

import (
	"time"

	"github.com/spindle-render/spindle/internal/dispatcher/model"
)

type Config struct {
	Mode model.SchedulingMode
	// How long the ranked show list of an allocation is reused.
	ShowCacheExpiry time.Duration
	// Shows with less than this many core units left below their burst are not offered more work.
	CoreUnitsMin int
	// Maximum number of jobs returned per host.
	JobBatchSize int
	// Weight of the shortfall below min cores in the BALANCED score.
	ShortfallWeight float64
	// Weight of each day of job age in the BALANCED score.
	AgeWeight float64
	// Number of compiled tag expressions kept.
	TagCacheSize int
}

func DefaultConfig() Config {
	return Config{
		Mode:            model.PriorityOnly,
		ShowCacheExpiry: model.ShowCacheExpiry,
		CoreUnitsMin:    model.CoreUnitsPerCore,
		JobBatchSize:    20,
		ShortfallWeight: 100,
		AgeWeight:       1,
		TagCacheSize:    1024,
	}
}
