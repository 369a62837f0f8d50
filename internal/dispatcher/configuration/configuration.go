package configuration

import (
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-playground/validator/v10"

	"github.com/spindle-render/spindle/internal/common/database"
	"github.com/spindle-render/spindle/internal/common/logging"
	"github.com/spindle-render/spindle/internal/dispatcher/framestate"
	"github.com/spindle-render/spindle/internal/dispatcher/model"
	"github.com/spindle-render/spindle/internal/dispatcher/selection"
	"github.com/spindle-render/spindle/internal/dispatcher/sweeper"
)

const (
	PostgresStore = "postgres"
	MemoryStore   = "memory"
)

type Configuration struct {
	// Where dispatch state is kept. The memory store keeps nothing across restarts.
	Store string `validate:"oneof=postgres memory"`
	// Database configuration, only used by the postgres store
	Postgres database.PostgresConfig `validate:"-"`
	Logging  logging.Config
	// Job and frame selection
	Scheduling SchedulingConfig
	// Frame lifecycle
	Frames FramesConfig
	// Orphan and stale checkpoint housekeeping
	Sweeper SweeperConfig
	Metrics MetricsConfig
}

func (c Configuration) Validate() error {
	validate := validator.New()
	validate.RegisterStructValidation(storeValidation, Configuration{})
	return validate.Struct(c)
}

func storeValidation(sl validator.StructLevel) {
	c := sl.Current().Interface().(Configuration)
	if c.Store == PostgresStore && len(c.Postgres.Connection) == 0 {
		sl.ReportError(c.Postgres.Connection, "Postgres.Connection", "Connection", "required", "")
	}
}

type SchedulingConfig struct {
	Mode model.SchedulingMode `validate:"oneof=PRIORITY_ONLY FIFO BALANCED"`
	// How long the ranked show list of an allocation is reused.
	ShowCacheExpiry time.Duration `validate:"required"`
	// Shows with less than this many core units left below their burst are skipped.
	CoreUnitsMin int `validate:"gt=0"`
	// Maximum number of frames booked per host report.
	MaxFramesPerPass int `validate:"gt=0"`
	// Maximum number of candidate jobs considered per host report.
	JobBatchSize int `validate:"gt=0"`
	Balanced     BalancedConfig
	// Number of compiled tag expressions kept in memory.
	TagCacheSize int `validate:"gt=0"`
}

type BalancedConfig struct {
	ShortfallWeight float64 `validate:"gte=0"`
	AgeWeight       float64 `validate:"gte=0"`
}

func (c SchedulingConfig) Selection() selection.Config {
	return selection.Config{
		Mode:            c.Mode,
		ShowCacheExpiry: c.ShowCacheExpiry,
		CoreUnitsMin:    c.CoreUnitsMin,
		JobBatchSize:    c.JobBatchSize,
		ShortfallWeight: c.Balanced.ShortfallWeight,
		AgeWeight:       c.Balanced.AgeWeight,
		TagCacheSize:    c.TagCacheSize,
	}
}

type FramesConfig struct {
	// Failed frames that ran for longer than this are not retried.
	MaxRuntimeNoRetry time.Duration `validate:"required"`
	// Added to the memory of a layer whose frame ran out of memory.
	MemoryFailureIncrease datasize.ByteSize `validate:"required"`
}

func (c FramesConfig) StateMachine() framestate.Config {
	return framestate.Config{
		MaxRuntimeNoRetry:     c.MaxRuntimeNoRetry,
		MemoryFailureIncrease: int64(c.MemoryFailureIncrease / datasize.KB),
	}
}

type SweeperConfig struct {
	// How often housekeeping runs.
	Interval time.Duration `validate:"required"`
	// Procs not pinged and running frames not updated for this long are reclaimed.
	OrphanAfter time.Duration `validate:"required"`
	// CHECKPOINT frames not updated for this long go back to WAITING.
	CheckpointStaleAfter time.Duration `validate:"required"`
	// Maximum number of reclamations run in parallel.
	Workers int `validate:"gt=0"`
}

func (c SweeperConfig) Sweeper() sweeper.Config {
	return sweeper.Config{
		Interval:             c.Interval,
		OrphanAfter:          c.OrphanAfter,
		CheckpointStaleAfter: c.CheckpointStaleAfter,
		Workers:              c.Workers,
	}
}

type MetricsConfig struct {
	// Port serving /metrics and /health.
	Port uint16 `validate:"required"`
}
