package configuration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spindle-render/spindle/internal/common"
	"github.com/spindle-render/spindle/internal/dispatcher/model"
)

func loadDefaults(t *testing.T) Configuration {
	var config Configuration
	common.LoadConfig(&config, "../../../config/dispatcher", nil)
	return config
}

func TestDefaultConfig(t *testing.T) {
	config := loadDefaults(t)
	require.NoError(t, config.Validate())

	assert.Equal(t, PostgresStore, config.Store)
	assert.Equal(t, model.PriorityOnly, config.Scheduling.Mode)
	assert.Equal(t, 8*time.Second, config.Scheduling.ShowCacheExpiry)
	assert.Equal(t, uint16(9000), config.Metrics.Port)
	assert.Equal(t, "localhost", config.Postgres.Connection["host"])

	frames := config.Frames.StateMachine()
	assert.Equal(t, 8*time.Hour, frames.MaxRuntimeNoRetry)
	assert.Equal(t, int64(2*1048576), frames.MemoryFailureIncrease)

	sweeper := config.Sweeper.Sweeper()
	assert.Equal(t, 300*time.Second, sweeper.OrphanAfter)
	assert.Equal(t, 3, sweeper.Workers)

	selection := config.Scheduling.Selection()
	assert.Equal(t, 100, selection.CoreUnitsMin)
	assert.Equal(t, 100.0, selection.ShortfallWeight)
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		modify func(c *Configuration)
		valid  bool
	}{
		"defaults": {
			modify: func(c *Configuration) {},
			valid:  true,
		},
		"memory store needs no connection": {
			modify: func(c *Configuration) {
				c.Store = MemoryStore
				c.Postgres.Connection = nil
			},
			valid: true,
		},
		"postgres store needs a connection": {
			modify: func(c *Configuration) {
				c.Postgres.Connection = nil
			},
		},
		"unknown store": {
			modify: func(c *Configuration) {
				c.Store = "redis"
			},
		},
		"unknown scheduling mode": {
			modify: func(c *Configuration) {
				c.Scheduling.Mode = "ROUND_ROBIN"
			},
		},
		"no frames per pass": {
			modify: func(c *Configuration) {
				c.Scheduling.MaxFramesPerPass = 0
			},
		},
		"negative balanced weight": {
			modify: func(c *Configuration) {
				c.Scheduling.Balanced.AgeWeight = -1
			},
		},
		"no sweeper workers": {
			modify: func(c *Configuration) {
				c.Sweeper.Workers = 0
			},
		},
		"missing metrics port": {
			modify: func(c *Configuration) {
				c.Metrics.Port = 0
			},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			config := loadDefaults(t)
			tc.modify(&config)
			err := config.Validate()
			if tc.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
