package model

import "time"

const (
	// CoreUnitsPerCore is the number of core units in one physical core. All core counters are in core units.
	CoreUnitsPerCore = 100

	// MemReservedMin is the smallest memory reservation, in KB, a proc may hold.
	MemReservedMin int64 = 262144

	// MemStrandedThreshold is the idle memory, in KB, below which a threadable frame takes every idle core of the
	// host rather than leaving cores nobody has the memory to use.
	MemStrandedThreshold int64 = 1572864

	// OrphanedInterval is how long a proc may go without a ping, or a running frame without an update, before it
	// is considered orphaned.
	OrphanedInterval = 300 * time.Second

	// ShowCacheExpiry is how long a ranked show list is reused.
	ShowCacheExpiry = 8 * time.Second

	// MaxRuntimeNoRetry is the runtime after which a failed frame is not retried.
	MaxRuntimeNoRetry = 8 * time.Hour
)

// Exit statuses with a meaning to the dispatcher.
const (
	ExitStatusSuccess       = 0
	ExitStatusUnknown       = -1
	ExitStatusMemoryFailure = 33
	ExitStatusNoRetry       = 256
	ExitStatusFailedLaunch  = 284
	ExitStatusSkipRetry     = 286
	ExitStatusFrameCleared  = 299
	ExitStatusFrameOrphan   = 301
	ExitStatusFailedKill    = 302
	ExitStatusDownHost      = 399
)

// SuppressesRetry returns true if a frame that last exited with status should not consume a retry when started
// again. These exits are not caused by the frame's own software.
func SuppressesRetry(status int) bool {
	switch status {
	case ExitStatusUnknown, ExitStatusFailedLaunch, ExitStatusSkipRetry, ExitStatusFrameCleared,
		ExitStatusFrameOrphan, ExitStatusFailedKill, ExitStatusDownHost:
		return true
	}
	return false
}
