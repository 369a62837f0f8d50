package model

import (
	"strings"

	"github.com/pkg/errors"
)

type JobState string

const (
	JobStartup  JobState = "STARTUP"
	JobPending  JobState = "PENDING"
	JobFinished JobState = "FINISHED"
)

type FrameState string

const (
	FrameSetup      FrameState = "SETUP"
	FrameWaiting    FrameState = "WAITING"
	FrameDepend     FrameState = "DEPEND"
	FrameRunning    FrameState = "RUNNING"
	FrameSucceeded  FrameState = "SUCCEEDED"
	FrameDead       FrameState = "DEAD"
	FrameEaten      FrameState = "EATEN"
	FrameCheckpoint FrameState = "CHECKPOINT"
)

// IsComplete returns true for the states that satisfy a dependency.
func (s FrameState) IsComplete() bool {
	return s == FrameSucceeded || s == FrameEaten
}

// IsTerminal returns true if no transition may leave s.
func (s FrameState) IsTerminal() bool {
	return s.IsComplete()
}

type CheckpointState string

const (
	CheckpointDisabled CheckpointState = "DISABLED"
	CheckpointEnabled  CheckpointState = "ENABLED"
	CheckpointCopying  CheckpointState = "COPYING"
	CheckpointComplete CheckpointState = "COMPLETE"
)

type LayerType string

const (
	LayerRender LayerType = "RENDER"
	LayerUtil   LayerType = "UTIL"
	LayerPre    LayerType = "PRE"
	LayerPost   LayerType = "POST"
)

type HostState string

const (
	HostUp        HostState = "UP"
	HostDown      HostState = "DOWN"
	HostRebooting HostState = "REBOOTING"
)

type LockState string

const (
	LockOpen        LockState = "OPEN"
	LockLocked      LockState = "LOCKED"
	LockNimbyLocked LockState = "NIMBY_LOCKED"
)

// ThreadMode controls which layers a host accepts. ThreadModeAll hosts only run threadable layers.
type ThreadMode int

const (
	ThreadModeAuto ThreadMode = iota
	ThreadModeAll
	ThreadModeVariable
)

// SchedulingMode selects how candidate jobs of a show are ranked.
type SchedulingMode string

const (
	PriorityOnly SchedulingMode = "PRIORITY_ONLY"
	Fifo         SchedulingMode = "FIFO"
	Balanced     SchedulingMode = "BALANCED"
)

func (m SchedulingMode) Valid() bool {
	switch m {
	case PriorityOnly, Fifo, Balanced:
		return true
	}
	return false
}

// UnmarshalText lets configuration decode the mode case-insensitively.
func (m *SchedulingMode) UnmarshalText(text []byte) error {
	mode := SchedulingMode(strings.ToUpper(strings.TrimSpace(string(text))))
	if !mode.Valid() {
		return errors.Errorf("unknown scheduling mode %q", string(text))
	}
	*m = mode
	return nil
}
