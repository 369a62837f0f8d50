package store

import (
	"time"

	"github.com/spindle-render/spindle/internal/dispatcher/model"
)

type JobQuery struct {
	Ids        []string
	ShowId     string
	FacilityId string
	States     []model.JobState
}

type FrameQuery struct {
	JobId   string
	LayerId string
	States  []model.FrameState
	// Only frames last updated before this instant. Ignored when zero.
	UpdatedBefore time.Time
	// Only frames with no bound proc.
	Unbound bool
	// Maximum number of frames returned. Zero means no limit.
	Limit int
}

type ProcQuery struct {
	HostId string
	JobId  string
	// Only procs last pinged before this instant. Ignored when zero.
	PingBefore time.Time
}

type HostLocalQuery struct {
	HostId string
	JobId  string
}

type DependQuery struct {
	Types     []model.DependType
	ErJobId   string
	ErLayerId string
	ErFrameId string
	OnJobId   string
	OnLayerId string
	OnFrameId string
	ParentId  string
	Signature string
	Active    *bool
	Composite *bool
	Any       *bool
}

type LayerStats struct {
	Total     int
	Setup     int
	Waiting   int
	Depend    int
	Running   int
	Succeeded int
	Dead      int
	Eaten     int
}

// Complete returns true once every frame of the layer has succeeded or been eaten.
func (s LayerStats) Complete() bool {
	return s.Succeeded+s.Eaten == s.Total
}

// FrameCondition is the compare part of a frame compare-and-swap.
type FrameCondition struct {
	Id      string
	State   model.FrameState
	Version int64
	// Only match when the depend count is zero.
	DependCountZero bool
	// Only match when every limit of the frame's layer has a free slot.
	UnderLimit bool
}

type DependCondition struct {
	Id     string
	Active bool
}

// Bool returns a pointer to b, for optional query filters.
func Bool(b bool) *bool {
	return &b
}
