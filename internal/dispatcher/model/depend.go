package model

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityKind is the granularity of one side of a dependency.
type EntityKind int

const (
	JobEntity EntityKind = iota
	LayerEntity
	FrameEntity
)

func (k EntityKind) String() string {
	switch k {
	case JobEntity:
		return "job"
	case LayerEntity:
		return "layer"
	default:
		return "frame"
	}
}

type DependType string

const (
	JobOnJob      DependType = "JOB_ON_JOB"
	JobOnLayer    DependType = "JOB_ON_LAYER"
	JobOnFrame    DependType = "JOB_ON_FRAME"
	LayerOnJob    DependType = "LAYER_ON_JOB"
	LayerOnLayer  DependType = "LAYER_ON_LAYER"
	LayerOnFrame  DependType = "LAYER_ON_FRAME"
	FrameOnJob    DependType = "FRAME_ON_JOB"
	FrameOnLayer  DependType = "FRAME_ON_LAYER"
	FrameOnFrame  DependType = "FRAME_ON_FRAME"
	FrameByFrame  DependType = "FRAME_BY_FRAME"
	PreviousFrame DependType = "PREVIOUS_FRAME"
)

// ErKind is the granularity of the waiting side.
func (t DependType) ErKind() EntityKind {
	switch t {
	case JobOnJob, JobOnLayer, JobOnFrame:
		return JobEntity
	case LayerOnJob, LayerOnLayer, LayerOnFrame, FrameByFrame, PreviousFrame:
		return LayerEntity
	default:
		return FrameEntity
	}
}

// OnKind is the granularity of the side being waited on.
func (t DependType) OnKind() EntityKind {
	switch t {
	case JobOnJob, LayerOnJob, FrameOnJob:
		return JobEntity
	case JobOnLayer, LayerOnLayer, FrameOnLayer, FrameByFrame, PreviousFrame:
		return LayerEntity
	default:
		return FrameEntity
	}
}

// IsComposite returns true for types that expand into frame-on-frame children instead of blocking directly.
func (t DependType) IsComposite() bool {
	return t == FrameByFrame || t == PreviousFrame
}

// CanReactivate returns true for the types that may be re-armed after being satisfied.
func (t DependType) CanReactivate() bool {
	return t == FrameOnFrame || t == LayerOnLayer
}

func (t DependType) Valid() bool {
	switch t {
	case JobOnJob, JobOnLayer, JobOnFrame, LayerOnJob, LayerOnLayer, LayerOnFrame,
		FrameOnJob, FrameOnLayer, FrameOnFrame, FrameByFrame, PreviousFrame:
		return true
	}
	return false
}

// DependTarget narrows job level lookups to edges inside one job, across jobs, or both.
type DependTarget string

const (
	TargetInternal DependTarget = "INTERNAL"
	TargetExternal DependTarget = "EXTERNAL"
	TargetAny      DependTarget = "ANY"
)

// Depend is a directed wait relationship. The er side waits on the on side.
// Ids of the enclosing entities are always filled in, so a frame-on-frame edge also carries both layer and job ids.
type Depend struct {
	Id       string
	ParentId string
	Type     DependType
	Target   DependTarget
	// Content signature while active. Once satisfied it is replaced by Id so an identical edge can be armed again.
	Signature   string
	Active      bool
	Any         bool
	Composite   bool
	ErJobId     string
	ErLayerId   string
	ErFrameId   string
	OnJobId     string
	OnLayerId   string
	OnFrameId   string
	TsCreated   time.Time
	TsSatisfied time.Time
}

var signatureNamespace = uuid.MustParse("6f1f6b0e-3c55-4a5c-9f49-0d4b8f5d7a21")

// ContentSignature identifies the edge by what it connects, independent of its id.
func (d *Depend) ContentSignature() string {
	raw := strings.Join([]string{
		string(d.Type),
		d.ErJobId, d.ErLayerId, d.ErFrameId,
		d.OnJobId, d.OnLayerId, d.OnFrameId,
		strconv.FormatBool(d.Any),
	}, "/")
	return uuid.NewSHA1(signatureNamespace, []byte(raw)).String()
}

// Internal returns true if both sides belong to the same job.
func (d *Depend) Internal() bool {
	return d.ErJobId == d.OnJobId
}

// MatchesTarget returns true if d is selected by target.
func (d *Depend) MatchesTarget(target DependTarget) bool {
	switch target {
	case TargetInternal:
		return d.Internal()
	case TargetExternal:
		return !d.Internal()
	default:
		return true
	}
}

func (d *Depend) DeepCopy() *Depend {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}
