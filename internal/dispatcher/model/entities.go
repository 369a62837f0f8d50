package model

import (
	"math"
	"strings"
	"time"
)

// Subscription grants a show Size core units of an allocation, and lets it burst up to Burst.
type Subscription struct {
	Id      string
	ShowId  string
	AllocId string
	Size    int
	Burst   int
	// Running totals, written only by the ledger.
	Cores int
	Gpus  int
}

// Tier is the fraction of the subscription currently in use. Shows with a lower tier are served first.
func (s *Subscription) Tier() float64 {
	if s.Size <= 0 {
		if s.Cores == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return float64(s.Cores) / float64(s.Size)
}

// Headroom is the number of core units the show may still burst into.
func (s *Subscription) Headroom() int {
	return s.Burst - s.Cores
}

// Folder is the group a job is filed under. A negative max means unlimited.
type Folder struct {
	Id       string
	ShowId   string
	DeptId   string
	MaxCores int
	MaxGpus  int
	Cores    int
	Gpus     int
}

// Point is a department's managed share of a show.
type Point struct {
	Id       string
	ShowId   string
	DeptId   string
	MinCores int
	Cores    int
	Gpus     int
}

// UnderMin returns true while the department is below its managed minimum.
func (p *Point) UnderMin() bool {
	return p.MinCores > 0 && p.Cores < p.MinCores
}

// Limit caps the number of frames that may run at once across every layer referencing it.
type Limit struct {
	Id       string
	Name     string
	MaxValue int
}

type Job struct {
	Id         string
	Name       string
	ShowId     string
	FacilityId string
	DeptId     string
	FolderId   string
	PointId    string
	State      JobState
	Priority   int
	MinCores   int
	MaxCores   int
	MinGpus    int
	MaxGpus    int
	Paused     bool
	AutoEat    bool
	MaxRetries int
	// Required operating system. Empty matches every host.
	Os        string
	TsStarted time.Time
	// Running totals, written only by the ledger.
	Cores      int
	Gpus       int
	LocalCores int
	LocalGpus  int
}

// AgeDays is the number of days since the job started.
func (j *Job) AgeDays(now time.Time) float64 {
	if j.TsStarted.IsZero() {
		return 0
	}
	return now.Sub(j.TsStarted).Hours() / 24
}

type Layer struct {
	Id              string
	JobId           string
	Name            string
	Type            LayerType
	DispatchOrder   int
	MinCores        int
	MaxCores        int
	MinMemory       int64
	MinGpus         int
	MaxGpus         int
	MinGpuMemory    int64
	Tags            string
	Threadable      bool
	ChunkSize       int
	LimitIds        []string
	MemoryOptimizer bool
	// Running totals, written only by the ledger.
	Cores int
	Gpus  int
}

func (l *Layer) IsUtility() bool {
	return l.Type == LayerUtil
}

func (l *Layer) DeepCopy() *Layer {
	if l == nil {
		return nil
	}
	c := *l
	c.LimitIds = append([]string(nil), l.LimitIds...)
	return &c
}

type Frame struct {
	Id              string
	JobId           string
	LayerId         string
	Name            string
	Number          int
	State           FrameState
	Version         int64
	DependCount     int
	Retries         int
	ExitStatus      int
	DispatchOrder   int
	LayerOrder      int
	CheckpointState CheckpointState
	// Resources of the last proc the frame ran on.
	Host       string
	Cores      int
	Memory     int64
	Gpus       int
	GpuMemory  int64
	UsedMemory int64
	MaxRss     int64
	TsStarted  time.Time
	TsStopped  time.Time
	TsUpdated  time.Time
}

func (f *Frame) DeepCopy() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	return &c
}

type Host struct {
	Id            string
	Name          string
	AllocId       string
	FacilityId    string
	State         HostState
	LockState     LockState
	Tags          []string
	Os            []string
	ThreadMode    ThreadMode
	Cores         int
	IdleCores     int
	Memory        int64
	IdleMemory    int64
	Gpus          int
	IdleGpus      int
	GpuMemory     int64
	IdleGpuMemory int64
}

// TagString is the space separated tag set that layer tag expressions are matched against.
func (h *Host) TagString() string {
	return strings.Join(h.Tags, " ")
}

// SupportsOs returns true if a job requiring os may run on the host.
func (h *Host) SupportsOs(os string) bool {
	if os == "" {
		return true
	}
	for _, o := range h.Os {
		if strings.EqualFold(o, os) {
			return true
		}
	}
	return false
}

func (h *Host) Dispatchable() bool {
	return h.State == HostUp && h.LockState == LockOpen
}

func (h *Host) DeepCopy() *Host {
	if h == nil {
		return nil
	}
	c := *h
	c.Tags = append([]string(nil), h.Tags...)
	c.Os = append([]string(nil), h.Os...)
	return &c
}

// HostLocal is a slice of a host reserved for a single job. Bookings against it bypass show accounting.
type HostLocal struct {
	Id            string
	HostId        string
	JobId         string
	MaxCores      int
	IdleCores     int
	MaxMemory     int64
	IdleMemory    int64
	MaxGpus       int
	IdleGpus      int
	MaxGpuMemory  int64
	IdleGpuMemory int64
	Threads       int
}

// Proc is a reservation on a host bound to one frame. It records every aggregate it was attributed to so that
// releasing it reverses exactly what booking did.
type Proc struct {
	Id             string
	HostId         string
	HostName       string
	ShowId         string
	SubscriptionId string
	JobId          string
	LayerId        string
	FrameId        string
	FolderId       string
	PointId        string
	HostLocalId    string
	Local          bool
	Cores          int
	Memory         int64
	Gpus           int
	GpuMemory      int64
	UsedMemory     int64
	MaxUsedMemory  int64
	TsBooked       time.Time
	TsPing         time.Time
}

func (p *Proc) DeepCopy() *Proc {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
