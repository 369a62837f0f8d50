package store

// CounterKind names one level of the capacity hierarchy.
type CounterKind int

const (
	// HostIdle counts what is left on a host. Negative deltas reserve.
	HostIdle CounterKind = iota
	// HostLocalIdle counts what is left of a host partition. Negative deltas reserve.
	HostLocalIdle
	// SubscriptionRunning counts cores a show runs in an allocation. Positive deltas are capped by burst.
	SubscriptionRunning
	JobRunning
	JobLocalRunning
	FolderRunning
	PointRunning
	LayerRunning
)

func (k CounterKind) String() string {
	switch k {
	case HostIdle:
		return "host"
	case HostLocalIdle:
		return "host_local"
	case SubscriptionRunning:
		return "subscription"
	case JobRunning:
		return "job"
	case JobLocalRunning:
		return "job_local"
	case FolderRunning:
		return "folder"
	case PointRunning:
		return "point"
	case LayerRunning:
		return "layer"
	}
	return "unknown"
}

// Reserves returns true if a negative delta of this kind consumes capacity rather than releasing usage.
func (k CounterKind) Reserves() bool {
	return k == HostIdle || k == HostLocalIdle
}

// CounterDelta is a change to one aggregate. Memory fields only apply to the idle kinds.
type CounterDelta struct {
	Kind      CounterKind
	Key       string
	Cores     int
	Memory    int64
	Gpus      int
	GpuMemory int64
}

// Negate returns the delta that undoes d.
func (d CounterDelta) Negate() CounterDelta {
	return CounterDelta{
		Kind:      d.Kind,
		Key:       d.Key,
		Cores:     -d.Cores,
		Memory:    -d.Memory,
		Gpus:      -d.Gpus,
		GpuMemory: -d.GpuMemory,
	}
}
