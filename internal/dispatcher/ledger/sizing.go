package ledger

import (
	"math"

	"github.com/spindle-render/spindle/internal/common/spindleerrors"
	"github.com/spindle-render/spindle/internal/dispatcher/model"
)

// Reservation is the amount of host capacity a proc holds.
type Reservation struct {
	Cores     int
	Memory    int64
	Gpus      int
	GpuMemory int64
}

// SizeProc decides how much of host a proc running a frame of layer reserves. Threadable layers may be given more
// than their minimum when the host would otherwise strand cores.
func SizeProc(host *model.Host, layer *model.Layer) (Reservation, error) {
	r := Reservation{
		Cores:     layer.MinCores,
		Memory:    layer.MinMemory,
		Gpus:      layer.MinGpus,
		GpuMemory: layer.MinGpuMemory,
	}
	if r.Cores >= model.CoreUnitsPerCore {
		wholeCores := host.IdleCores / model.CoreUnitsPerCore
		if wholeCores == 0 {
			return r, &spindleerrors.ErrResourceReservation{
				Resource: "host",
				Value:    host.Id,
				Message:  "only a fraction of a core is idle",
			}
		}
		switch {
		case host.ThreadMode == model.ThreadModeAll:
			r.Cores = wholeCores * model.CoreUnitsPerCore
		case layer.Threadable && host.IdleMemory-layer.MinMemory <= model.MemStrandedThreshold:
			r.Cores = wholeCores * model.CoreUnitsPerCore
		case layer.Threadable:
			r.Cores = coreSpan(host, layer.MinMemory)
		}
		if host.ThreadMode == model.ThreadModeVariable && layer.Threadable && r.Cores <= 2*model.CoreUnitsPerCore {
			r.Cores = 2 * model.CoreUnitsPerCore
		}
		if r.Cores < layer.MinCores {
			r.Cores = layer.MinCores
		}
		if layer.MaxCores > 0 && r.Cores > layer.MaxCores {
			r.Cores = layer.MaxCores
		}
		if r.Cores > host.IdleCores {
			r.Cores = wholeCores * model.CoreUnitsPerCore
		}
		if r.Cores < layer.MinCores {
			return r, &spindleerrors.ErrResourceReservation{
				Resource: "host",
				Value:    host.Id,
				Message:  "not enough idle cores for the layer minimum",
			}
		}
	}
	if !layer.Threadable && r.Cores > model.CoreUnitsPerCore && r.Cores > layer.MinCores {
		r.Cores = max(layer.MinCores, model.CoreUnitsPerCore)
	}
	return r, nil
}

// SizeLocalProc sizes a proc booked on a host partition. The partition's thread count decides the cores. A
// partition without a whole idle core fails with ErrResourceReservation.
func SizeLocalProc(local *model.HostLocal, layer *model.Layer) (Reservation, error) {
	r := Reservation{
		Cores:     local.Threads * model.CoreUnitsPerCore,
		Memory:    layer.MinMemory,
		Gpus:      layer.MinGpus,
		GpuMemory: layer.MinGpuMemory,
	}
	if r.Cores <= 0 {
		r.Cores = layer.MinCores
	}
	if r.Cores > local.IdleCores {
		r.Cores = local.IdleCores / model.CoreUnitsPerCore * model.CoreUnitsPerCore
	}
	if r.Cores < model.CoreUnitsPerCore {
		return r, &spindleerrors.ErrResourceReservation{
			Resource: "host local",
			Value:    local.Id,
			Message:  "no whole core is idle on the partition",
		}
	}
	return r, nil
}

// coreSpan is the number of cores whose share of the host's idle memory covers minMemory.
func coreSpan(host *model.Host, minMemory int64) int {
	totalCores := host.Cores / model.CoreUnitsPerCore
	if host.IdleCores < model.CoreUnitsPerCore || totalCores == 0 {
		return model.CoreUnitsPerCore
	}
	memPerCore := host.IdleMemory / int64(totalCores)
	if memPerCore <= 0 {
		return model.CoreUnitsPerCore
	}
	return int(math.Round(float64(minMemory)/float64(memPerCore))) * model.CoreUnitsPerCore
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
