package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/spindle-render/spindle/internal/common/spindleerrors"
	"github.com/spindle-render/spindle/internal/dispatcher/model"
)

func TestMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry(), nil)

	m.ReportFrameBooked(ModeGlobal)
	m.ReportFrameBooked(ModeGlobal)
	m.ReportFrameBooked(ModeLocal)
	m.ReportBookingFailure(&spindleerrors.ErrFrameReservation{FrameId: "f"})
	m.ReportBookingFailure(&spindleerrors.ErrResourceReservation{Resource: "host"})
	m.ReportFrameStopped(model.FrameSucceeded)
	m.ReportProcReleased()
	m.ReportSweep(time.Second, 2, 1, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesBooked.WithLabelValues(ModeGlobal)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesBooked.WithLabelValues(ModeLocal)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bookingFailures.WithLabelValues("contention")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.bookingFailures.WithLabelValues("exhaustion")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesStopped.WithLabelValues("SUCCEEDED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.procsReleased))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.sweepReclaimed.WithLabelValues("proc")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.sweepReclaimed.WithLabelValues("checkpoint")))
}

func TestMetrics_ShowCacheStats(t *testing.T) {
	registry := prometheus.NewRegistry()
	New(registry, func() (int, int) { return 7, 3 })

	count, err := testutil.GatherAndCount(registry, "spindle_dispatcher_show_cache_hits_total", "spindle_dispatcher_show_cache_misses_total")
	assert.NoError(t, err)
	assert.Equal(t, 2, count)
}
