package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/spindle-render/spindle/internal/common/spindleerrors"
	"github.com/spindle-render/spindle/internal/dispatcher/model"
)

const (
	NAMESPACE = "spindle"
	SUBSYSTEM = "dispatcher"
)

const (
	ModeGlobal = "global"
	ModeLocal  = "local"
	ModeReuse  = "reuse"
)

type Metrics struct {
	// Time taken to handle one host report.
	dispatchPassTime prometheus.Histogram
	// Frames started, by booking mode.
	framesBooked *prometheus.CounterVec
	// Bookings abandoned, by failure class.
	bookingFailures *prometheus.CounterVec
	// Frames stopped, by the state they moved to.
	framesStopped *prometheus.CounterVec
	procsReleased prometheus.Counter
	// Rows reclaimed by housekeeping, by kind.
	sweepReclaimed *prometheus.CounterVec
	sweepTime      prometheus.Histogram
}

// New creates the dispatcher collectors and registers them with registerer. showCacheStats, when non-nil, is
// read at scrape time.
func New(registerer prometheus.Registerer, showCacheStats func() (int, int)) *Metrics {
	m := &Metrics{
		dispatchPassTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: NAMESPACE,
				Subsystem: SUBSYSTEM,
				Name:      "dispatch_pass_seconds",
				Help:      "Time taken to book frames for one host report.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
			},
		),
		framesBooked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: NAMESPACE,
				Subsystem: SUBSYSTEM,
				Name:      "frames_booked_total",
				Help:      "Number of frames started on a proc.",
			},
			[]string{"mode"},
		),
		bookingFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: NAMESPACE,
				Subsystem: SUBSYSTEM,
				Name:      "booking_failures_total",
				Help:      "Number of bookings abandoned, by failure class.",
			},
			[]string{"kind"},
		),
		framesStopped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: NAMESPACE,
				Subsystem: SUBSYSTEM,
				Name:      "frames_stopped_total",
				Help:      "Number of frames stopped, by resulting state.",
			},
			[]string{"state"},
		),
		procsReleased: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: NAMESPACE,
				Subsystem: SUBSYSTEM,
				Name:      "procs_released_total",
				Help:      "Number of procs destroyed and their resources returned.",
			},
		),
		sweepReclaimed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: NAMESPACE,
				Subsystem: SUBSYSTEM,
				Name:      "sweep_reclaimed_total",
				Help:      "Number of orphaned procs, orphaned frames and stale checkpoints reclaimed.",
			},
			[]string{"kind"},
		),
		sweepTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: NAMESPACE,
				Subsystem: SUBSYSTEM,
				Name:      "sweep_seconds",
				Help:      "Time taken by one housekeeping sweep.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
			},
		),
	}

	registerer.MustRegister(
		m.dispatchPassTime,
		m.framesBooked,
		m.bookingFailures,
		m.framesStopped,
		m.procsReleased,
		m.sweepReclaimed,
		m.sweepTime,
	)
	if showCacheStats != nil {
		registerer.MustRegister(
			prometheus.NewCounterFunc(
				prometheus.CounterOpts{
					Namespace: NAMESPACE,
					Subsystem: SUBSYSTEM,
					Name:      "show_cache_hits_total",
					Help:      "Number of ranked show lists served from cache.",
				},
				func() float64 {
					hits, _ := showCacheStats()
					return float64(hits)
				},
			),
			prometheus.NewCounterFunc(
				prometheus.CounterOpts{
					Namespace: NAMESPACE,
					Subsystem: SUBSYSTEM,
					Name:      "show_cache_misses_total",
					Help:      "Number of ranked show lists loaded from the store.",
				},
				func() float64 {
					_, misses := showCacheStats()
					return float64(misses)
				},
			),
		)
	}
	return m
}

func (m *Metrics) ReportDispatchPass(duration time.Duration) {
	m.dispatchPassTime.Observe(duration.Seconds())
}

func (m *Metrics) ReportFrameBooked(mode string) {
	m.framesBooked.WithLabelValues(mode).Inc()
}

func (m *Metrics) ReportBookingFailure(err error) {
	m.bookingFailures.WithLabelValues(spindleerrors.Classify(err).String()).Inc()
}

func (m *Metrics) ReportFrameStopped(state model.FrameState) {
	m.framesStopped.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) ReportProcReleased() {
	m.procsReleased.Inc()
}

func (m *Metrics) ReportSweep(duration time.Duration, procs, frames, checkpoints int) {
	m.sweepTime.Observe(duration.Seconds())
	m.sweepReclaimed.WithLabelValues("proc").Add(float64(procs))
	m.sweepReclaimed.WithLabelValues("frame").Add(float64(frames))
	m.sweepReclaimed.WithLabelValues("checkpoint").Add(float64(checkpoints))
}
