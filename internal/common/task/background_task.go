package task

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/spindle-render/spindle/internal/common/spindlecontext"
)

type task struct {
	function    func(ctx *spindlecontext.Context)
	interval    time.Duration
	name        string
	stopChannel chan struct{}
}

// BackgroundTaskManager is not threadsafe, it should only be accessed from a single thread.
type BackgroundTaskManager struct {
	tasks   []*task
	clock   clock.Clock
	latency *prometheus.HistogramVec
	wg      *sync.WaitGroup
}

func NewBackgroundTaskManager(clock clock.Clock, registerer prometheus.Registerer, metricsPrefix string) *BackgroundTaskManager {
	latency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    metricsPrefix + "background_task_latency_seconds",
			Help:    "Background loop latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		},
		[]string{"task"},
	)
	registerer.MustRegister(latency)
	return &BackgroundTaskManager{
		tasks:   []*task{},
		clock:   clock,
		latency: latency,
		wg:      &sync.WaitGroup{},
	}
}

// Register starts running backgroundTask immediately and then every interval until StopAll is called.
func (m *BackgroundTaskManager) Register(ctx *spindlecontext.Context, backgroundTask func(ctx *spindlecontext.Context), interval time.Duration, name string) {
	task := &task{
		function:    backgroundTask,
		interval:    interval,
		name:        name,
		stopChannel: make(chan struct{}),
	}
	m.startBackgroundTask(spindlecontext.WithLogField(ctx, "task", name), task)
	m.tasks = append(m.tasks, task)
}

// StopAll stops every task and waits up to timeout for running ones to return. It returns true on timeout.
func (m *BackgroundTaskManager) StopAll(timeout time.Duration) bool {
	m.stopTasks()
	return m.waitForShutdownCompletion(timeout)
}

func (m *BackgroundTaskManager) startBackgroundTask(ctx *spindlecontext.Context, task *task) {
	observer := m.latency.WithLabelValues(task.name)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			start := m.clock.Now()
			task.function(ctx)
			observer.Observe(m.clock.Since(start).Seconds())

			select {
			case <-m.clock.After(task.interval):
			case <-task.stopChannel:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (m *BackgroundTaskManager) waitForShutdownCompletion(timeout time.Duration) bool {
	c := make(chan struct{})
	go func() {
		defer close(c)
		m.wg.Wait()
	}()
	select {
	case <-c:
		return false
	case <-time.After(timeout):
		return true
	}
}

func (m *BackgroundTaskManager) stopTasks() {
	for _, task := range m.tasks {
		close(task.stopChannel)
	}
}
