package dispatcher

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/spindle-render/spindle/internal/common/app"
	"github.com/spindle-render/spindle/internal/common/database"
	"github.com/spindle-render/spindle/internal/common/health"
	"github.com/spindle-render/spindle/internal/common/serve"
	"github.com/spindle-render/spindle/internal/common/spindlecontext"
	"github.com/spindle-render/spindle/internal/common/task"
	"github.com/spindle-render/spindle/internal/dispatcher/configuration"
	"github.com/spindle-render/spindle/internal/dispatcher/store"
	"github.com/spindle-render/spindle/internal/dispatcher/store/memdb"
	"github.com/spindle-render/spindle/internal/dispatcher/store/postgres"
)

const backgroundTaskStopTimeout = 10 * time.Second

// Run sets up a dispatcher and runs its housekeeping until a SIGTERM is received. The process serves only
// /metrics and /health; host and frame reports reach the dispatcher through a service that embeds this package
// and calls DispatchHost, HandleFrameComplete and HandleUsage.
func Run(config configuration.Configuration) error {
	ctx := app.CreateContextWithShutdown()

	//////////////////////////////////////////////////////////////////////////
	// Store
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Setting up %s store", config.Store)
	s, closeStore, err := OpenStore(ctx, config)
	if err != nil {
		return err
	}
	defer closeStore()

	clk := clock.RealClock{}
	d, err := New(s, clk, FromConfiguration(config), prometheus.DefaultRegisterer)
	if err != nil {
		return errors.WithMessage(err, "error creating dispatcher")
	}

	//////////////////////////////////////////////////////////////////////////
	// Metrics and health checks
	//////////////////////////////////////////////////////////////////////////
	healthChecks := health.NewMultiChecker(health.CheckerFunc(s.Ping))
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Handle("/metrics", promhttp.Handler())
	router.Handle("/health", health.NewHealthCheckHttpHandler(healthChecks))
	shutdownHttpServer := serve.ServeHttp(config.Metrics.Port, router)
	defer shutdownHttpServer()

	//////////////////////////////////////////////////////////////////////////
	// Housekeeping
	//////////////////////////////////////////////////////////////////////////
	tasks := task.NewBackgroundTaskManager(clk, prometheus.DefaultRegisterer, "spindle_dispatcher_")
	tasks.Register(ctx, func(ctx *spindlecontext.Context) {
		if _, err := d.Sweep(ctx); err != nil {
			ctx.WithError(err).Warn("sweep did not complete cleanly")
		}
	}, config.Sweeper.Interval, "sweep")

	<-ctx.Done()
	if tasks.StopAll(backgroundTaskStopTimeout) {
		log.Warn("background tasks did not stop in time")
	}
	return nil
}

// FromConfiguration extracts the dispatch core settings from the process configuration.
func FromConfiguration(config configuration.Configuration) Config {
	return Config{
		Selection:        config.Scheduling.Selection(),
		Frames:           config.Frames.StateMachine(),
		Sweeper:          config.Sweeper.Sweeper(),
		MaxFramesPerPass: config.Scheduling.MaxFramesPerPass,
	}
}

// OpenStore opens the store selected by config. The returned function releases it.
func OpenStore(ctx *spindlecontext.Context, config configuration.Configuration) (store.Store, func(), error) {
	switch config.Store {
	case configuration.MemoryStore:
		s, err := memdb.New()
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	case configuration.PostgresStore:
		db, err := database.OpenPgxPool(ctx, config.Postgres)
		if err != nil {
			return nil, nil, errors.WithMessage(err, "error opening connection to postgres")
		}
		return postgres.New(db), db.Close, nil
	default:
		return nil, nil, errors.Errorf("unknown store %q", config.Store)
	}
}
