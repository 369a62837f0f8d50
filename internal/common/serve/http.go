package serve

import (
	"context"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

// ServeHttp serves handler on port in the background. The returned function stops the server, waiting for
// in-flight requests for a short while.
func ServeHttp(port uint16, handler http.Handler) (shutdown func()) {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infof("Starting http server listening on %d", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Http server stopped unexpectedly")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Infof("Stopping http server listening on %d", port)
		if err := server.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("Http server did not shut down cleanly")
		}
	}
}
