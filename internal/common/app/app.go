package app

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spindle-render/spindle/internal/common/spindlecontext"
)

// CreateContextWithShutdown returns a context that is cancelled when SIGINT or SIGTERM is received.
func CreateContextWithShutdown() *spindlecontext.Context {
	ctx, cancel := spindlecontext.WithCancel(spindlecontext.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c)
		select {
		case sig := <-c:
			ctx.Infof("Received %s, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}
