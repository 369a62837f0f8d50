package spindlecontext

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Context is a context.Context that also carries a logger. Passing it around lets every dispatch pass log with the
// fields (host, job, frame) that were attached further up the call chain.
type Context struct {
	context.Context
	logrus.FieldLogger
}

// Background creates an empty context with the standard logger. It is analogous to context.Background()
func Background() *Context {
	return New(context.Background(), logrus.NewEntry(logrus.StandardLogger()))
}

// TODO creates an empty context with the standard logger. It is analogous to context.TODO()
func TODO() *Context {
	return New(context.TODO(), logrus.NewEntry(logrus.StandardLogger()))
}

// New wraps a go context and a logger.
func New(ctx context.Context, log logrus.FieldLogger) *Context {
	return &Context{
		Context:     ctx,
		FieldLogger: log,
	}
}

// FromGoContext returns ctx unchanged when it already is a *Context, otherwise it is wrapped with the standard logger.
func FromGoContext(ctx context.Context) *Context {
	if c, ok := ctx.(*Context); ok {
		return c
	}
	return New(ctx, logrus.NewEntry(logrus.StandardLogger()))
}

// WithCancel returns a copy of parent with a new Done channel. It is analogous to context.WithCancel()
func WithCancel(parent *Context) (*Context, context.CancelFunc) {
	c, cancel := context.WithCancel(parent.Context)
	return New(c, parent.FieldLogger), cancel
}

// WithDeadline is analogous to context.WithDeadline()
func WithDeadline(parent *Context, d time.Time) (*Context, context.CancelFunc) {
	c, cancel := context.WithDeadline(parent.Context, d)
	return New(c, parent.FieldLogger), cancel
}

// WithTimeout returns WithDeadline(parent, time.Now().Add(timeout)).
func WithTimeout(parent *Context, timeout time.Duration) (*Context, context.CancelFunc) {
	return WithDeadline(parent, time.Now().Add(timeout))
}

// WithLogField returns a copy of parent with the supplied key-value added to the logger
func WithLogField(parent *Context, key string, val interface{}) *Context {
	return New(parent.Context, parent.FieldLogger.WithField(key, val))
}

// WithLogFields returns a copy of parent with the supplied key-values added to the logger
func WithLogFields(parent *Context, fields logrus.Fields) *Context {
	return New(parent.Context, parent.FieldLogger.WithFields(fields))
}

// WithValue is analogous to context.WithValue()
func WithValue(parent *Context, key, val any) *Context {
	return New(context.WithValue(parent.Context, key, val), parent.FieldLogger)
}

// ErrGroup returns a new errgroup.Group and a Context derived from ctx that is cancelled when any member fails.
func ErrGroup(ctx *Context) (*errgroup.Group, *Context) {
	group, goctx := errgroup.WithContext(ctx.Context)
	return group, New(goctx, ctx.FieldLogger)
}
