package monitor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Source is a long running monitor component (the scanner, the HTTP API).
// Run blocks until ctx is done; any other return is treated as a crash.
type Source interface {
	Name() string
	Run(ctx context.Context) error
}

// SourceFunc adapts a function to Source.
type SourceFunc struct {
	ID string
	Fn func(ctx context.Context) error
}

func (s SourceFunc) Name() string                  { return s.ID }
func (s SourceFunc) Run(ctx context.Context) error { return s.Fn(ctx) }

// Supervise runs every source in its own goroutine and restarts a source
// after restartDelay whenever it returns before ctx is done. It returns once
// ctx is done and all sources have stopped.
func Supervise(ctx context.Context, restartDelay time.Duration, sources ...Source) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		g.Go(func() error {
			log := slog.Default().With(slog.String("component", "supervisor"), slog.String("source", src.Name()))
			for {
				err := runSource(gctx, src)
				if gctx.Err() != nil {
					return nil
				}
				log.Error("source exited, restarting", slog.Any("err", err), slog.Duration("delay", restartDelay))
				select {
				case <-gctx.Done():
					return nil
				case <-time.After(restartDelay):
				}
			}
		})
	}
	return g.Wait()
}

// runSource turns a panic into an error so one source cannot take the
// process down.
func runSource(ctx context.Context, src Source) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("panic in source " + src.Name())
			slog.Error("source panicked", slog.String("source", src.Name()), slog.Any("panic", r))
		}
	}()
	err = src.Run(ctx)
	if err == nil && ctx.Err() == nil {
		err = errors.New("source returned without error")
	}
	return err
}
