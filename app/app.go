// Package app assembles a complete server process from a configuration and
// a processor registry: logger, asynchronous file writer, engine, console
// and signal handling, supervised together until shutdown completes.
package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/atuldpatil/pulsar/config"
	"github.com/atuldpatil/pulsar/console"
	"github.com/atuldpatil/pulsar/core"
	"github.com/atuldpatil/pulsar/filewriter"
	"github.com/atuldpatil/pulsar/logger"
)

// App is one assembled server process.
type App struct {
	cfg    config.Config
	log    logger.Logger
	fw     *filewriter.Writer
	engine *core.Engine
}

// New builds the process around the given configuration and registry. The
// logger writes to rotated files when cfg.Log.Dir is set, to the console
// otherwise.
func New(cfg config.Config, reg *core.Registry) (*App, error) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || cfg.Log.Level == "" {
		level = zerolog.InfoLevel
	}

	var log logger.Logger
	if cfg.Log.Dir != "" {
		log, err = logger.NewFile("pulsar", cfg.Log.Dir, level)
		if err != nil {
			return nil, err
		}
	} else {
		log = logger.NewConsole("pulsar", level)
	}

	fw := filewriter.New(16, log)

	engine, err := core.NewEngine(cfg, reg, log)
	if err != nil {
		fw.Stop()
		log.Close()
		return nil, err
	}
	engine.UseFileWriter(fw)

	return &App{cfg: cfg, log: log, fw: fw, engine: engine}, nil
}

// Engine exposes the engine, mainly so tests and tools can reach its
// statistics and shutdown entry points.
func (a *App) Engine() *core.Engine { return a.engine }

// Logger is the process logger.
func (a *App) Logger() logger.Logger { return a.log }

// Run serves until a shutdown is requested, by signal, console key or a
// direct RequestShutdown call, and the engine's shutdown sequence finishes.
// The file writer and the logger are stopped last so the final status lines
// still land.
func (a *App) Run() error {
	defer a.log.Close()
	defer a.fw.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return a.engine.Run()
	})

	g.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sig)
		select {
		case s := <-sig:
			a.log.Info("signal received",
				logger.Field{Key: "signal", Value: s.String()})
			a.engine.RequestShutdown()
		case <-ctx.Done():
		}
		return nil
	})

	if con, err := console.Acquire(a.engine.RequestShutdown, a.engine.DumpStatus, a.log); err == nil {
		g.Go(func() error {
			<-ctx.Done()
			con.Release()
			return nil
		})
	} else {
		a.log.Debug("console disabled",
			logger.Field{Key: "reason", Value: err.Error()})
	}

	return g.Wait()
}
