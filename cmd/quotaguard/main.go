// Package main runs the quotaguard sidecar: admission control, presence and
// a quota guarded document read path behind one HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/illmade-knight/go-quotaguard/pkg/config"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	httpPort   string
	logLevel   string
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("quotaguard", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "Path to the YAML configuration file")
	fs.StringVar(&opts.httpPort, "http-port", "", "Listen address, overrides http_port")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level, overrides log_level")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

func loadConfig(opts options) (*config.Config, error) {
	var cfg *config.Config
	if opts.configPath == "" {
		cfg = config.Default()
	} else {
		var err error
		if cfg, err = config.Load(opts.configPath); err != nil {
			return nil, err
		}
	}
	if opts.httpPort != "" {
		cfg.HTTPPort = opts.httpPort
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	if cfg.LogFormat == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "quotaguard").Logger(), nil
}

func run() error {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, quartz.NewReal(), logger)
	if err != nil {
		return err
	}
	defer app.close()
	return app.run(ctx)
}

func (a *app) run(ctx context.Context) error {
	if err := a.server.Listen(ctx); err != nil {
		return err
	}
	a.logger.Info().Str("address", a.server.Addr()).Msg("quotaguard started.")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.server.Serve(gctx) })
	g.Go(func() error { return ignoreCanceled(a.breaker.Start(gctx).Wait()) })
	g.Go(func() error { return ignoreCanceled(a.cache.Start(gctx).Wait()) })
	g.Go(func() error { return ignoreCanceled(a.aggregator.Run(gctx)) })
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info().Msg("Shutting down quotaguard.")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		a.sessions.StopAll(shutdownCtx)
		if a.publisher != nil {
			return a.publisher.Stop(shutdownCtx)
		}
		return nil
	})

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
