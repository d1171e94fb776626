// sentinel watches download directories, analyzes new files in a sandbox
// and quarantines the ones judged malicious. It also keeps the hash rules
// fed from threat-intelligence feeds and serves a local management API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/invisible-tech/download-sentinel/internal/config"
	"github.com/invisible-tech/download-sentinel/internal/server"
	"github.com/invisible-tech/download-sentinel/internal/version"
	"github.com/invisible-tech/download-sentinel/pkg/monitor"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		vetPath     string
		once        bool
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("sentinel", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML config file layered over the environment")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL and the config file)")
	flagSet.StringVar(&vetPath, "vet", "", "analyze one file, print the verdict as JSON and exit")
	flagSet.BoolVar(&once, "once", false, "run one feed update and exit")
	flagSet.BoolVar(&showVersion, "version", false, "print the version and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println(version.Version)
		return nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch {
	case vetPath != "":
		return vet(ctx, cfg, vetPath, log)
	case once:
		return updateOnce(ctx, cfg, log)
	}
	return serve(ctx, cancel, cfg, log)
}

func newLogger(cfg config.LogConfig) (*logrus.Logger, error) {
	log := logrus.New()
	switch strings.ToLower(cfg.Format) {
	case "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	log.SetLevel(level)
	return log, nil
}

func vet(ctx context.Context, cfg config.Config, path string, log *logrus.Logger) error {
	cfg.Watch.Dirs = nil
	mon, err := monitor.New(cfg, log)
	if err != nil {
		return err
	}
	defer mon.Shutdown(context.Background())

	res, err := mon.Analyze(ctx, path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func updateOnce(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	cfg.Watch.Dirs = nil
	mon, err := monitor.New(cfg, log)
	if err != nil {
		return err
	}
	defer mon.Shutdown(context.Background())

	if err := mon.UpdateFeeds(ctx); err != nil {
		return err
	}
	snap := mon.Snapshot()
	log.WithField("rules", snap.Rules).Info("Feed update complete")
	return nil
}

func serve(ctx context.Context, stop context.CancelFunc, cfg config.Config, log *logrus.Logger) error {
	log.WithFields(logrus.Fields{
		"version":    version.Version,
		"data_dir":   cfg.DataDir,
		"watch_dirs": cfg.Watch.Dirs,
	}).Info("Starting download sentinel")

	mon, err := monitor.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}

	var srv *server.Server
	if cfg.HTTP.Addr != "" {
		srv = server.New(cfg.HTTP, mon, log)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("API server error")
			}
		}()
	}

	monCtx, monCancel := context.WithCancel(context.Background())
	defer monCancel()
	go func() {
		if err := mon.Start(monCtx); err != nil {
			log.WithError(err).Error("Monitor error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Error shutting down API server")
		}
	}
	if err := mon.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error during shutdown")
	}

	log.Info("Sentinel shutdown complete")
	return nil
}
