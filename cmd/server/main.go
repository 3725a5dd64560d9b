package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"hpwhdash/internal/config"
	"hpwhdash/internal/history"
	"hpwhdash/internal/logging"
	"hpwhdash/internal/procs"
	"hpwhdash/internal/relay"
	"hpwhdash/internal/runner"
	"hpwhdash/internal/server"
	"hpwhdash/internal/store"
	"hpwhdash/internal/telemetry"
	"hpwhdash/internal/types"
)

func main() {
	cfgPath := flag.String("config", "hpwhdash.yaml", "Path to configuration file")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *configCheck {
		fmt.Println("Configuration OK.")
		return
	}

	logger, cleanup, err := logging.Setup(cfg.Logging, cfg.Root)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped with error")
	}
}

func procSpecs(cfg config.ProcsConfig) map[string]procs.Spec {
	spec := func(p config.ProcConfig) procs.Spec {
		return procs.Spec{Command: p.Command, Args: p.Args, Dir: p.Dir, Port: p.Port}
	}
	return map[string]procs.Spec{
		types.PeerTestProc: spec(cfg.Test),
		types.PeerPerfProc: spec(cfg.Perf),
		types.PeerFitProc:  spec(cfg.Fit),
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewPrometheusCollector(reg)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	var hist *history.Store
	if cfg.HistoryPath != "" {
		hist, err = history.Open(cfg.HistoryPath)
		if err != nil {
			return err
		}
		defer hist.Close()
	}

	rl := relay.New(logging.Component(logger, "relay"), metrics)
	defer rl.Close()

	engine := runner.NewEngine(runner.Options{
		Root:     cfg.Root,
		TestRoot: cfg.TestRoot,
		BuildDir: cfg.BuildDir,
		Timeout:  cfg.RunTimeout.Duration,
		Emit:     rl.BroadcastJSON,
		History:  hist,
		Metrics:  metrics,
		Logger:   logging.Component(logger, "runner"),
	})

	pm := procs.NewManager(procSpecs(cfg.Procs), cfg.SettleDelay.Duration, cfg.StartupDelay.Duration,
		logging.Component(logger, "procs"))
	defer pm.StopAll()

	srv := server.NewServer(server.Deps{
		Store:    store.New(cfg.Root),
		Runner:   engine,
		Procs:    pm,
		Relay:    rl,
		History:  hist,
		Metrics:  metrics,
		Gatherer: reg,
		Logger:   logger,
	})

	servers := []*http.Server{
		{
			Addr:              cfg.Listen,
			Handler:           srv.Router,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
	if cfg.WSListen != "" {
		servers = append(servers, &http.Server{
			Addr:              cfg.WSListen,
			Handler:           rl,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	errCh := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *http.Server) {
			logger.Info().Str("addr", s.Addr).Msg("listening")
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("%s: %w", s.Addr, err)
			}
		}(s)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		shutdown(servers, logger)
		return err
	}
	shutdown(servers, logger)
	logger.Info().Msg("server stopped")
	return nil
}

func shutdown(servers []*http.Server, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(ctx); err != nil {
			logger.Warn().Err(err).Str("addr", s.Addr).Msg("shutdown")
		}
	}
}
