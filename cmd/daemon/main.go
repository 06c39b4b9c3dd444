// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/michaelhil/synopticon/internal/api"
	"github.com/michaelhil/synopticon/internal/bus"
	"github.com/michaelhil/synopticon/internal/config"
	"github.com/michaelhil/synopticon/internal/distribute"
	synlog "github.com/michaelhil/synopticon/internal/log"
	"github.com/michaelhil/synopticon/internal/media"
	"github.com/michaelhil/synopticon/internal/orchestrator"
	"github.com/michaelhil/synopticon/internal/pipeline"
	"github.com/michaelhil/synopticon/internal/session"
)

var version = "v1.0.0"

// Exit codes: 0 clean shutdown, 1 config error, 2 bind failure,
// 3 unrecoverable internal error.
const (
	exitOK       = 0
	exitConfig   = 1
	exitBind     = 2
	exitInternal = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return exitOK
	}

	// Optional .env for local development; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}

	synlog.Configure(synlog.Config{
		Level:   cfg.LogLevel,
		Service: "synopticon",
		Version: version,
	})
	logger := synlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events := bus.NewMemoryBus()

	orch := orchestrator.New(events, orchestrator.Options{
		MaxFallbacks:     cfg.MaxFallbacks,
		DefaultTimeout:   cfg.DefaultTimeout,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  cfg.BreakerCooldown,
	})

	sse := distribute.NewSSE()
	_ = sse.Connect(ctx)
	dists := []distribute.Distributor{
		distribute.NewUDP(),
		distribute.NewWS(),
		distribute.NewMQTT(),
		distribute.NewHTTP(distribute.HTTPOptions{}),
		sse,
	}
	sessions := session.NewManager(events, dists, session.Options{
		QueueSize:     cfg.StreamQueueSize,
		FailThreshold: cfg.StreamFailThreshold,
	})

	if cfg.MediaEnabled {
		if err := startMedia(ctx, orch, sessions); err != nil {
			logger.Error().Err(err).Msg("media pipeline failed to start")
			return exitInternal
		}
	}

	server := api.New(api.Deps{
		Config:       cfg,
		Version:      version,
		Orchestrator: orch,
		Sessions:     sessions,
		Events:       events,
		SSE:          sse,
	})

	addr := net.JoinHostPort("", strconv.Itoa(cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error().Err(err).Str("addr", addr).Msg("bind failed")
		return exitBind
	}

	httpSrv := &http.Server{
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Int("port", cfg.Port).Str("version", version).Msg("control api listening")
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if cerr := sessions.Close(closeCtx); cerr != nil {
		logger.Warn().Err(cerr).Msg("session teardown incomplete")
	}

	if err != nil {
		logger.Error().Err(err).Msg("unrecoverable error")
		return exitInternal
	}

	logger.Info().Msg("clean shutdown")
	return exitOK
}

// startMedia registers the producer pipeline, routes its frames back through
// the orchestrator and forwards results to the distribution subsystem.
func startMedia(ctx context.Context, orch *orchestrator.Orchestrator, sessions *session.Manager) error {
	producer := media.NewProducer(nil)

	caps := producer.Descriptor().Capabilities
	producer.SetSink(func(frame pipeline.Frame) {
		res := orch.Process(ctx, orchestrator.Request{
			Required: caps,
			Frame:    frame,
			Exclude:  producer.Descriptor().Name,
		})
		if res.Success {
			sessions.Dispatch(ctx, caps, res)
		}
	})

	return orch.Register(ctx, producer.Descriptor())
}
