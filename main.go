package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hls-engine/work/buffer"
	"hls-engine/work/config"
	"hls-engine/work/logger"
	"hls-engine/work/player"
	"hls-engine/work/session"
	"hls-engine/work/utils"
)

var (
	Version = "v0.1.0" // default version
)

var appLog = logger.Default().With("main")

// our main app worker
func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to the JSON configuration")
	source := flag.String("source", "", "playlist URL, overrides sourceURL")
	output := flag.String("output", "", "file receiving the main rendition, overrides outputPath")
	speed := flag.Float64("speed", 0, "initial playback speed, overrides startSpeed")
	flag.Parse()

	// load our config
	cfg := config.LoadConfig(*configPath)
	if *source != "" {
		cfg.SourceURL = *source
	}
	if *output != "" {
		cfg.OutputPath = *output
	}
	if *speed != 0 {
		cfg.StartSpeed = *speed
	}
	logger.SetLogLevel(cfg.LogLevel)

	if cfg.SourceURL == "" {
		appLog.Error("{main - main} no source playlist: set sourceURL or pass -source")
		os.Exit(2)
	}

	if err := run(cfg); err != nil {
		appLog.Error("{main - main} %v", err)
		os.Exit(1)
	}
}

// run plays cfg.SourceURL into cfg.OutputPath until the end of the stream,
// a fatal session error or a termination signal.
func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := os.Create(cfg.OutputPath)
	if err != nil {
		return err
	}
	defer out.Close()

	sink := player.NewFileSink(out, buffer.NewBufferPool(int64(cfg.PlayerBufferSize), cfg.PlayerBuffers),
		player.SinkOptions{Logger: logger.Default().With("player")})
	defer sink.Close()

	mgr, err := session.NewManager(cfg, logger.Default())
	if err != nil {
		return err
	}
	defer mgr.Shutdown()

	sess, err := mgr.Create(sink)
	if err != nil {
		return err
	}

	finished := make(chan error, 1)
	var once sync.Once
	finish := func(err error) { once.Do(func() { finished <- err }) }

	sess.RegisterCallbacks(
		func(ev player.EventData) {
			sink.HandleEvent(ev)
			if ev.Event == player.EventEOF && sess.Speed() == 1 {
				finish(nil)
			}
		},
		func(r player.ErrorReport) {
			sink.HandleError(r)
			if r.Fatal {
				finish(errors.New(r.String()))
			}
		},
	)

	var srv *http.Server
	if cfg.ListenAddr != "" {
		router := mux.NewRouter()
		router.Handle("/metrics", promhttp.Handler()).Methods("GET")
		setupStatusRoutes(router, mgr, cfg.MaxSessions, cfg.WorkerThreads)
		srv = &http.Server{Addr: cfg.ListenAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				appLog.Error("{main - run} status server: %v", err)
			}
		}()
	}

	// show info
	appLog.Info("Starting HLS engine %s", Version)
	appLog.Info("  - Source: %s", utils.LogURL(cfg, cfg.SourceURL))
	appLog.Info("  - Output: %s", cfg.OutputPath)
	appLog.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	appLog.Info("  - Bitrate Bounds: %d - %d", cfg.BitrateMin, cfg.EffectiveBitrateMax())
	appLog.Info("  - Status API: %q", cfg.ListenAddr)

	if err := sess.SetDataSource(cfg.SourceURL); err != nil {
		return err
	}
	if err := sess.Prepare(); err != nil {
		return err
	}
	if cfg.StartSpeed != 1 {
		if err := sess.SetSpeed(cfg.StartSpeed); err != nil {
			return err
		}
	}
	if err := sess.Play(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		appLog.Info("{main - run} signal received, shutting down")
	case err = <-finished:
		if err == nil {
			dctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if derr := sink.Drain(dctx); derr != nil {
				appLog.Warn("{main - run} drain: %v", derr)
			}
			cancel()
			appLog.Info("{main - run} end of stream reached")
		}
	}

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}
	return err
}
