package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/srtrelay/internal/config"
	"github.com/zsiec/srtrelay/internal/fanout"
	"github.com/zsiec/srtrelay/internal/ingest"
	srtingest "github.com/zsiec/srtrelay/internal/ingest/srt"
	"github.com/zsiec/srtrelay/internal/logging"
	"github.com/zsiec/srtrelay/internal/metrics"
	"github.com/zsiec/srtrelay/internal/redisstatus"
	"github.com/zsiec/srtrelay/internal/relay"
	"github.com/zsiec/srtrelay/internal/relayerr"
	"github.com/zsiec/srtrelay/internal/segment"
	"github.com/zsiec/srtrelay/internal/status"
	"github.com/zsiec/srtrelay/internal/transcode"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "srtrelay: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, flush, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "srtrelay: logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	code := run(cfg, log)
	flush()
	os.Exit(code)
}

func run(cfg *config.Config, log *slog.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	m := metrics.New()

	store, err := segment.Open(segment.Options{
		Dir:            cfg.HLSDir,
		PlaylistName:   cfg.PlaylistName,
		Retention:      cfg.RetentionCount,
		TargetDuration: cfg.SegmentDuration,
		CleanupOnStart: cfg.CleanupOnStart,
		Log:            log,
		Metrics:        m,
	})
	if err != nil {
		log.Error("failed to prepare HLS directory", "dir", cfg.HLSDir, "error", err)
		return 1
	}

	if path, err := exec.LookPath(cfg.Transcode.FFmpegPath); err != nil {
		log.Error("transcoder executable not found; HLS output will be unavailable, SRT relay continues",
			"ffmpeg", cfg.Transcode.FFmpegPath, "error", err)
	} else {
		log.Info("transcoder executable", "path", path)
	}

	slot := &ingest.Slot{}
	viewers := fanout.NewRegistry(cfg.ViewerQueueChunks, m, log)

	var ctrl *relay.Controller
	sup := transcode.NewSupervisor(transcode.Options{
		Launcher: &transcode.ExecLauncher{
			Spec: transcode.CommandSpec{
				Transcode:       cfg.Transcode,
				SegmentDuration: cfg.SegmentDuration,
				StagingDir:      store.StagingDir(),
			},
			Log: log,
		},
		MaxRestarts: cfg.MaxTranscoderRestarts,
		BackoffBase: cfg.RestartBackoffBase.Std(),
		BackoffMax:  cfg.RestartBackoffMax.Std(),
		StopGrace:   cfg.StopGrace.Std(),
		FeedBuffer:  cfg.FeedBufferChunks,
		OnSegment:   func(r segment.Report) { ctrl.SegmentReady(r) },
		Metrics:     m,
		Log:         log,
	})
	ctrl = relay.New(relay.Options{
		Transcoder: sup,
		Store:      store,
		Viewers:    viewers,
		Slot:       slot,
		Metrics:    m,
		Log:        log,
	})

	pipeline := &srtingest.Pipeline{
		Slot:     slot,
		Sinks:    []srtingest.Sink{viewers.Broadcast, sup.Feed},
		Observer: ctrl,
		Metrics:  m,
	}
	transport := srtingest.SRTGo{}

	viewerSrv := srtingest.NewViewerServer(cfg.ViewerAddr(), transport, viewers, log)
	if err := viewerSrv.Listen(); err != nil {
		return fatal(log, err)
	}

	var ingestRun func(context.Context) error
	if cfg.PullAddr != "" {
		caller := srtingest.NewCaller(srtingest.CallerOptions{
			Address:     cfg.PullAddr,
			StreamID:    cfg.PullStreamID,
			BackoffBase: cfg.RestartBackoffBase.Std(),
			BackoffMax:  cfg.RestartBackoffMax.Std(),
		}, transport, pipeline, log)
		ingestRun = caller.Run
	} else {
		pubSrv := srtingest.NewServer(cfg.IngestAddr(), transport, pipeline, log)
		if err := pubSrv.Listen(); err != nil {
			return fatal(log, err)
		}
		ingestRun = pubSrv.Serve
	}

	log.Info("srtrelay starting",
		"version", version,
		"publish", cfg.PublishURL(),
		"pull", cfg.PullAddr,
		"view", cfg.ViewURL(),
		"hls", cfg.PlaylistURL(),
		"hls_dir", cfg.HLSDir,
		"segment_sec", cfg.SegmentDuration,
		"retention", cfg.RetentionCount,
		"max_restarts", cfg.MaxTranscoderRestarts,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ctrl.Run(ctx) })
	g.Go(func() error { return ingestRun(ctx) })
	g.Go(func() error { return viewerSrv.Serve(ctx) })

	g.Go(func() error {
		if err := store.Watch(ctx); err != nil {
			log.Warn("segment directory watch unavailable", "error", err)
		}
		return nil
	})

	if cfg.HealthAddr != "" {
		statusSrv := status.New(status.Config{
			Addr:         cfg.HealthAddr,
			PlaylistPath: store.PlaylistPath(),
			MaxStaleness: time.Duration(cfg.HealthMaxStaleness) * time.Second,
			Snapshot:     ctrl.Snapshot,
			Logs:         sup.RecentLogs,
			Metrics:      m,
		}, log)
		g.Go(func() error {
			if err := statusSrv.Start(ctx); err != nil {
				log.Error("status server failed", "addr", cfg.HealthAddr, "error", err)
			}
			return nil
		})
	}

	if cfg.RedisAddr != "" {
		pub := redisstatus.New(redisstatus.Options{Addr: cfg.RedisAddr, Key: cfg.RedisKey}, log)
		defer pub.Close()
		g.Go(func() error { return pub.Run(ctx, ctrl.Snapshot) })
	}

	if err := g.Wait(); err != nil {
		log.Error("relay error", "error", err)
		return 1
	}
	log.Info("srtrelay stopped")
	return 0
}

// fatal logs an unrecoverable startup error.
func fatal(log *slog.Logger, err error) int {
	if relayerr.IsFatal(err) {
		log.Error("cannot bind listening socket", "error", err)
	} else {
		log.Error("startup failed", "error", err)
	}
	return 1
}
