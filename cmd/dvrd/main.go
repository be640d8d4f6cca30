package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arvek/dvrd/internal/api"
	"github.com/arvek/dvrd/internal/capture"
	"github.com/arvek/dvrd/internal/config"
	"github.com/arvek/dvrd/internal/engine"
	"github.com/arvek/dvrd/internal/metrics"
)

var version = "dev"

func main() {
	cfg := config.Load()

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("dvrd starting",
		"version", version,
		"api", cfg.APIAddr,
		"video_dir", cfg.VideoDir,
	)

	if err := os.MkdirAll(cfg.VideoDir, 0o755); err != nil {
		slog.Error("can't create video directory", "dir", cfg.VideoDir, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	m := metrics.New()
	eng := engine.New(engine.Config{
		Metrics: m,
		PIDs: engine.PIDs{
			Video:  uint16(cfg.VideoPID),
			Audio1: uint16(cfg.AudioPID1),
			Audio2: uint16(cfg.AudioPID2),
			Dolby:  uint16(cfg.DolbyPID),
		},
		AudioCommand: cfg.AudioCommand,
	})

	if cfg.CaptureSRTAddr != "" {
		src, err := capture.OpenSRT(cfg.CaptureSRTAddr, cfg.CaptureSRTStreamID, nil)
		if err != nil {
			slog.Error("capture source unavailable", "error", err)
			os.Exit(1)
		}
		defer src.Close()
		eng.AddDevice(&engine.Device{
			Name:    "srt:" + cfg.CaptureSRTAddr,
			Capture: src,
			Decoder: newSinkDecoder(os.Getenv("DECODER_SINK")),
		})
	} else {
		slog.Warn("no capture source configured, record and transfer are unavailable")
	}

	apiSrv := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: api.NewHandler(eng, cfg.VideoDir, nil, m).Router(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("control API listening", "addr", cfg.APIAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return apiSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		<-ctx.Done()
		eng.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
