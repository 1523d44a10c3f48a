package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/mattermost/media-transcriber/cmd/transcriber/config"
	"github.com/mattermost/media-transcriber/cmd/transcriber/media"
	"github.com/mattermost/media-transcriber/cmd/transcriber/pipeline"
	"github.com/mattermost/media-transcriber/cmd/transcriber/web"

	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
)

func slogReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.SourceKey {
		source := a.Value.Any().(*slog.Source)
		if source.File == "" {
			// Log from a dependency.
			if pc, file, line, ok := runtime.Caller(7); ok {
				if f := runtime.FuncForPC(pc); f != nil {
					source.File = filepath.Base(filepath.Dir(file)) + "/" + filepath.Base(file)
					source.Line = line
				}
			}
		} else {
			source.File = filepath.Base(source.File)
		}
	}
	return a
}

func newServer(cfg config.TranscriberConfig) (*web.Server, error) {
	runner := media.NewExecRunner()

	extractor, err := media.NewExtractor(media.ExtractorConfig{
		DataDir:     cfg.DataDir,
		FFmpegPath:  cfg.FFmpegPath,
		FFprobePath: cfg.FFprobePath,
		BitrateKbps: cfg.AudioBitrateKbps,
	}, runner)
	if err != nil {
		return nil, fmt.Errorf("failed to create extractor: %w", err)
	}

	segmenter, err := media.NewSegmenter(media.SegmenterConfig{
		DataDir:     cfg.DataDir,
		FFmpegPath:  cfg.FFmpegPath,
		Chunk:       float64(cfg.SegmentDurationSec),
		BitrateKbps: cfg.AudioBitrateKbps,
	}, runner)
	if err != nil {
		return nil, fmt.Errorf("failed to create segmenter: %w", err)
	}

	factory, err := newTranscriberFactory(cfg, runner)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcriber factory: %w", err)
	}

	p, err := pipeline.New(pipeline.Config{MaxUploadSize: cfg.MaxUploadSize()}, extractor, segmenter, factory)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	return web.NewServer(web.Config{
		MaxUploadSize: cfg.MaxUploadSize(),
		DefaultModel:  cfg.ModelSize,
	}, p)
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource:   true,
		Level:       slog.LevelDebug,
		ReplaceAttr: slogReplaceAttr,
	}))
	slog.SetDefault(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("failed to load config", slog.String("err", err.Error()))
		os.Exit(1)
	}
	cfg.SetDefaults()

	if err := cfg.IsValid(); err != nil {
		slog.Error("failed to validate config", slog.String("err", err.Error()))
		os.Exit(1)
	}

	slog.Info("starting transcriber", slog.Any("cfg", cfg.ToMap()))

	handler, err := newServer(cfg)
	if err != nil {
		slog.Error("failed to create server", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer handler.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("listening", slog.String("addr", cfg.ListenAddress))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("stopping transcriber")

		// Active runs are canceled so their streaming responses can complete.
		handler.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("transcriber failed", slog.String("err", err.Error()))
		os.Exit(1)
	}

	slog.Info("transcriber has finished, exiting")
}
