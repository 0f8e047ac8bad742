package main

import (
	"context"
	"fmt"
	"os"

	"snapfile-go/internal/codec"
	"snapfile-go/internal/config"
	"snapfile-go/internal/engine"
	"snapfile-go/internal/history"
	"snapfile-go/internal/logger"
	"snapfile-go/internal/sink"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	verbose   bool
	quiet     bool
	version   = "dev"
	buildTime = "unknown"
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "snapfile",
	Short: "Compress images, PDFs and videos locally",
	Long: `Snapfile compresses batches of images, PDF documents and videos on
your machine. File types are detected from content, each file is compressed
at the requested quality, and a file that would not get smaller is kept as is.

Features:
- JPEG, PNG, GIF, WebP, BMP and TIFF re-encoding with optional conversion
- PDF rewriting through Ghostscript
- PDF pages rendered to PNG or JPEG, and images combined into a PDF
- H.264/AAC video transcoding through ffmpeg
- Tier limits on file size, batch size, kinds and concurrency
- Output to a directory or an S3 bucket
- HTTP API with live WebSocket progress
- Batch history and XLSX reports`,
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = fmt.Sprintf("%s (built %s)", version, buildTime)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sniffCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(toPDFCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := cfg.Logging.LoggerConfig()
	loggerCfg.Console = loggerCfg.Console && !quiet

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetOutput(os.Stderr)
		log.SetLevel(logrus.InfoLevel)
		log.Warnf("Falling back to default logger: %v", err)
	}

	return log
}

// buildBackends returns the image backend plus whichever external-tool
// backends are enabled and installed.
func buildBackends(cfg *config.Config, log *logrus.Logger) []codec.Backend {
	backends := []codec.Backend{
		codec.NewImageBackend(codec.ImageOptions{
			MaxDimension: cfg.Image.MaxDimension,
			MaxPixels:    cfg.Image.MaxPixels,
		}, log),
	}

	if cfg.PDF.Enabled {
		pdf, err := codec.NewPDFBackend(codec.PDFOptions{
			GhostscriptPath: cfg.PDF.GhostscriptPath,
			TempDir:         cfg.PDF.TempDir,
		}, log)
		if err != nil {
			log.Warnf("PDF compression unavailable: %v", err)
		} else {
			backends = append(backends, pdf)
		}
	}

	if cfg.Video.Enabled {
		video, err := codec.NewVideoBackend(codec.VideoOptions{
			FFmpegPath:  cfg.Video.FFmpegPath,
			FFprobePath: cfg.Video.FFprobePath,
			Preset:      cfg.Video.Preset,
			TempDir:     cfg.Video.TempDir,
		}, log)
		if err != nil {
			log.Warnf("Video compression unavailable: %v", err)
		} else {
			backends = append(backends, video)
		}
	}
	return backends
}

func newEngine(cfg *config.Config, log *logrus.Logger, onComplete func(*engine.Batch)) (*engine.Engine, error) {
	return engine.New(engine.Options{
		Workers:          cfg.Engine.Workers,
		ProgressInterval: cfg.Engine.ProgressInterval,
		EventBuffer:      cfg.Engine.EventBuffer,
		Retention:        cfg.Engine.Retention,
		Logger:           log,
		OnComplete:       onComplete,
	}, buildBackends(cfg, log)...)
}

func openHistory(cfg *config.Config, log *logrus.Logger) *history.Store {
	if !cfg.History.Enabled {
		return nil
	}
	store, err := history.Open(cfg.History.DBPath)
	if err != nil {
		log.Warnf("History disabled: %v", err)
		return nil
	}
	return store
}

func recordBatch(store *history.Store, log *logrus.Logger, b *engine.Batch) {
	if store == nil {
		return
	}
	if _, err := store.Record(b.ID, b.Tier.Name, b.CreatedAt, b.FinishedAt(), b.Jobs()); err != nil {
		logger.WithBatch(log, b.ID).WithError(err).Error("Failed to record batch history")
	}
}

func newSink(ctx context.Context, cfg *config.Config, log *logrus.Logger) (sink.Sink, error) {
	switch cfg.Sink.Type {
	case "s3":
		return sink.NewS3Sink(ctx, cfg.Sink.S3.Bucket, cfg.Sink.S3.Prefix, cfg.Sink.S3.Region, log)
	default:
		return sink.NewDirSink(cfg.Sink.Dir)
	}
}

// fileExists returns true if the given path exists and is a file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
