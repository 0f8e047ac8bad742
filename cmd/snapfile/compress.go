package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"snapfile-go/internal/collector"
	"snapfile-go/internal/engine"
	"snapfile-go/internal/job"
	"snapfile-go/internal/logger"
	"snapfile-go/internal/report"
	"snapfile-go/internal/sink"
	"snapfile-go/internal/statistics"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	tierName     string
	quality      float64
	targetFormat string
	outDir       string
	reportPath   string
	recursive    bool
	workers      int
)

// compressCmd compresses files and directories given on the command line.
var compressCmd = &cobra.Command{
	Use:   "compress <file|directory>...",
	Short: "Compress files and write the results to the configured sink",
	Long: `Compress the given files and directories as one batch. Directories are
scanned for files (use --recursive to descend). Outputs are written to the
directory sink (--out) or the S3 sink from the config, mirroring the input
tree. Files that would not get smaller are written unchanged.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress(args)
	},
}

func init() {
	compressCmd.Flags().StringVar(&tierName, "tier", "", "tier to apply (default from config)")
	compressCmd.Flags().Float64Var(&quality, "quality", 0, "quality ratio in (0, 1]; 0 uses the default")
	compressCmd.Flags().StringVar(&targetFormat, "format", "", "convert images to jpeg, png, gif, bmp, tiff or pdf; render PDF pages as png or jpeg")
	compressCmd.Flags().StringVar(&outDir, "out", "", "write outputs to this directory instead of the configured sink")
	compressCmd.Flags().StringVar(&reportPath, "report", "", "also write an XLSX report to this path")
	compressCmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "descend into subdirectories")
	compressCmd.Flags().IntVar(&workers, "workers", 0, "worker count (default from config)")
}

func runCompress(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if outDir != "" {
		cfg.Sink.Type = "dir"
		cfg.Sink.Dir = outDir
	}
	if workers > 0 {
		cfg.Engine.Workers = workers
	}
	log := setupLogger(cfg)

	tier, err := cfg.Tier(tierName)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := collector.New(collector.Options{
		Recursive:  recursive || cfg.Collector.Recursive,
		Extensions: cfg.Collector.Extensions,
	}, log)
	files, err := c.Collect(args)
	if err != nil {
		return fmt.Errorf("failed to collect files: %w", err)
	}
	if len(files) == 0 {
		log.Info("No files found to compress")
		return nil
	}
	data, err := collector.ReadAll(ctx, files, cfg.Engine.Workers)
	if err != nil {
		return err
	}

	out, err := newSink(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open sink: %w", err)
	}

	// Outputs are released explicitly once written.
	cfg.Engine.Retention = 0
	eng, err := newEngine(cfg, log, nil)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := eng.Close(closeCtx); err != nil {
			log.WithError(err).Warn("Engine did not close cleanly")
		}
	}()

	items := make([]engine.Item, len(files))
	for i, f := range files {
		items[i] = engine.Item{Name: f.Name, Data: data[i], Quality: quality, TargetFormat: targetFormat}
	}

	b, err := eng.Submit(ctx, engine.BatchSubmission{Items: items, Tier: tier})
	if err != nil {
		var adm *engine.AdmissionError
		if errors.As(err, &adm) && adm.Index >= 0 {
			return fmt.Errorf("%w (file %s)", err, files[adm.Index].Path)
		}
		return err
	}
	log.Infof("Compressing %d files with tier %s", b.Len(), tier.Name)

	events, unsubscribe := b.Subscribe()
	go reportProgress(b, events)

	select {
	case <-b.Done():
	case <-ctx.Done():
		log.Warn("Interrupted, cancelling remaining jobs")
		b.CancelAll()
		<-b.Done()
	}
	unsubscribe()

	written, err := writeOutputs(context.Background(), b, out, cfg.Engine.Workers, log)
	if err != nil {
		return err
	}

	summary := b.Summary()
	if !quiet {
		fmt.Println("\n" + summary.Text())
		fmt.Printf("\nWrote %d files\n", written)
	}

	if reportPath != "" {
		xlsx, err := report.BuildXLSX(b.ID, b.Jobs())
		if err != nil {
			return fmt.Errorf("failed to build report: %w", err)
		}
		if err := os.WriteFile(reportPath, xlsx, 0644); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
		log.Infof("Report written to %s", reportPath)
	}

	if store := openHistory(cfg, log); store != nil {
		recordBatch(store, log, b)
		store.Close()
	}

	if err := eng.Release(b.ID); err != nil {
		log.WithError(err).Debug("Release failed")
	}

	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d files failed", summary.Failed, summary.Total)
	}
	return nil
}

// reportProgress prints one line per finished job.
func reportProgress(b *engine.Batch, events <-chan engine.Event) {
	for ev := range events {
		if quiet || !ev.State.Terminal() {
			continue
		}
		if snap, err := b.Job(ev.JobID); err == nil {
			fmt.Fprintln(os.Stderr, statistics.JobLine(snap))
		}
	}
}

// writeOutputs stores every job that produced output, including unchanged
// copies of files that did not shrink.
func writeOutputs(ctx context.Context, b *engine.Batch, out sink.Sink, limit int, log *logrus.Logger) (int, error) {
	var snaps []job.Snapshot
	for _, s := range b.Jobs() {
		if s.State == job.StateSucceeded || s.State == job.StateSkippedNoGain {
			snaps = append(snaps, s)
		}
	}
	names := make([]string, len(snaps))
	for i, s := range snaps {
		names[i] = outputPath(s)
	}
	names = collector.UniqueNames(names)

	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, s := range snaps {
		i, s := i, s // per-iteration copies (go 1.21 loop semantics)
		g.Go(func() error {
			o, err := b.Output(s.ID)
			if err != nil {
				return fmt.Errorf("output of %s: %w", s.Name, err)
			}
			where, err := out.Put(ctx, names[i], o.Data, o.MIME)
			if err != nil {
				return fmt.Errorf("write %s: %w", names[i], err)
			}
			logger.WithJob(log, b.ID, s.ID).WithFields(logrus.Fields{
				"file":   s.Name,
				"output": where,
			}).Debug("Output written")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(snaps), nil
}

// outputPath keeps the input's relative directory next to the output name.
func outputPath(s job.Snapshot) string {
	dir := path.Dir(s.Name)
	if dir == "." || dir == "/" {
		return s.OutputName
	}
	return dir + "/" + s.OutputName
}
