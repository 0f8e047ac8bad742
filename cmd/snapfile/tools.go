package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"snapfile-go/internal/config"
	"snapfile-go/internal/extractor"
	"snapfile-go/internal/history"
	"snapfile-go/internal/logger"
	"snapfile-go/internal/sniffer"
	"snapfile-go/internal/statistics"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var historyLimit int

// sniffCmd reports the detected kind of each file.
var sniffCmd = &cobra.Command{
	Use:   "sniff <file>...",
	Short: "Show the content type detected for files",
	Long: `Reads the first bytes of each file and prints the kind, format and
MIME type the compressor would assign. File extensions are ignored.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runSniff(cmd.OutOrStdout(), args, setupLogger(cfg))
	},
}

// inspectCmd prints file metadata through exiftool.
var inspectCmd = &cobra.Command{
	Use:   "inspect <file>...",
	Short: "Show file metadata using exiftool",
	Long: `Prints the metadata exiftool reports for each file, plus the EXIF
orientation the image backend applies. Requires exiftool on PATH.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runInspect(cmd.OutOrStdout(), args, setupLogger(cfg))
	},
}

// historyCmd lists finished batches or shows one of them.
var historyCmd = &cobra.Command{
	Use:   "history [batch-id]",
	Short: "List recorded batches or show one batch",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runHistory(cmd.OutOrStdout(), args, cfg, setupLogger(cfg))
	},
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of batches to list")
}

func runSniff(w io.Writer, paths []string, log *logrus.Logger) error {
	entry := logger.WithOperation(log, "sniff")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tKIND\tFORMAT\tMIME\tSIZE")
	for _, p := range paths {
		head, size, err := readHead(p, sniffer.PrefixLen)
		if err != nil {
			entry.WithField("file", p).WithError(err).Error("Cannot read file")
			return err
		}
		sig := sniffer.Detect(head)
		entry.WithFields(logrus.Fields{"file": p, "kind": sig.Kind, "head": len(head)}).Debug("Detected content")
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p, sig.Kind, orDash(sig.Format), sig.MIME, humanize.IBytes(uint64(size)))
	}
	return tw.Flush()
}

func readHead(path string, n int) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, 0, err
	}
	return buf[:read], info.Size(), nil
}

func runInspect(w io.Writer, paths []string, log *logrus.Logger) error {
	for _, p := range paths {
		if !fileExists(p) {
			return fmt.Errorf("file does not exist: %s", p)
		}
	}

	inspector, err := extractor.NewExiftoolInspector(log)
	if err != nil {
		return err
	}
	defer inspector.Close()
	logger.WithOperation(log, "inspect").WithField("files", len(paths)).Debug("Reading metadata")

	metas, err := inspector.Inspect(paths...)
	if err != nil {
		return err
	}
	for _, m := range metas {
		fmt.Fprintf(w, "%s\n", m.File)
		if data, err := os.ReadFile(m.File); err == nil && sniffer.Classify(data) == sniffer.KindImage {
			if o, err := extractor.ReadOrientation(data); err == nil {
				fmt.Fprintf(w, "  %-28s %s\n", "Orientation (applied)", o)
			}
		}
		keys := make([]string, 0, len(m.Fields))
		for k := range m.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %-28s %v\n", k, m.Fields[k])
		}
		fmt.Fprintln(w)
	}
	return nil
}

func runHistory(w io.Writer, args []string, cfg *config.Config, log *logrus.Logger) error {
	if !cfg.History.Enabled {
		return fmt.Errorf("history is disabled (set history.enabled in the config)")
	}
	store, err := history.Open(cfg.History.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.WithOperation(log, "history").WithField("db", cfg.History.DBPath).Debug("History opened")

	if len(args) == 1 {
		return showBatch(w, store, args[0])
	}

	records, err := store.List(historyLimit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BATCH\tTIER\tSUBMITTED\tFILES\tOK\tSKIPPED\tFAILED\tSAVED")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			r.ID, r.Tier, humanize.Time(r.SubmittedAt), r.Total, r.Succeeded, r.Skipped, r.Failed,
			statistics.FormatSaved(r.SavedBytes()))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	batches, original, output, err := store.Totals()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d batches, %s saved overall\n", batches, statistics.FormatSaved(original-output))
	return nil
}

func showBatch(w io.Writer, store *history.Store, id string) error {
	rec, err := store.Get(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Batch %s (tier %s)\nSubmitted %s, took %s\n\n", rec.ID, rec.Tier,
		rec.SubmittedAt.Local().Format("2006-01-02 15:04:05"), rec.FinishedAt.Sub(rec.SubmittedAt).Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tKIND\tSTATE\tORIGINAL\tOUTPUT\tERROR")
	for _, j := range rec.Jobs {
		errText := j.ErrorCode
		if j.Error != "" {
			errText += ": " + j.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", j.Name, j.Kind, j.State,
			humanize.IBytes(uint64(j.OriginalSize)), humanize.IBytes(uint64(j.OutputSize)), orDash(errText))
	}
	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
