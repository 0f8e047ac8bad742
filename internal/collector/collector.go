package collector

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"snapfile-go/internal/logger"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// File is one input discovered on disk.
type File struct {
	Path string
	// Name is relative to the scanned directory, slash separated, so
	// outputs can mirror the input tree.
	Name    string
	Size    int64
	ModTime time.Time
}

// Options controls discovery.
type Options struct {
	Recursive bool
	// Extensions filters directory scans; empty accepts every regular
	// file. Explicitly named files are never filtered.
	Extensions []string
	MaxFiles   int
}

// Collector walks input paths.
type Collector struct {
	opts   Options
	logger *logrus.Logger
}

// New returns a Collector with normalized extensions.
func New(opts Options, logger *logrus.Logger) *Collector {
	exts := make([]string, 0, len(opts.Extensions))
	for _, ext := range opts.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	opts.Extensions = exts
	return &Collector{opts: opts, logger: logger}
}

// Collect resolves files and directories into a deduplicated file list in
// argument order, directories in lexical order.
func (c *Collector) Collect(paths []string) ([]File, error) {
	var files []File
	seen := make(map[string]bool)

	add := func(f File) bool {
		abs, err := filepath.Abs(f.Path)
		if err != nil {
			abs = f.Path
		}
		if seen[abs] {
			return true
		}
		seen[abs] = true
		files = append(files, f)
		return c.opts.MaxFiles <= 0 || len(files) < c.opts.MaxFiles
	}

	for _, in := range paths {
		info, err := os.Stat(in)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", in, err)
		}
		if !info.IsDir() {
			if !add(File{Path: in, Name: filepath.Base(in), Size: info.Size(), ModTime: info.ModTime()}) {
				break
			}
			continue
		}

		full := false
		err = filepath.WalkDir(in, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				logger.WithFile(c.logger, path).WithError(err).Warn("Error accessing path")
				return nil
			}
			if d.IsDir() {
				if path != in && !c.opts.Recursive {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() || !c.accepts(path) {
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				logger.WithFile(c.logger, path).WithError(err).Warn("Error reading file info")
				return nil
			}
			rel, err := filepath.Rel(in, path)
			if err != nil {
				rel = d.Name()
			}
			if !add(File{Path: path, Name: filepath.ToSlash(rel), Size: fi.Size(), ModTime: fi.ModTime()}) {
				full = true
				return filepath.SkipAll
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", in, err)
		}
		if full {
			c.logger.Infof("Reached maximum files limit (%d), stopping discovery", c.opts.MaxFiles)
			break
		}
	}
	return files, nil
}

func (c *Collector) accepts(path string) bool {
	if len(c.opts.Extensions) == 0 {
		return true
	}
	return slices.Contains(c.opts.Extensions, strings.ToLower(filepath.Ext(path)))
}

// ReadAll loads file contents with at most workers concurrent reads. The
// result is index-aligned with files.
func ReadAll(ctx context.Context, files []File, workers int) ([][]byte, error) {
	out := make([][]byte, len(files))
	g, ctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, f := range files {
		i, f := i, f // per-iteration copies (go 1.21 loop semantics)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(f.Path)
			if err != nil {
				return fmt.Errorf("read %s: %w", f.Path, err)
			}
			out[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// UniqueNames suffixes repeated names with a counter ("a.jpg", "a_1.jpg")
// so outputs with the same target name do not overwrite each other.
func UniqueNames(names []string) []string {
	out := make([]string, len(names))
	used := make(map[string]bool, len(names))
	for i, name := range names {
		candidate := name
		if used[candidate] {
			dir, base := splitDir(name)
			ext := filepath.Ext(base)
			stem := strings.TrimSuffix(base, ext)
			for counter := 1; ; counter++ {
				candidate = fmt.Sprintf("%s%s_%d%s", dir, stem, counter, ext)
				if !used[candidate] {
					break
				}
			}
		}
		used[candidate] = true
		out[i] = candidate
	}
	return out
}

func splitDir(name string) (string, string) {
	i := strings.LastIndex(name, "/")
	if i < 0 {
		return "", name
	}
	return name[:i+1], name[i+1:]
}
