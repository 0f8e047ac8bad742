package extractor

import (
	"fmt"
	"sync"

	"snapfile-go/internal/logger"

	"github.com/barasher/go-exiftool"
	"github.com/sirupsen/logrus"
)

// ExiftoolInspector reads metadata through a long-lived exiftool process.
type ExiftoolInspector struct {
	logger *logrus.Logger
	et     *exiftool.Exiftool
	mutex  sync.Mutex
}

// NewExiftoolInspector starts exiftool. It fails when the binary is missing.
func NewExiftoolInspector(logger *logrus.Logger) (*ExiftoolInspector, error) {
	et, err := exiftool.NewExiftool()
	if err != nil {
		return nil, fmt.Errorf("start exiftool: %w", err)
	}
	return &ExiftoolInspector{logger: logger, et: et}, nil
}

// Inspect returns the metadata of every readable path. Files exiftool cannot
// read are logged and skipped.
func (e *ExiftoolInspector) Inspect(paths ...string) ([]Metadata, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.et == nil {
		return nil, fmt.Errorf("inspector closed")
	}

	var out []Metadata
	for _, fm := range e.et.ExtractMetadata(paths...) {
		if fm.Err != nil {
			logger.WithFile(e.logger, fm.File).WithError(fm.Err).Warn("exiftool could not read file")
			continue
		}
		out = append(out, Metadata{File: fm.File, Fields: fm.Fields})
	}
	return out, nil
}

// Close stops the exiftool process.
func (e *ExiftoolInspector) Close() error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if e.et == nil {
		return nil
	}
	err := e.et.Close()
	e.et = nil
	return err
}
