package export

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/1broseidon/wxhistory/internal/logging"
	"github.com/1broseidon/wxhistory/internal/metrics"
	"github.com/1broseidon/wxhistory/internal/storage"
	"github.com/1broseidon/wxhistory/pkg/models"
)

// FormatAuto selects the format from the destination file extension
const FormatAuto models.Format = "AUTO"

// Options configures an Exporter
type Options struct {
	// Dir is the base for relative destination paths
	Dir                string
	CSVSummaryComments bool
	// TextMaxWidth limits TEXT table width; zero disables the limit
	TextMaxWidth int
}

// Exporter serializes report documents and writes them to files
type Exporter struct {
	fs      afero.Fs
	opts    Options
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// New creates an exporter writing through fs. A nil fs means the OS filesystem.
func New(fs afero.Fs, opts Options, logger *logging.Logger, m *metrics.Metrics) (*Exporter, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Exporter{
		fs:      fs,
		opts:    opts,
		logger:  logger.WithComponent(logging.ComponentExport),
		metrics: m,
	}, nil
}

// ResolveFormat turns AUTO or an empty format into a concrete one based on path
func ResolveFormat(format models.Format, path string) (models.Format, error) {
	if format == "" || strings.EqualFold(string(format), string(FormatAuto)) {
		return models.FormatFromPath(path), nil
	}
	parsed, err := models.ParseFormat(string(format))
	if err != nil {
		return "", &ExportError{Format: format, Path: path, Op: "encode", Err: err}
	}
	return parsed, nil
}

// ResolvePath returns the destination for path, placing relative paths under
// the configured export directory.
func (e *Exporter) ResolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) || e.opts.Dir == "" {
		return path
	}
	return filepath.Join(e.opts.Dir, path)
}

// Encode serializes doc without touching the filesystem
func (e *Exporter) Encode(doc *models.ReportDocument, format models.Format) ([]byte, error) {
	if doc == nil {
		return nil, &ExportError{Format: format, Op: "encode", Err: fmt.Errorf("document is nil")}
	}

	var (
		data []byte
		err  error
	)
	switch format {
	case models.FormatText:
		data = EncodeText(doc, e.opts.TextMaxWidth)
	case models.FormatCSV:
		data, err = EncodeCSV(doc, e.opts.CSVSummaryComments)
	case models.FormatJSON:
		data, err = EncodeJSON(doc)
	default:
		err = fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return nil, &ExportError{Format: format, Op: "encode", Err: err}
	}
	return data, nil
}

// Write serializes doc to w and returns the number of bytes written
func (e *Exporter) Write(w io.Writer, doc *models.ReportDocument, format models.Format) (int, error) {
	data, err := e.Encode(doc, format)
	if err != nil {
		e.metrics.RecordExport(string(format), 0, err)
		return 0, err
	}

	n, err := w.Write(data)
	if err != nil {
		err = &ExportError{Format: format, Op: "write", Err: err}
	}
	e.metrics.RecordExport(string(format), n, err)
	return n, err
}

// WriteFile serializes doc and writes it atomically to path. The document is
// never modified. It returns the number of bytes written.
func (e *Exporter) WriteFile(doc *models.ReportDocument, format models.Format, path string) (int, error) {
	if strings.TrimSpace(path) == "" {
		return 0, &ExportError{Format: format, Op: "write", Err: fmt.Errorf("destination path is required")}
	}
	dest := e.ResolvePath(path)

	format, err := ResolveFormat(format, dest)
	if err != nil {
		e.metrics.RecordExport(string(format), 0, err)
		return 0, err
	}

	data, err := e.Encode(doc, format)
	if err != nil {
		e.metrics.RecordExport(string(format), 0, err)
		return 0, err
	}

	if err := e.writeAtomic(dest, data); err != nil {
		exportErr := &ExportError{Format: format, Path: dest, Op: "write", Err: err}
		e.metrics.RecordExport(string(format), 0, exportErr)
		e.logger.WithError(exportErr).Warn("Report export failed")
		return 0, exportErr
	}

	e.metrics.RecordExport(string(format), len(data), nil)
	e.logger.WithEvent(logging.EventReportExported).WithFields(map[string]interface{}{
		"kind":   string(doc.Kind),
		"format": string(format),
		"path":   dest,
		"bytes":  len(data),
	}).Info("Report exported")
	return len(data), nil
}

func (e *Exporter) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	exists, err := afero.DirExists(e.fs, dir)
	if err != nil {
		return err
	}
	if !exists {
		if err := e.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create export directory: %w", err)
		}
	}
	return storage.WriteFileAtomic(e.fs, path, data)
}
