package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/natefinch/lumberjack.v2"

	"salharness/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return NewWriter(os.Stdout, level, format)
}

// NewWriter is New with an explicit destination.
func NewWriter(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "traditional", "":
		handler = &TraditionalHandler{logger: log.New(w, "", log.LstdFlags), level: parseLevel(level)}
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Setup configures global logging with optional rotating file output.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	level := parseLevel(cfg.Logging.Level)

	writers := []io.Writer{os.Stderr}

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Logging.LogDir, "salharness.log"),
			MaxSize:    cfg.Logging.MaxSize,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAge,
		})
	}

	multiWriter := io.MultiWriter(writers...)

	var slogLogger *slog.Logger
	if strings.ToLower(cfg.Logging.Format) == "json" {
		slogLogger = slog.New(slog.NewJSONHandler(multiWriter, &slog.HandlerOptions{Level: level}))
	} else {
		slogLogger = slog.New(&TraditionalHandler{
			logger: log.New(multiWriter, "", log.LstdFlags),
			level:  level,
		})
	}

	slog.SetDefault(slogLogger)

	slogLogger.Debug("logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)

	return slogLogger, nil
}

// TraditionalHandler implements slog.Handler with traditional log formatting
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	attrs  []slog.Attr
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	level := r.Level.String()

	msg := r.Message
	attrs := make([]string, 0, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, fmt.Sprintf("%s=%v", a.Key, a.Value))
		return true
	})

	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	// [LEVEL] message
	h.logger.Printf("[%s] %s", strings.ToUpper(level), msg)

	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &next
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	// Groups are flattened.
	return h
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogRunStart logs the beginning of a model run.
func LogRunStart(logger *slog.Logger, model, runID, inputPath, outputPath string, parameters map[string]any) {
	logger.Info("run started",
		"model", model,
		"id", runID,
		"input", inputPath,
		"output", outputPath,
		"parameters", parameters,
	)
}

// LogRunComplete logs a finished run with its per-status counts.
func LogRunComplete(logger *slog.Logger, model, runID string, duration time.Duration, written, skipped, failed int) {
	logger.Info("run completed",
		"model", model,
		"id", runID,
		"duration", humanize.RelTime(time.Now().Add(-duration), time.Now(), "", ""),
		"duration_ms", duration.Milliseconds(),
		"written", written,
		"skipped", skipped,
		"failed", failed,
	)
}

// LogRunError logs a run that could not be executed.
func LogRunError(logger *slog.Logger, model, runID string, err error) {
	logger.Error("run failed",
		"model", model,
		"id", runID,
		"error", err.Error(),
	)
}

// LogImage logs one processed image at debug level.
func LogImage(logger *slog.Logger, status, path string, duration time.Duration, err error) {
	if err != nil {
		logger.Debug("image processed", "status", status, "path", path, "duration_ms", duration.Milliseconds(), "error", err)
		return
	}
	logger.Debug("image processed", "status", status, "path", path, "duration_ms", duration.Milliseconds())
}

// LogToolStatus logs tool detection and status
func LogToolStatus(logger *slog.Logger, tool string, available bool, version, path string, err error) {
	if available {
		logger.Debug("tool detected",
			"tool", tool,
			"version", version,
			"path", path,
		)
	} else {
		logger.Debug("tool not available",
			"tool", tool,
			"error", err,
		)
	}
}

// LogJobStart logs the start of a queued job.
func LogJobStart(logger *slog.Logger, jobType, jobID, input string) {
	logger.Info("job started", "type", jobType, "id", jobID, "input", input)
}

// LogJobComplete logs a successful job with its result metadata.
func LogJobComplete(logger *slog.Logger, jobType, jobID string, duration time.Duration, meta map[string]any) {
	logger.Info("job completed",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"meta", meta,
	)
}

// LogJobError logs a failed job.
func LogJobError(logger *slog.Logger, jobType, jobID string, duration time.Duration, err error) {
	logger.Error("job failed",
		"type", jobType,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}
