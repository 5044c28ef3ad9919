// Package logging provides config-driven categorized logging for engram.
// Each subsystem logs to its own file under <dataDir>/logs/; categories can
// be toggled individually and everything is a no-op unless debug mode is on.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot        Category = "boot"        // Startup and wiring
	CategoryStore       Category = "store"       // Graph store operations
	CategoryVector      Category = "vector"      // Vector store operations
	CategoryQueue       Category = "queue"       // Queue substrate
	CategoryIngest      Category = "ingest"      // Pipeline orchestration
	CategoryExtract     Category = "extract"     // Triple extraction
	CategoryResolve     Category = "resolve"     // Entity/statement resolution
	CategoryInvalidate  Category = "invalidate"  // Contradiction detection
	CategoryWrite       Category = "write"       // Graph/vector persistence
	CategoryVersioning  Category = "versioning"  // Document version diffing
	CategoryRetrieval   Category = "retrieval"   // Search engine
	CategoryMaintenance Category = "maintenance" // Sweeps and dedup
	CategoryCompaction  Category = "compaction"  // Session compaction
	CategoryModel       Category = "model"       // LLM calls
	CategoryEmbedding   Category = "embedding"   // Embedding engine
)

// Config controls the logging system. Zero value means production mode:
// nothing is written anywhere.
type Config struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// Logger wraps a category-scoped zap sugared logger. A Logger with a nil
// sink is a no-op.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	config    Config
	configMu  sync.RWMutex
	logLevel  zapcore.Level
)

// Initialize sets up the logging directory and applies the config.
// Should be called once at startup with the data directory path.
func Initialize(dataDir string, cfg Config) error {
	if dataDir == "" {
		return fmt.Errorf("data directory required")
	}

	Apply(cfg)

	if !cfg.DebugMode {
		return nil // Silent no-op in production mode
	}

	logsDir = filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== engram logging initialized ===")
	boot.Info("Logs directory: %s", logsDir)
	boot.Info("Level: %s, json=%v", cfg.Level, cfg.JSONFormat)
	return nil
}

// Apply replaces the active logging config. Used by the config watcher to
// hot-reload category toggles without restarting.
func Apply(cfg Config) {
	configMu.Lock()
	defer configMu.Unlock()
	config = cfg
	switch cfg.Level {
	case "debug":
		logLevel = zapcore.DebugLevel
	case "warn", "warning":
		logLevel = zapcore.WarnLevel
	case "error":
		logLevel = zapcore.ErrorLevel
	default:
		logLevel = zapcore.InfoLevel
	}
}

// IsDebugMode returns whether debug logging is enabled.
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()
	if !config.DebugMode {
		return false
	}
	if config.Categories == nil {
		return true
	}
	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is off or the category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) || logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date-prefixed filenames make external rotation trivial.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	configMu.RLock()
	jsonFormat := config.JSONFormat
	configMu.RUnlock()
	if jsonFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(file), logLevel)
	l := &Logger{
		category: category,
		sugar:    zap.New(core).Sugar().With("cat", string(category)),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// CloseAll flushes and drops all open category loggers (call at shutdown).
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.sugar != nil {
			_ = l.sugar.Sync()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category.
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// Store logs to the store category.
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs debug to the store category.
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// Vector logs to the vector category.
func Vector(format string, args ...interface{}) { Get(CategoryVector).Info(format, args...) }

// VectorDebug logs debug to the vector category.
func VectorDebug(format string, args ...interface{}) { Get(CategoryVector).Debug(format, args...) }

// Queue logs to the queue category.
func Queue(format string, args ...interface{}) { Get(CategoryQueue).Info(format, args...) }

// QueueDebug logs debug to the queue category.
func QueueDebug(format string, args ...interface{}) { Get(CategoryQueue).Debug(format, args...) }

// Ingest logs to the ingest category.
func Ingest(format string, args ...interface{}) { Get(CategoryIngest).Info(format, args...) }

// IngestDebug logs debug to the ingest category.
func IngestDebug(format string, args ...interface{}) { Get(CategoryIngest).Debug(format, args...) }

// Extract logs to the extract category.
func Extract(format string, args ...interface{}) { Get(CategoryExtract).Info(format, args...) }

// ExtractDebug logs debug to the extract category.
func ExtractDebug(format string, args ...interface{}) { Get(CategoryExtract).Debug(format, args...) }

// Resolve logs to the resolve category.
func Resolve(format string, args ...interface{}) { Get(CategoryResolve).Info(format, args...) }

// ResolveDebug logs debug to the resolve category.
func ResolveDebug(format string, args ...interface{}) { Get(CategoryResolve).Debug(format, args...) }

// Invalidate logs to the invalidate category.
func Invalidate(format string, args ...interface{}) { Get(CategoryInvalidate).Info(format, args...) }

// Write logs to the write category.
func Write(format string, args ...interface{}) { Get(CategoryWrite).Info(format, args...) }

// WriteDebug logs debug to the write category.
func WriteDebug(format string, args ...interface{}) { Get(CategoryWrite).Debug(format, args...) }

// Versioning logs to the versioning category.
func Versioning(format string, args ...interface{}) { Get(CategoryVersioning).Info(format, args...) }

// Retrieval logs to the retrieval category.
func Retrieval(format string, args ...interface{}) { Get(CategoryRetrieval).Info(format, args...) }

// RetrievalDebug logs debug to the retrieval category.
func RetrievalDebug(format string, args ...interface{}) { Get(CategoryRetrieval).Debug(format, args...) }

// Maintenance logs to the maintenance category.
func Maintenance(format string, args ...interface{}) { Get(CategoryMaintenance).Info(format, args...) }

// Compaction logs to the compaction category.
func Compaction(format string, args ...interface{}) { Get(CategoryCompaction).Info(format, args...) }

// Model logs to the model category.
func Model(format string, args ...interface{}) { Get(CategoryModel).Info(format, args...) }

// ModelDebug logs debug to the model category.
func ModelDebug(format string, args ...interface{}) { Get(CategoryModel).Debug(format, args...) }

// Embedding logs to the embedding category.
func Embedding(format string, args ...interface{}) { Get(CategoryEmbedding).Info(format, args...) }

// EmbeddingDebug logs debug to the embedding category.
func EmbeddingDebug(format string, args ...interface{}) { Get(CategoryEmbedding).Debug(format, args...) }

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
