// Package logging provides config-driven categorized file-based logging.
// Logs are written to <dataDir>/logs/ with separate files per category.
// Logging is controlled by debug_mode in the app config - when false, no
// logs are written at all.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup/shutdown sequencing
	CategoryVFS       Category = "vfs"       // Content store, resources, folders
	CategoryIndex     Category = "index"     // Index unit registry
	CategoryVector    Category = "vector"    // Vector stores (text + multimodal)
	CategoryEmbedding Category = "embedding" // Embedding engines, chunking
	CategoryLLM       Category = "llm"       // LLM manager, adapters, streaming
	CategoryChat      Category = "chat"      // Chat pipeline, message blocks
	CategoryWorkspace Category = "workspace" // Agents, inbox, sleep manager
	CategoryTools     Category = "tools"     // Tool registry and executors
	CategoryRetrieval Category = "retrieval" // Multimodal retriever, fusion
	CategoryUsage     Category = "usage"     // Usage accounting
	CategoryGrading   Category = "grading"   // Essay / qbank grading pipelines
	CategorySecure    Category = "secure"    // Secure store (never logs values)
	CategoryDataspace Category = "dataspace" // Slot manager, state file
)

// Config controls logging behavior. It mirrors the `logging` section of the
// app config file to avoid a circular import on internal/config.
type Config struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories"`
	Level      string          `json:"level"`
}

type configFile struct {
	Logging Config `json:"logging"`
}

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	logsDir   string
	dataDir   string
	cfg       Config
	cfgMu     sync.RWMutex
	logLevel  int
)

// Initialize sets up the logging directory and loads config.
// Should be called once at startup with the application data directory.
func Initialize(dir string) error {
	if dir == "" {
		return fmt.Errorf("data directory required")
	}

	dataDir = dir
	logsDir = filepath.Join(dataDir, "logs")

	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not load config: %v\n", err)
		cfg.DebugMode = false
	}

	if !cfg.DebugMode {
		return nil // Silent no-op in production mode
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== logging initialized ===")
	boot.Info("Data directory: %s", dataDir)
	boot.Info("Log level: %s", cfg.Level)
	return nil
}

// InitializeWithConfig applies an explicit config instead of reading config.json.
func InitializeWithConfig(dir string, c Config) error {
	cfgMu.Lock()
	cfg = c
	applyLevelLocked()
	cfgMu.Unlock()

	dataDir = dir
	logsDir = filepath.Join(dir, "logs")
	if !c.DebugMode {
		return nil
	}
	return os.MkdirAll(logsDir, 0755)
}

func loadConfig() error {
	cfgMu.Lock()
	defer cfgMu.Unlock()

	configPath := filepath.Join(dataDir, "config.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.DebugMode = false
			return nil
		}
		return err
	}

	var cf configFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	cfg = cf.Logging
	applyLevelLocked()
	return nil
}

func applyLevelLocked() {
	switch cfg.Level {
	case "debug":
		logLevel = LevelDebug
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}
}

// IsDebugMode returns whether debug logging is enabled.
func IsDebugMode() bool {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return cfg.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	cfgMu.RLock()
	defer cfgMu.RUnlock()

	if !cfg.DebugMode {
		return false
	}
	if cfg.Categories == nil {
		return true
	}
	enabled, exists := cfg.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or the category is off.
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

	// Date prefix keeps rotation trivial.
	date := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

// Debug logs a debug message (only if level <= debug).
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	l.logger.Printf("[DEBUG] %s", fmt.Sprintf(format, args...))
}

// Info logs an informational message (only if level <= info).
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	l.logger.Printf("[INFO] %s", fmt.Sprintf(format, args...))
}

// Warn logs a warning message (only if level <= warn).
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	l.logger.Printf("[WARN] %s", fmt.Sprintf(format, args...))
}

// Error logs an error message (always logged if logger exists).
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	l.logger.Printf("[ERROR] %s", fmt.Sprintf(format, args...))
}

// CloseAll closes all open log files (call at shutdown).
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

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

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first.
// These are no-ops if the category is disabled.
// =============================================================================

func Boot(format string, args ...interface{})      { Get(CategoryBoot).Info(format, args...) }
func BootDebug(format string, args ...interface{}) { Get(CategoryBoot).Debug(format, args...) }
func BootWarn(format string, args ...interface{})  { Get(CategoryBoot).Warn(format, args...) }
func BootError(format string, args ...interface{}) { Get(CategoryBoot).Error(format, args...) }

func VFS(format string, args ...interface{})      { Get(CategoryVFS).Info(format, args...) }
func VFSDebug(format string, args ...interface{}) { Get(CategoryVFS).Debug(format, args...) }
func VFSWarn(format string, args ...interface{})  { Get(CategoryVFS).Warn(format, args...) }
func VFSError(format string, args ...interface{}) { Get(CategoryVFS).Error(format, args...) }

func Index(format string, args ...interface{})      { Get(CategoryIndex).Info(format, args...) }
func IndexDebug(format string, args ...interface{}) { Get(CategoryIndex).Debug(format, args...) }
func IndexWarn(format string, args ...interface{})  { Get(CategoryIndex).Warn(format, args...) }
func IndexError(format string, args ...interface{}) { Get(CategoryIndex).Error(format, args...) }

func Vector(format string, args ...interface{})      { Get(CategoryVector).Info(format, args...) }
func VectorDebug(format string, args ...interface{}) { Get(CategoryVector).Debug(format, args...) }
func VectorWarn(format string, args ...interface{})  { Get(CategoryVector).Warn(format, args...) }
func VectorError(format string, args ...interface{}) { Get(CategoryVector).Error(format, args...) }

func Embedding(format string, args ...interface{})      { Get(CategoryEmbedding).Info(format, args...) }
func EmbeddingDebug(format string, args ...interface{}) { Get(CategoryEmbedding).Debug(format, args...) }
func EmbeddingWarn(format string, args ...interface{})  { Get(CategoryEmbedding).Warn(format, args...) }
func EmbeddingError(format string, args ...interface{}) { Get(CategoryEmbedding).Error(format, args...) }

func LLM(format string, args ...interface{})      { Get(CategoryLLM).Info(format, args...) }
func LLMDebug(format string, args ...interface{}) { Get(CategoryLLM).Debug(format, args...) }
func LLMWarn(format string, args ...interface{})  { Get(CategoryLLM).Warn(format, args...) }
func LLMError(format string, args ...interface{}) { Get(CategoryLLM).Error(format, args...) }

func Chat(format string, args ...interface{})      { Get(CategoryChat).Info(format, args...) }
func ChatDebug(format string, args ...interface{}) { Get(CategoryChat).Debug(format, args...) }
func ChatWarn(format string, args ...interface{})  { Get(CategoryChat).Warn(format, args...) }
func ChatError(format string, args ...interface{}) { Get(CategoryChat).Error(format, args...) }

func Workspace(format string, args ...interface{})      { Get(CategoryWorkspace).Info(format, args...) }
func WorkspaceDebug(format string, args ...interface{}) { Get(CategoryWorkspace).Debug(format, args...) }
func WorkspaceWarn(format string, args ...interface{})  { Get(CategoryWorkspace).Warn(format, args...) }
func WorkspaceError(format string, args ...interface{}) { Get(CategoryWorkspace).Error(format, args...) }

func Tools(format string, args ...interface{})      { Get(CategoryTools).Info(format, args...) }
func ToolsDebug(format string, args ...interface{}) { Get(CategoryTools).Debug(format, args...) }
func ToolsWarn(format string, args ...interface{})  { Get(CategoryTools).Warn(format, args...) }
func ToolsError(format string, args ...interface{}) { Get(CategoryTools).Error(format, args...) }

func Retrieval(format string, args ...interface{})      { Get(CategoryRetrieval).Info(format, args...) }
func RetrievalDebug(format string, args ...interface{}) { Get(CategoryRetrieval).Debug(format, args...) }
func RetrievalWarn(format string, args ...interface{})  { Get(CategoryRetrieval).Warn(format, args...) }
func RetrievalError(format string, args ...interface{}) { Get(CategoryRetrieval).Error(format, args...) }

func Usage(format string, args ...interface{})      { Get(CategoryUsage).Info(format, args...) }
func UsageDebug(format string, args ...interface{}) { Get(CategoryUsage).Debug(format, args...) }
func UsageWarn(format string, args ...interface{})  { Get(CategoryUsage).Warn(format, args...) }
func UsageError(format string, args ...interface{}) { Get(CategoryUsage).Error(format, args...) }

func Grading(format string, args ...interface{})      { Get(CategoryGrading).Info(format, args...) }
func GradingDebug(format string, args ...interface{}) { Get(CategoryGrading).Debug(format, args...) }
func GradingWarn(format string, args ...interface{})  { Get(CategoryGrading).Warn(format, args...) }
func GradingError(format string, args ...interface{}) { Get(CategoryGrading).Error(format, args...) }

func Secure(format string, args ...interface{})      { Get(CategorySecure).Info(format, args...) }
func SecureDebug(format string, args ...interface{}) { Get(CategorySecure).Debug(format, args...) }
func SecureWarn(format string, args ...interface{})  { Get(CategorySecure).Warn(format, args...) }
func SecureError(format string, args ...interface{}) { Get(CategorySecure).Error(format, args...) }

func Dataspace(format string, args ...interface{})      { Get(CategoryDataspace).Info(format, args...) }
func DataspaceDebug(format string, args ...interface{}) { Get(CategoryDataspace).Debug(format, args...) }
func DataspaceWarn(format string, args ...interface{})  { Get(CategoryDataspace).Warn(format, args...) }
func DataspaceError(format string, args ...interface{}) { Get(CategoryDataspace).Error(format, args...) }
