package pkg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is a map of fields to add to log entries
type Fields map[string]any

var (
	// zerolog keeps these as package globals; set them once to avoid races
	// when several nodes are created in one process (tests do this).
	timeFormatOnce sync.Once
	callerSkipOnce sync.Once
)

// Logger wraps zerolog with additional functionality
type Logger struct {
	*zerolog.Logger
	config *Config
	fields Fields
	mu     sync.RWMutex
}

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level (trace, debug, info, warn, error, fatal, panic)
	Level string `json:"level"`

	// Format is the output format (json, console)
	Format string `json:"format"`

	// TimestampFormat for logs
	TimestampFormat string `json:"timestamp_format"`

	Console ConsoleConfig `json:"console"`
	File    FileConfig    `json:"file"`

	// Fields are default fields added to all logs
	Fields Fields `json:"fields"`

	CallerSkipFrameCount int  `json:"caller_skip_frame_count"`
	EnableCaller         bool `json:"enable_caller"`

	// AsyncWrite uses a diode writer so logging never blocks request handlers
	AsyncWrite bool `json:"async_write"`
	BufferSize int  `json:"buffer_size"`
}

// ConsoleConfig for console output
type ConsoleConfig struct {
	Enable     bool   `json:"enable"`
	NoColor    bool   `json:"no_color"`
	TimeFormat string `json:"time_format"`
	// Output target (stdout, stderr)
	Output string `json:"output"`
}

// FileConfig for rotated file output
type FileConfig struct {
	Enable     bool   `json:"enable"`
	Path       string `json:"path"`
	MaxSize    int    `json:"max_size"` // megabytes
	MaxAge     int    `json:"max_age"`  // days
	MaxBackups int    `json:"max_backups"`
	LocalTime  bool   `json:"local_time"`
	Compress   bool   `json:"compress"`
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:           "info",
		Format:          "json",
		TimestampFormat: time.RFC3339Nano,
		Console: ConsoleConfig{
			Enable:     true,
			TimeFormat: "15:04:05.000",
			Output:     "stderr",
		},
		File: FileConfig{
			Enable:     false,
			Path:       "kvring.log",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			LocalTime:  true,
			Compress:   true,
		},
		Fields:               make(Fields),
		CallerSkipFrameCount: 2,
		EnableCaller:         false,
		AsyncWrite:           false,
		BufferSize:           10000,
	}
}

// New creates a new logger instance
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}

	writers := []io.Writer{}

	if config.Console.Enable {
		var output io.Writer = os.Stderr
		if config.Console.Output == "stdout" {
			output = os.Stdout
		}

		if config.Format == "console" {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        output,
				TimeFormat: config.Console.TimeFormat,
				NoColor:    config.Console.NoColor,
			})
		} else {
			writers = append(writers, output)
		}
	}

	if config.File.Enable {
		if config.File.Path == "" {
			return nil, fmt.Errorf("file output enabled without a path")
		}
		if err := os.MkdirAll(filepath.Dir(config.File.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		writers = append(writers, &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSize,
			MaxAge:     config.File.MaxAge,
			MaxBackups: config.File.MaxBackups,
			LocalTime:  config.File.LocalTime,
			Compress:   config.File.Compress,
		})
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	if config.AsyncWrite {
		writer = diode.NewWriter(writer, config.BufferSize, 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "Logger dropped %d messages\n", missed)
		})
	}

	if config.EnableCaller {
		callerSkipOnce.Do(func() {
			zerolog.CallerSkipFrameCount = config.CallerSkipFrameCount
		})
	}
	if config.TimestampFormat != "" {
		timeFormatOnce.Do(func() {
			zerolog.TimeFieldFormat = config.TimestampFormat
		})
	}

	builder := zerolog.New(writer).Level(level).With().Timestamp()
	if config.EnableCaller {
		builder = builder.Caller()
	}
	fields := make(Fields, len(config.Fields))
	for k, v := range config.Fields {
		builder = builder.Interface(k, v)
		fields[k] = v
	}

	zl := builder.Logger()
	return &Logger{
		Logger: &zl,
		config: config,
		fields: fields,
	}, nil
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	zl := zerolog.Nop()
	return &Logger{
		Logger: &zl,
		config: DefaultConfig(),
		fields: make(Fields),
	}
}

// WithFields creates a child logger with additional fields
func (l *Logger) WithFields(fields Fields) *Logger {
	l.mu.RLock()
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	base := l.Logger
	l.mu.RUnlock()

	ctx := base.With()
	for k, v := range fields {
		merged[k] = v
		ctx = ctx.Interface(k, v)
	}

	zl := ctx.Logger()
	return &Logger{
		Logger: &zl,
		config: l.config,
		fields: merged,
	}
}

// Fields returns a copy of the persistent fields of this logger.
func (l *Logger) Fields() Fields {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(Fields, len(l.fields))
	for k, v := range l.fields {
		out[k] = v
	}
	return out
}

// Close flushes buffered output
func (l *Logger) Close() error {
	if l.config != nil && l.config.AsyncWrite {
		// diode flushes on its poll interval
		time.Sleep(50 * time.Millisecond)
	}
	return nil
}
