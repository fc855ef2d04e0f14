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
	// sync.Once for setting zerolog global state (to prevent data races)
	timeFormatOnce sync.Once
	callerSkipOnce sync.Once
)

// Logger wraps zerolog with per-component fields
type Logger struct {
	*zerolog.Logger
	config *Config
	fields Fields
	closer io.Closer
	mu     sync.RWMutex
}

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level (trace, debug, info, warn, error, disabled)
	Level string `json:"level" yaml:"level"`

	// Format is the output format (json, console)
	Format string `json:"format" yaml:"format"`

	// TimestampFormat for logs
	TimestampFormat string `json:"timestamp_format" yaml:"timestamp_format"`

	// Console output settings
	Console ConsoleConfig `json:"console" yaml:"console"`

	// File output settings
	File FileConfig `json:"file" yaml:"file"`

	// Fields are default fields added to all logs
	Fields Fields `json:"fields" yaml:"fields"`

	// CallerSkipFrameCount for caller information
	CallerSkipFrameCount int `json:"caller_skip_frame_count" yaml:"caller_skip_frame_count"`

	// EnableCaller adds caller information to logs
	EnableCaller bool `json:"enable_caller" yaml:"enable_caller"`

	// AsyncWrite uses a diode writer so slow sinks never block a node mailbox
	AsyncWrite bool `json:"async_write" yaml:"async_write"`

	// BufferSize for async writer (in messages)
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
}

// ConsoleConfig for console output
type ConsoleConfig struct {
	Enable     bool   `json:"enable" yaml:"enable"`
	NoColor    bool   `json:"no_color" yaml:"no_color"`
	TimeFormat string `json:"time_format" yaml:"time_format"`
	// Output target (stdout, stderr)
	Output string `json:"output" yaml:"output"`
}

// FileConfig for rotating file output
type FileConfig struct {
	Enable     bool   `json:"enable" yaml:"enable"`
	Path       string `json:"path" yaml:"path"`
	MaxSize    int    `json:"max_size" yaml:"max_size"` // megabytes
	MaxAge     int    `json:"max_age" yaml:"max_age"`   // days
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:           "info",
		Format:          "console",
		TimestampFormat: time.RFC3339Nano,
		Console: ConsoleConfig{
			Enable:     true,
			TimeFormat: "15:04:05.000",
			Output:     "stderr",
		},
		File: FileConfig{
			Path:       "chordring.log",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			Compress:   true,
		},
		Fields:               make(Fields),
		CallerSkipFrameCount: 2,
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
	var closer io.Closer

	if config.Console.Enable {
		var output io.Writer = os.Stdout
		if config.Console.Output == "stderr" {
			output = os.Stderr
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

		fileWriter := &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSize,
			MaxAge:     config.File.MaxAge,
			MaxBackups: config.File.MaxBackups,
			Compress:   config.File.Compress,
		}
		writers = append(writers, fileWriter)
		closer = fileWriter
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
		dw := diode.NewWriter(writer, config.BufferSize, 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "Logger dropped %d messages\n", missed)
		})
		writer = dw
		closer = dw
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
	for k, v := range config.Fields {
		builder = builder.Interface(k, v)
	}

	zl := builder.Logger()
	return &Logger{
		Logger: &zl,
		config: config,
		fields: make(Fields),
		closer: closer,
	}, nil
}

// Nop returns a logger that discards everything. Handy in tests.
func Nop() *Logger {
	zl := zerolog.Nop()
	return &Logger{
		Logger: &zl,
		config: &Config{Level: "disabled"},
		fields: make(Fields),
	}
}

// WithFields creates a new logger with additional fields
func (l *Logger) WithFields(fields Fields) *Logger {
	l.mu.RLock()
	newFields := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	base := l.Logger
	l.mu.RUnlock()

	ctx := base.With()
	for k, v := range fields {
		newFields[k] = v
		ctx = ctx.Interface(k, v)
	}

	zl := ctx.Logger()
	return &Logger{
		Logger: &zl,
		config: l.config,
		fields: newFields,
	}
}

// WithComponent tags every entry with the subsystem that wrote it.
func (l *Logger) WithComponent(name string) *Logger {
	return l.WithFields(Fields{"component": name})
}

// WithNode tags every entry with a ring node id.
func (l *Logger) WithNode(id uint64) *Logger {
	return l.WithFields(Fields{"node_id": id})
}

// Fields returns a copy of the fields attached through WithFields
func (l *Logger) Fields() Fields {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(Fields, len(l.fields))
	for k, v := range l.fields {
		out[k] = v
	}
	return out
}

// UpdateLevel updates the log level dynamically
func (l *Logger) UpdateLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	newLogger := l.Logger.Level(lvl)
	l.Logger = &newLogger
	l.config.Level = level
	return nil
}

// Close flushes and closes file or async writers owned by the logger
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}
