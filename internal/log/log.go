// Package log provides structured, colored logging for the node.
package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Component loggers for different parts of the system.
var (
	Node     zerolog.Logger
	Config   zerolog.Logger
	Bridge   zerolog.Logger
	Loop     zerolog.Logger
	Chain    zerolog.Logger
	Wallet   zerolog.Logger
	Sync     zerolog.Logger
	P2P      zerolog.Logger
	API      zerolog.Logger
	Storage  zerolog.Logger
	Security zerolog.Logger
	Shutdown zerolog.Logger
)

func init() {
	Logger = NewConsoleLogger(os.Stdout, "info")
	initComponentLoggers()
}

// Init initializes the logger with the given configuration.
// When file is non-empty, logs go to both the console and the file, the
// file always receiving JSON.
func Init(level string, jsonOutput bool, file string) error {
	lvl := parseLevel(level)

	var console io.Writer = os.Stdout
	if !jsonOutput {
		console = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
	}

	out := console
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		out = zerolog.MultiLevelWriter(console, f)
	}

	Logger = zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Logger()

	initComponentLoggers()
	return nil
}

// SetOutput replaces the global logger with one writing JSON to w.
// Tests use it to capture or silence output.
func SetOutput(w io.Writer, level string) {
	Logger = NewJSONLogger(w, level)
	initComponentLoggers()
}

// NewConsoleLogger creates a colored console logger.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05",
	}
	return zerolog.New(output).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// NewJSONLogger creates a structured JSON logger.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

// parseLevel converts a level name to zerolog.Level. The config file uses
// upper-case names (INFO, DEBUG), flags use lower-case ones.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func initComponentLoggers() {
	Node = WithComponent("node")
	Config = WithComponent("config")
	Bridge = WithComponent("bridge")
	Loop = WithComponent("loop")
	Chain = WithComponent("chain")
	Wallet = WithComponent("wallet")
	Sync = WithComponent("sync")
	P2P = WithComponent("p2p")
	API = WithComponent("api")
	Storage = WithComponent("storage")
	Security = WithComponent("security")
	Shutdown = WithComponent("shutdown")
}

// WithComponent returns a logger with a component field.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// Benchmark helper for timing operations.
func Benchmark(name string) func() {
	start := time.Now()
	return func() {
		Logger.Debug().
			Str("operation", name).
			Dur("duration", time.Since(start)).
			Msg("benchmark")
	}
}
