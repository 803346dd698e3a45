// Package log holds the wallet's zerolog loggers. Each subsystem logs
// through its own component logger so output can be filtered by the
// "component" field.
package log

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jrick/logrotate/rotator"
	"github.com/rs/zerolog"
)

// Rotation defaults, in line with the btcd family of daemons.
const (
	DefaultMaxLogFileSizeKB = 10 * 1024
	DefaultMaxLogFiles      = 3
)

// Logger is the root logger. The component loggers are derived from it and
// rebuilt whenever Init replaces it.
var Logger zerolog.Logger

var (
	Wallet  zerolog.Logger // address book, keys, spends
	Scan    zerolog.Logger // gap-limit discovery and sync
	Select  zerolog.Logger // coin selection
	Signer  zerolog.Logger // transaction assembly and MuSig2
	Storage zerolog.Logger // keystore and badger
	RPC     zerolog.Logger // node client
)

var logFile *rotator.Rotator

func init() {
	setRoot(NewConsoleLogger(os.Stderr, "info"))
}

// Options configures Init.
type Options struct {
	Level string
	// JSON switches console output from the colored format to JSON.
	JSON bool
	// File, when set, also receives JSON records through a size-based
	// rotator keeping MaxFiles files of MaxSizeKB each.
	File      string
	MaxSizeKB int64
	MaxFiles  int
}

// Init replaces the root logger. Any previously opened log file is closed.
func Init(opts Options) error {
	var out io.Writer = consoleWriter(os.Stderr)
	if opts.JSON {
		out = os.Stderr
	}

	Close()
	if opts.File != "" {
		r, err := openRotator(opts.File, opts.MaxSizeKB, opts.MaxFiles)
		if err != nil {
			return err
		}
		logFile = r
		out = zerolog.MultiLevelWriter(out, zerolog.SyncWriter(r))
	}

	setRoot(newLogger(out, opts.Level))
	return nil
}

// Close flushes and closes the log file, if one is open.
func Close() {
	if logFile == nil {
		return
	}
	logFile.Close()
	logFile = nil
}

func openRotator(path string, sizeKB int64, files int) (*rotator.Rotator, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if sizeKB <= 0 {
		sizeKB = DefaultMaxLogFileSizeKB
	}
	if files <= 0 {
		files = DefaultMaxLogFiles
	}
	return rotator.New(path, sizeKB, false, files)
}

// NewConsoleLogger returns a human-readable colored logger writing to w.
func NewConsoleLogger(w io.Writer, level string) zerolog.Logger {
	return newLogger(consoleWriter(w), level)
}

// NewJSONLogger returns a logger writing one JSON object per line to w.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	return newLogger(w, level)
}

// WithComponent derives a logger tagged with a component name.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

func consoleWriter(w io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
}

func newLogger(w io.Writer, level string) zerolog.Logger {
	return zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Logger()
}

// parseLevel maps a configured level name to zerolog. Unknown names log
// at info.
func parseLevel(level string) zerolog.Level {
	switch level = strings.ToLower(strings.TrimSpace(level)); level {
	case "off", "disabled":
		return zerolog.Disabled
	case "warning":
		return zerolog.WarnLevel
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func setRoot(l zerolog.Logger) {
	Logger = l
	Wallet = WithComponent("wallet")
	Scan = WithComponent("scan")
	Select = WithComponent("select")
	Signer = WithComponent("signer")
	Storage = WithComponent("storage")
	RPC = WithComponent("rpc")
}
