// Package debug provides env-gated diagnostic logging.
//
// Everything goes to stderr: stdout is the MCP wire and must carry nothing
// but protocol frames. When ENABLE_LOGGING is set the same output is teed to
// a rotating file.
package debug

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	enabled     = os.Getenv("DMMS_DEBUG") != ""
	verboseMode = false
	quietMode   = false

	mu       sync.Mutex
	fileSink io.WriteCloser
)

// Enabled reports whether debug output is active.
func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose enables verbose/debug output.
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

// SetQuiet suppresses non-essential output.
func SetQuiet(quiet bool) {
	quietMode = quiet
}

// IsQuiet reports whether quiet mode is enabled.
func IsQuiet() bool {
	return quietMode
}

// EnableFileLogging routes a copy of all output to path with rotation.
// Safe to call more than once; the last path wins.
func EnableFileLogging(path string) {
	mu.Lock()
	defer mu.Unlock()
	if fileSink != nil {
		_ = fileSink.Close()
	}
	fileSink = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     14, // days
		Compress:   true,
	}
}

// CloseFileLogging flushes and detaches the file sink.
func CloseFileLogging() {
	mu.Lock()
	defer mu.Unlock()
	if fileSink != nil {
		_ = fileSink.Close()
		fileSink = nil
	}
}

func write(line string) {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	fmt.Fprint(os.Stderr, line)
	mu.Lock()
	if fileSink != nil {
		_, _ = io.WriteString(fileSink, line)
	}
	mu.Unlock()
}

// Logf writes debug output when enabled.
func Logf(format string, args ...interface{}) {
	if enabled || verboseMode {
		write(fmt.Sprintf(format, args...))
	}
}

// Warnf always writes, regardless of debug mode.
func Warnf(format string, args ...interface{}) {
	write("Warning: " + fmt.Sprintf(format, args...))
}

// Infof writes informational output unless quiet mode is enabled.
func Infof(format string, args ...interface{}) {
	if !quietMode {
		write(fmt.Sprintf(format, args...))
	}
}
