package build

import (
	"fmt"

	"github.com/btcsuite/btclog/v2"
)

const (
	// DefaultMaxLogFiles is the number of rotated log files kept.
	DefaultMaxLogFiles = 10

	// DefaultMaxLogFileSize is the size in MB at which the log rotates.
	DefaultMaxLogFileSize = 20
)

// LogConfig holds the logging options. Console and file share one handler,
// so the line format options apply to both.
//
//nolint:lll
type LogConfig struct {
	NoTimestamps bool `long:"no-timestamps" description:"Omit timestamps from log lines"`
	CallSite     bool `long:"call-site" description:"Add the file and line of the log call to every line"`

	Console *ConsoleConfig `group:"console" namespace:"console"`
	File    *FileConfig    `group:"file" namespace:"file"`
}

// ConsoleConfig holds the stdout options.
type ConsoleConfig struct {
	Disable bool `long:"disable" description:"Do not log to stdout"`
}

// FileConfig holds the rotating log file options.
//
//nolint:lll
type FileConfig struct {
	Disable    bool   `long:"disable" description:"Do not write the log file"`
	Compressor string `long:"compressor" description:"Compression of rotated log files" choice:"gzip" choice:"zstd"`
	MaxFiles   int    `long:"max-files" description:"Rotated log files to keep, 0 keeps all"`
	MaxSize    int    `long:"max-size" description:"Log file size in MB at which it is rotated"`
}

// DefaultLogConfig returns the default logging options.
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Console: &ConsoleConfig{},
		File: &FileConfig{
			Compressor: Gzip,
			MaxFiles:   DefaultMaxLogFiles,
			MaxSize:    DefaultMaxLogFileSize,
		},
	}
}

// Validate checks the logging options.
func (c *LogConfig) Validate() error {
	if !SupportedLogCompressor(c.File.Compressor) {
		return fmt.Errorf("invalid log compressor: %v",
			c.File.Compressor)
	}
	if c.File.MaxFiles < 0 || c.File.MaxSize <= 0 {
		return fmt.Errorf("logging.file.max-files must not be " +
			"negative and logging.file.max-size must be positive")
	}

	return nil
}

// HandlerOptions returns the btclog handler options for the line format.
func (c *LogConfig) HandlerOptions() []btclog.HandlerOption {
	var opts []btclog.HandlerOption
	if c.NoTimestamps {
		opts = append(opts, btclog.WithNoTimestamp())
	}
	if c.CallSite {
		opts = append(opts, btclog.WithCallerFlags(btclog.Lshortfile))
	}

	return opts
}
