package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags
type Flags struct {
	LogLevel    string
	LogFormat   string
	LogFile     string
	DebugMKV    bool
	DebugRTP    bool
	DebugUpload bool
	DebugRing   bool
	DebugAll    bool
}

// RegisterFlags registers logging flags with the given FlagSet
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info",
		"Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text",
		"Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "",
		"Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "",
		"Log output file path (shorthand)")

	// Debug category flags
	fs.BoolVar(&f.DebugMKV, "debug-mkv", false,
		"Enable MKV/EBML muxing debugging (NAL units, cluster boundaries)")
	fs.BoolVar(&f.DebugRTP, "debug-rtp", false,
		"Enable detailed RTP packet debugging (sequence, timestamp, payload)")
	fs.BoolVar(&f.DebugUpload, "debug-upload", false,
		"Enable PUT_MEDIA upload session debugging (state transitions, fragment acks)")
	fs.BoolVar(&f.DebugRing, "debug-ring", false,
		"Enable frame ring buffer debugging (enqueue/dequeue/drop decisions)")
	fs.BoolVar(&f.DebugAll, "debug-all", false,
		"Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	// Parse log level
	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	// Parse format
	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	// Set output file
	cfg.OutputFile = f.LogFile

	// Enable debug categories
	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		// Force debug level when any debug category is enabled
		cfg.Level = LevelDebug
	} else {
		if f.DebugMKV {
			cfg.EnableCategory(CategoryMKV)
			cfg.Level = LevelDebug
		}
		if f.DebugRTP {
			cfg.EnableCategory(CategoryRTP)
			cfg.Level = LevelDebug
		}
		if f.DebugUpload {
			cfg.EnableCategory(CategoryUpload)
			cfg.Level = LevelDebug
		}
		if f.DebugRing {
			cfg.EnableCategory(CategoryRing)
			cfg.Level = LevelDebug
		}
	}

	return cfg, nil
}

// PrintUsageExamples prints usage examples for logging flags
func PrintUsageExamples() {
	examples := `
Logging Examples:

  Basic usage (INFO level, text format to stdout):
    ./producer

  Enable DEBUG level:
    ./producer --log-level debug
    ./producer -l debug

  Log to file:
    ./producer --log-file producer.log
    ./producer -o producer.log

  JSON format for structured logging:
    ./producer --log-format json -o producer.json

  Debug RTP packets only:
    ./producer --debug-rtp

  Debug MKV muxing only:
    ./producer --debug-mkv

  Debug multiple categories:
    ./producer --debug-rtp --debug-mkv --debug-upload

  Debug everything:
    ./producer --debug-all -o debug.log

  Production logging (WARN level, JSON to file):
    ./producer -l warn --log-format json -o production.log
`
	fmt.Println(examples)
}

// String returns a string representation of enabled flags
func (f *Flags) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var debugCategories []string
	if f.DebugAll {
		debugCategories = append(debugCategories, "all")
	} else {
		if f.DebugMKV {
			debugCategories = append(debugCategories, "mkv")
		}
		if f.DebugRTP {
			debugCategories = append(debugCategories, "rtp")
		}
		if f.DebugUpload {
			debugCategories = append(debugCategories, "upload")
		}
		if f.DebugRing {
			debugCategories = append(debugCategories, "ring")
		}
	}

	if len(debugCategories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(debugCategories, ",")))
	}

	return strings.Join(parts, " ")
}
