package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags
type Flags struct {
	LogLevel   string
	LogFormat  string
	LogFile    string
	DebugDNS   bool
	DebugSTUN  bool
	DebugTURN  bool
	DebugRTSP  bool
	DebugRTP   bool
	DebugAll   bool
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
	fs.BoolVar(&f.DebugDNS, "debug-dns", false,
		"Enable DNS resolver debugging (queries, cache hits, server rotation)")
	fs.BoolVar(&f.DebugSTUN, "debug-stun", false,
		"Enable STUN message debugging (method, class, transaction id)")
	fs.BoolVar(&f.DebugTURN, "debug-turn", false,
		"Enable TURN allocation debugging (state transitions, refresh)")
	fs.BoolVar(&f.DebugRTSP, "debug-rtsp", false,
		"Enable RTSP protocol debugging")
	fs.BoolVar(&f.DebugRTP, "debug-rtp", false,
		"Enable detailed RTP packet debugging (sequence, timestamp, payload)")
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
		if f.DebugDNS {
			cfg.EnableCategory(DebugDNS)
			cfg.Level = LevelDebug
		}
		if f.DebugSTUN {
			cfg.EnableCategory(DebugSTUN)
			cfg.Level = LevelDebug
		}
		if f.DebugTURN {
			cfg.EnableCategory(DebugTURN)
			cfg.Level = LevelDebug
		}
		if f.DebugRTSP {
			cfg.EnableCategory(DebugRTSP)
			cfg.Level = LevelDebug
		}
		if f.DebugRTP {
			cfg.EnableCategory(DebugRTP)
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
    ./rtcore

  Enable DEBUG level:
    ./rtcore --log-level debug
    ./rtcore -l debug

  Log to file:
    ./rtcore --log-file rtcore.log
    ./rtcore -o rtcore.log

  JSON format for structured logging:
    ./rtcore --log-format json -o rtcore.json

  Debug STUN/TURN only:
    ./rtcore --debug-stun --debug-turn

  Debug DNS resolution only:
    ./rtcore --debug-dns

  Debug multiple categories:
    ./rtcore --debug-rtsp --debug-rtp

  Debug everything:
    ./rtcore --debug-all -o debug.log

  Production logging (WARN level, JSON to file):
    ./rtcore -l warn --log-format json -o production.log
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
		if f.DebugDNS {
			debugCategories = append(debugCategories, "dns")
		}
		if f.DebugSTUN {
			debugCategories = append(debugCategories, "stun")
		}
		if f.DebugTURN {
			debugCategories = append(debugCategories, "turn")
		}
		if f.DebugRTSP {
			debugCategories = append(debugCategories, "rtsp")
		}
		if f.DebugRTP {
			debugCategories = append(debugCategories, "rtp")
		}
	}

	if len(debugCategories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(debugCategories, ",")))
	}

	return strings.Join(parts, " ")
}
