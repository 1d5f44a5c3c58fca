package logger_test

import (
	"fmt"
	"os"

	"github.com/ethan/rtcore/pkg/logger"
)

// Example showing basic logger usage
func ExampleLogger_basic() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatText

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	log.Info("resolver started", "version", "1.0.0")
	log.Warn("server dropped below failover threshold", "server", "8.8.8.8")
	log.Error("allocation failed", "error", "438 stale nonce")
}

// Example showing debug category usage
func ExampleLogger_categories() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelDebug
	cfg.EnableCategory(logger.DebugSTUN)
	cfg.EnableCategory(logger.DebugRTP)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// STUN debugging (only logged if DebugSTUN enabled)
	log.DebugSTUNMessage("BINDING", "request", "a1b2c3")

	// RTP debugging (only logged if DebugRTP enabled)
	log.DebugRTPPacket(12345, 90000, 96, 1200)

	// Generic category logging
	log.DebugSTUN("sent binding request", "dest", "turn.example.com:3478")
	log.DebugRTP("packet received", "seq", 12345)
}

// Example showing command-line flags integration
func ExampleFlags() {
	// In main.go:
	// import (
	//     "flag"
	//     "github.com/ethan/rtcore/pkg/logger"
	// )
	//
	// fs := flag.NewFlagSet("rtcore", flag.ExitOnError)
	// logFlags := logger.RegisterFlags(fs)
	// fs.Parse(os.Args[1:])
	//
	// logConfig, _ := logFlags.ToConfig()
	// log, _ := logger.New(logConfig)
	// defer log.Close()

	fmt.Println("See cmd/dnslookup/main.go for complete example")
}

// Example showing JSON format output
func ExampleLogger_json() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatJSON
	cfg.OutputFile = "app.json"

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()
	defer os.Remove("app.json") // Cleanup

	log.Info("lease allocated",
		"relayed_addr", "203.0.113.5:51000",
		"lifetime_s", 600)

	// Output will be in JSON format:
	// {"level":"info","relayed_addr":"203.0.113.5:51000","lifetime_s":600,"time":"...","message":"lease allocated"}
}

// Example showing conditional debug logging
func ExampleLogger_conditional() {
	cfg := logger.NewConfig()
	cfg.EnableCategory(logger.DebugDNS)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// Only logged if DebugDNS is enabled; zero cost otherwise.
	log.DebugDNS("cache miss", "name", "example.com", "type", "A")
	log.DebugRTP("packet received", "seq", 12345)
}

func computeExpensiveStats() string {
	return "expensive computation result"
}
