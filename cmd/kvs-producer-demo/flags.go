package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
)

// version is injected at build time with -ldflags "-X main.version=...". Defaults to dev.
var version = "dev"

// cliConfig holds user supplied flag values prior to translation into
// server.Config/kvsaws.Config so main.go can validate and map.
type cliConfig struct {
	listenAddr        string
	logLevel          string
	recordAll         bool
	recordDir         string
	chunkSize         uint
	showVersion       bool
	hookScripts       []string
	hookWebhooks      []string
	hookStdioFormat   string
	hookTimeout       string
	hookConcurrency   int

	// KVS producer wiring.
	kvsEnable      bool
	kvsRegion      string
	kvsStoreBudget int64
	kvsSpillDir    string
	kvsReapCron    string
}

func parseFlags(args []string) (*cliConfig, error) {
	fs := flag.NewFlagSet("kvs-producer-demo", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cfg := &cliConfig{}
	var hookScripts stringSliceFlag
	var hookWebhooks stringSliceFlag

	fs.StringVar(&cfg.listenAddr, "listen", ":1935", "TCP listen address (e.g. :1935 or 0.0.0.0:1935)")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.BoolVar(&cfg.recordAll, "record-all", false, "Enable recording of all streams to -record-dir")
	fs.StringVar(&cfg.recordDir, "record-dir", "recordings", "Directory to write FLV recordings")
	fs.UintVar(&cfg.chunkSize, "chunk-size", 4096, "Initial outbound chunk size")
	fs.BoolVar(&cfg.showVersion, "version", false, "Print version and exit")

	fs.Var(&hookScripts, "hook-script", "Hook script in format event_type=script_path (can be specified multiple times)")
	fs.Var(&hookWebhooks, "hook-webhook", "Hook webhook in format event_type=webhook_url (can be specified multiple times)")
	fs.StringVar(&cfg.hookStdioFormat, "hook-stdio-format", "", "Enable structured stdio output: json|env (empty=disabled)")
	fs.StringVar(&cfg.hookTimeout, "hook-timeout", "30s", "Timeout for hook execution")
	fs.IntVar(&cfg.hookConcurrency, "hook-concurrency", 10, "Maximum concurrent hook executions")

	fs.BoolVar(&cfg.kvsEnable, "kvs-enable", false, "Bridge every published stream into a KVS producer stream")
	fs.StringVar(&cfg.kvsRegion, "kvs-region", "us-west-2", "AWS region used to resolve credentials and synthesize endpoints")
	fs.Int64Var(&cfg.kvsStoreBudget, "kvs-store-budget", 128<<20, "Content store byte budget")
	fs.StringVar(&cfg.kvsSpillDir, "kvs-spill-dir", "", "Directory for disk spill once the store budget is exceeded (empty disables spilling)")
	fs.StringVar(&cfg.kvsReapCron, "kvs-reap-cron", "@every 1m", "Cron spec for the idle-stream reap sweep")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.hookScripts = hookScripts
	cfg.hookWebhooks = hookWebhooks

	if cfg.chunkSize == 0 || cfg.chunkSize > 65536 {
		return nil, errors.New("chunk-size must be between 1 and 65536")
	}

	switch cfg.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log-level %q", cfg.logLevel)
	}

	if err := validateHookConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ", ") }

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func validateHookConfig(cfg *cliConfig) error {
	if cfg.hookStdioFormat != "" && cfg.hookStdioFormat != "json" && cfg.hookStdioFormat != "env" {
		return fmt.Errorf("invalid hook-stdio-format %q, must be 'json' or 'env'", cfg.hookStdioFormat)
	}
	if cfg.hookTimeout != "" {
		if _, err := parseTimeDuration(cfg.hookTimeout); err != nil {
			return fmt.Errorf("invalid hook-timeout %q: %w", cfg.hookTimeout, err)
		}
	}
	if cfg.hookConcurrency < 1 || cfg.hookConcurrency > 100 {
		return fmt.Errorf("hook-concurrency must be between 1 and 100, got %d", cfg.hookConcurrency)
	}
	for _, script := range cfg.hookScripts {
		if err := validateHookAssignment("hook-script", script); err != nil {
			return err
		}
	}
	for _, webhook := range cfg.hookWebhooks {
		if err := validateHookAssignment("hook-webhook", webhook); err != nil {
			return err
		}
	}
	return nil
}

func parseTimeDuration(s string) (string, error) {
	if len(s) < 2 {
		return "", fmt.Errorf("duration too short")
	}
	suffix := s[len(s)-1:]
	if suffix != "s" && suffix != "m" && suffix != "h" {
		return "", fmt.Errorf("duration must end with s, m, or h")
	}
	return s, nil
}

func validateHookAssignment(flagName, assignment string) error {
	parts := strings.SplitN(assignment, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("invalid %s format %q, expected event_type=value", flagName, assignment)
	}
	eventType, value := parts[0], parts[1]
	if eventType == "" {
		return fmt.Errorf("invalid %s: event type cannot be empty", flagName)
	}
	if value == "" {
		return fmt.Errorf("invalid %s: value cannot be empty", flagName)
	}
	validEventTypes := map[string]bool{
		"connection_accept":  true,
		"connection_close":   true,
		"handshake_complete": true,
		"stream_create":      true,
		"stream_delete":      true,
		"publish_start":      true,
		"publish_stop":       true,
		"codec_detected":     true,
	}
	if !validEventTypes[eventType] {
		return fmt.Errorf("invalid %s: unknown event type %q", flagName, eventType)
	}
	return nil
}
