package config

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the CallSight orchestrator.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir  string
	HTTPPort int

	// Asterisk ARI control plane.
	ARIHost      string
	ARIPort      int
	ARIHTTPSPort int // port used when building stored-recording URLs
	ARIUsername  string
	ARIPassword  string
	ARIApp       string // Stasis application name

	// Dispatcher.
	Workers        int           // concurrent event workers
	TeardownTTL    time.Duration // reaper threshold for sessions stuck tearing down
	MaxJoinRetries int           // bridge-join attempts per call before giving up

	// Analyzer.
	OpenAIAPIKey string
	ChatModel    string
	AudioModel   string

	JWTSecret   string // hex-encoded 32-byte secret for API JWT signing
	CORSOrigins string
	LogLevel    string
	LogFormat   string // "text" or "json"
}

// defaults
const (
	defaultDataDir        = "./data"
	defaultHTTPPort       = 8080
	defaultARIPort        = 8088
	defaultARIHTTPSPort   = 8089
	defaultARIApp         = "callsight"
	defaultWorkers        = 16
	defaultTeardownTTL    = 2 * time.Minute
	defaultMaxJoinRetries = 5
	defaultChatModel      = "gpt-4o-mini"
	defaultAudioModel     = "whisper-1"
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
)

// envPrefix is the prefix for all CallSight environment variables.
const envPrefix = "CALLSIGHT_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("callsight", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for database and recording storage")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.ARIHost, "ari-host", "", "Asterisk ARI host")
	fs.IntVar(&cfg.ARIPort, "ari-port", defaultARIPort, "Asterisk ARI HTTP port")
	fs.IntVar(&cfg.ARIHTTPSPort, "ari-https-port", defaultARIHTTPSPort, "Asterisk ARI HTTPS port for stored-recording URLs")
	fs.StringVar(&cfg.ARIUsername, "ari-username", "", "ARI username")
	fs.StringVar(&cfg.ARIPassword, "ari-password", "", "ARI password")
	fs.StringVar(&cfg.ARIApp, "ari-app", defaultARIApp, "Stasis application name")
	fs.IntVar(&cfg.Workers, "workers", defaultWorkers, "number of concurrent event dispatch workers")
	fs.DurationVar(&cfg.TeardownTTL, "teardown-ttl", defaultTeardownTTL, "how long a session may stay in teardown before the reaper finalizes it")
	fs.IntVar(&cfg.MaxJoinRetries, "max-join-retries", defaultMaxJoinRetries, "maximum bridge-join attempts per call")
	fs.StringVar(&cfg.OpenAIAPIKey, "openai-api-key", "", "OpenAI API key for call analysis")
	fs.StringVar(&cfg.ChatModel, "chat-model", defaultChatModel, "chat model for summarization and diarization")
	fs.StringVar(&cfg.AudioModel, "audio-model", defaultAudioModel, "audio model for transcription")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for API JWT signing (auto-generated if empty)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	for flagName, apply := range map[string]func(string){
		"data-dir":         func(v string) { cfg.DataDir = v },
		"http-port":        intSetter(&cfg.HTTPPort),
		"ari-host":         func(v string) { cfg.ARIHost = v },
		"ari-port":         intSetter(&cfg.ARIPort),
		"ari-https-port":   intSetter(&cfg.ARIHTTPSPort),
		"ari-username":     func(v string) { cfg.ARIUsername = v },
		"ari-password":     func(v string) { cfg.ARIPassword = v },
		"ari-app":          func(v string) { cfg.ARIApp = v },
		"workers":          intSetter(&cfg.Workers),
		"teardown-ttl":     durationSetter(&cfg.TeardownTTL),
		"max-join-retries": intSetter(&cfg.MaxJoinRetries),
		"openai-api-key":   func(v string) { cfg.OpenAIAPIKey = v },
		"chat-model":       func(v string) { cfg.ChatModel = v },
		"audio-model":      func(v string) { cfg.AudioModel = v },
		"jwt-secret":       func(v string) { cfg.JWTSecret = v },
		"cors-origins":     func(v string) { cfg.CORSOrigins = v },
		"log-level":        func(v string) { cfg.LogLevel = v },
		"log-format":       func(v string) { cfg.LogFormat = v },
	} {
		if set[flagName] {
			continue
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
		if val, ok := os.LookupEnv(envVar); ok && val != "" {
			apply(val)
		}
	}
}

func intSetter(dst *int) func(string) {
	return func(v string) {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func durationSetter(dst *time.Duration) func(string) {
	return func(v string) {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// validate checks that the configuration is internally consistent.
func (c *Config) validate() error {
	if c.ARIHost == "" {
		return fmt.Errorf("ari-host is required")
	}
	if c.ARIUsername == "" || c.ARIPassword == "" {
		return fmt.Errorf("ari-username and ari-password are required")
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port %d out of range", c.HTTPPort)
	}
	if c.ARIPort < 1 || c.ARIPort > 65535 {
		return fmt.Errorf("ari-port %d out of range", c.ARIPort)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.MaxJoinRetries < 1 {
		return fmt.Errorf("max-join-retries must be at least 1")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if c.JWTSecret != "" {
		key, err := hex.DecodeString(c.JWTSecret)
		if err != nil {
			return fmt.Errorf("jwt-secret is not valid hex: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("jwt-secret must decode to 32 bytes, got %d", len(key))
		}
	}
	return nil
}

// SlogLevel maps the configured log level to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// JWTSecretBytes returns the decoded JWT secret, or nil when unset.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		return nil, nil
	}
	return hex.DecodeString(c.JWTSecret)
}

// ARIBaseURL returns the base URL of the ARI REST API.
func (c *Config) ARIBaseURL() string {
	return fmt.Sprintf("http://%s:%d/ari", c.ARIHost, c.ARIPort)
}

// ARIWebsocketURL returns the URL of the ARI event feed.
func (c *Config) ARIWebsocketURL() string {
	return fmt.Sprintf("ws://%s:%d/ari/events?app=%s&subscribeAll=true", c.ARIHost, c.ARIPort, c.ARIApp)
}
