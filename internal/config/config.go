// Package config reads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mistakeknot/huddle/internal/agent"
	"github.com/mistakeknot/huddle/internal/registrar"
)

const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"

	BusWebsocket = "ws"
	BusRedis     = "redis"
)

type Config struct {
	Addr       string
	SocketPath string
	KeysFile   string

	Store    string
	DBPath   string
	RedisURL string

	Bus string
	// BusURL is the registrar a worker subscribes to on the websocket bus.
	BusURL string
	APIKey string

	LiveKit    LiveKitConfig
	TextGen    TextGenConfig
	Deepgram   DeepgramConfig
	ElevenLabs ElevenLabsConfig

	Agent     agent.Config
	Registrar registrar.Config

	WorkerID     string
	HealthAddr   string
	CoachesFile  string
	ArchiveDir   string
	ArchiveQueue int
	SweepEvery   time.Duration
}

type LiveKitConfig struct {
	URL       string
	APIKey    string
	APISecret string
}

type TextGenConfig struct {
	// Providers is the order providers are tried in.
	Providers    []string
	OpenAIKey    string
	OpenAIModel  string
	GeminiKey    string
	GeminiModel  string
	MaxTokens    int
	HistoryTurns int
}

type DeepgramConfig struct {
	APIKey string
	Model  string
}

type ElevenLabsConfig struct {
	APIKey string
	Model  string
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	ag := agent.DefaultConfig()
	ag.HistoryWindow = getEnvInt("HUDDLE_HISTORY_TURNS", ag.HistoryWindow)
	ag.HotWindow = getEnvInt("HUDDLE_HOT_TURNS", ag.HotWindow)
	ag.MaxTokens = getEnvInt("HUDDLE_MAX_TOKENS", ag.MaxTokens)
	ag.GenerateTimeout = getEnvDuration("HUDDLE_GENERATE_TIMEOUT", ag.GenerateTimeout)
	ag.SynthesizeTimeout = getEnvDuration("HUDDLE_SYNTHESIZE_TIMEOUT", ag.SynthesizeTimeout)
	ag.ClosingTimeout = getEnvDuration("HUDDLE_CLOSING_TIMEOUT", ag.ClosingTimeout)
	ag.CleanupTimeout = getEnvDuration("HUDDLE_CLEANUP_TIMEOUT", ag.CleanupTimeout)
	ag.Connect.MaxRetries = getEnvInt("HUDDLE_CONNECT_RETRIES", ag.Connect.MaxRetries)
	ag.ClaimTTL = getEnvDuration("HUDDLE_CLAIM_TTL", ag.ClaimTTL)
	ag.Heartbeat = getEnvDuration("HUDDLE_HEARTBEAT", ag.Heartbeat)

	reg := registrar.DefaultConfig()
	reg.SessionTTL = getEnvDuration("HUDDLE_SESSION_TTL", reg.SessionTTL)
	reg.CredentialTTL = getEnvDuration("HUDDLE_CREDENTIAL_TTL", reg.CredentialTTL)
	reg.ClaimDeadline = getEnvDuration("HUDDLE_CLAIM_DEADLINE", reg.ClaimDeadline)
	reg.MaxRepublish = getEnvInt("HUDDLE_MAX_REPUBLISH", reg.MaxRepublish)
	reg.ReapInterval = getEnvDuration("HUDDLE_REAP_INTERVAL", reg.ReapInterval)
	ag.ConversationTTL = reg.SessionTTL

	cfg := &Config{
		Addr:       getEnv("HUDDLE_ADDR", ":7338"),
		SocketPath: getEnv("HUDDLE_SOCKET", ""),
		KeysFile:   getEnv("HUDDLE_KEYS_FILE", ""),
		Store:      strings.ToLower(getEnv("HUDDLE_STORE", StoreSQLite)),
		DBPath:     getEnv("HUDDLE_DB_PATH", "./data/huddle.db"),
		RedisURL:   getEnv("REDIS_URL", ""),
		Bus:        strings.ToLower(getEnv("HUDDLE_BUS", BusWebsocket)),
		BusURL:     getEnv("HUDDLE_BUS_URL", "http://127.0.0.1:7338"),
		APIKey:     getEnv("HUDDLE_API_KEY", ""),
		LiveKit: LiveKitConfig{
			URL:       getEnv("LIVEKIT_URL", ""),
			APIKey:    getEnv("LIVEKIT_API_KEY", ""),
			APISecret: getEnv("LIVEKIT_API_SECRET", ""),
		},
		TextGen: TextGenConfig{
			Providers:   getEnvList("TEXTGEN_PROVIDERS", []string{"openai", "gemini"}),
			OpenAIKey:   getEnv("OPENAI_API_KEY", ""),
			OpenAIModel: getEnv("OPENAI_MODEL", ""),
			GeminiKey:   getEnv("GEMINI_API_KEY", ""),
			GeminiModel: getEnv("GEMINI_MODEL", ""),
		},
		Deepgram: DeepgramConfig{
			APIKey: getEnv("DEEPGRAM_API_KEY", ""),
			Model:  getEnv("DEEPGRAM_MODEL", ""),
		},
		ElevenLabs: ElevenLabsConfig{
			APIKey: getEnv("ELEVENLABS_API_KEY", ""),
			Model:  getEnv("ELEVENLABS_MODEL", ""),
		},
		Agent:        ag,
		Registrar:    reg,
		WorkerID:     getEnv("HUDDLE_WORKER_ID", ""),
		HealthAddr:   getEnv("HUDDLE_HEALTH_ADDR", ":7339"),
		CoachesFile:  getEnv("HUDDLE_COACHES_FILE", ""),
		ArchiveDir:   getEnv("HUDDLE_ARCHIVE_DIR", "./data/transcripts"),
		ArchiveQueue: getEnvInt("HUDDLE_ARCHIVE_QUEUE", 256),
		SweepEvery:   getEnvDuration("HUDDLE_SWEEP_INTERVAL", time.Minute),
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings every process needs.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("HUDDLE_DB_PATH cannot be empty")
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required with HUDDLE_STORE=redis")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("HUDDLE_STORE must be sqlite, redis or memory, got %q", c.Store)
	}
	switch c.Bus {
	case BusWebsocket:
	case BusRedis:
		if c.Store != StoreRedis {
			return fmt.Errorf("HUDDLE_BUS=redis requires HUDDLE_STORE=redis")
		}
	default:
		return fmt.Errorf("HUDDLE_BUS must be ws or redis, got %q", c.Bus)
	}
	for _, p := range c.TextGen.Providers {
		if p != "openai" && p != "gemini" {
			return fmt.Errorf("unknown text generation provider %q", p)
		}
	}
	if c.Agent.HistoryWindow <= 0 || c.Agent.HotWindow < c.Agent.HistoryWindow {
		return fmt.Errorf("history window must be > 0 and no larger than the hot window")
	}
	if c.Agent.ClaimTTL <= c.Agent.Heartbeat {
		return fmt.Errorf("HUDDLE_CLAIM_TTL must exceed HUDDLE_HEARTBEAT")
	}
	if c.Registrar.ClaimDeadline <= 0 || c.Registrar.ReapInterval <= 0 {
		return fmt.Errorf("claim deadline and reap interval must be > 0")
	}
	if c.ArchiveQueue <= 0 {
		return fmt.Errorf("HUDDLE_ARCHIVE_QUEUE must be > 0")
	}
	return nil
}

// RequireMedia checks the room service settings the registrar needs.
func (c *Config) RequireMedia() error {
	if c.LiveKit.URL == "" || c.LiveKit.APIKey == "" || c.LiveKit.APISecret == "" {
		return fmt.Errorf("LIVEKIT_URL, LIVEKIT_API_KEY and LIVEKIT_API_SECRET are required")
	}
	return nil
}

// RequireTextGen checks that at least one listed provider has a key.
func (c *Config) RequireTextGen() error {
	for _, p := range c.TextGen.Providers {
		if (p == "openai" && c.TextGen.OpenAIKey != "") || (p == "gemini" && c.TextGen.GeminiKey != "") {
			return nil
		}
	}
	return fmt.Errorf("no text generation provider configured: set OPENAI_API_KEY or GEMINI_API_KEY")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("30s") or bare seconds ("30").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
