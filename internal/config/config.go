package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-shellwords"
	"gopkg.in/yaml.v3"
)

const (
	ProviderWyoming = "wyoming"
	ProviderOpenAI  = "openai"
)

type Config struct {
	// Server
	APIPort            string
	BackendAPIKey      string // API key for /v1 routes (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Logging
	LogLevel  string
	LogFormat string // "console" or "json"

	// Speech synthesis
	TTSProvider      string
	PiperHost        string
	PiperPort        string
	DefaultVoice     string // Voice for the active provider; empty = provider default
	SynthesisTimeout time.Duration
	OpenAIKey        string
	OpenAITTSModel   string

	// Effects
	OutputFormat      string
	ForegroundFilters []string
	BackgroundFilters []string
	MixFilters        []string
	MediaDir          string
	SoxPath           string

	// Async jobs (optional: empty REDIS_URL disables the queue and worker)
	RedisURL          string
	WorkerEnabled     bool
	WorkerConcurrency int

	// Render history (optional)
	DatabaseURL string

	// Supabase artifact publishing (optional)
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string
}

// Preset is the optional YAML effects file named by EFFECTS_PRESET_FILE.
// Environment variables take precedence over anything it sets.
type Preset struct {
	Voice             string `yaml:"voice"`
	OutType           string `yaml:"out_type"`
	TTSFilters        string `yaml:"tts_filters"`
	BackgroundFilters string `yaml:"background_filters"`
	MixFilters        string `yaml:"mix_filters"`
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	preset, err := loadPreset(os.Getenv("EFFECTS_PRESET_FILE"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		APIPort:               getEnv("API_PORT", "10300"),
		BackendAPIKey:         getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins:    getEnv("CORS_ALLOWED_ORIGINS", ""),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "console"),
		TTSProvider:           strings.ToLower(getEnv("TTS_PROVIDER", ProviderWyoming)),
		PiperHost:             getEnv("PIPER_HOST", "core-piper"),
		PiperPort:             getEnv("PIPER_PORT", "10200"),
		SynthesisTimeout:      getEnvDuration("SYNTHESIS_TIMEOUT", 60*time.Second),
		OpenAIKey:             getEnv("OPENAI_API_KEY", ""),
		OpenAITTSModel:        getEnv("OPENAI_TTS_MODEL", "tts-1"),
		OutputFormat:          getEnv("OUT_TYPE", orDefault(preset.OutType, "mp3")),
		MediaDir:              getEnv("MEDIA_DIR", "/media/tts_fx"),
		SoxPath:               getEnv("SOX_PATH", "sox"),
		RedisURL:              getEnv("REDIS_URL", ""),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", true),
		WorkerConcurrency:     getEnvInt("WORKER_CONCURRENCY", 2),
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "tts-fx"),
	}

	if cfg.ForegroundFilters, err = ParseChain(getEnv("TTS_FILTERS", preset.TTSFilters)); err != nil {
		return nil, fmt.Errorf("TTS_FILTERS: %w", err)
	}
	if cfg.BackgroundFilters, err = ParseChain(getEnv("BACKGROUND_FILTERS", preset.BackgroundFilters)); err != nil {
		return nil, fmt.Errorf("BACKGROUND_FILTERS: %w", err)
	}
	if cfg.MixFilters, err = ParseChain(getEnv("MIX_FILTERS", orDefault(preset.MixFilters, "bend 0.3,5,0.3"))); err != nil {
		return nil, fmt.Errorf("MIX_FILTERS: %w", err)
	}

	// Voice names are provider-specific, so each provider has its own setting.
	switch cfg.TTSProvider {
	case ProviderWyoming:
		if cfg.PiperHost == "" || cfg.PiperPort == "" {
			return nil, fmt.Errorf("PIPER_HOST and PIPER_PORT are required for the wyoming provider")
		}
		cfg.DefaultVoice = getEnv("PIPER_VOICE", preset.Voice)
	case ProviderOpenAI:
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai provider")
		}
		cfg.DefaultVoice = getEnv("OPENAI_TTS_VOICE", "")
	default:
		return nil, fmt.Errorf("unknown TTS_PROVIDER %q (allowed: wyoming, openai)", cfg.TTSProvider)
	}

	if cfg.OutputFormat == "" {
		return nil, fmt.Errorf("OUT_TYPE must not be empty")
	}

	if cfg.WorkerConcurrency < 1 {
		cfg.WorkerConcurrency = 1
	}

	return cfg, nil
}

// ParseChain splits a filter-chain setting into argv tokens. Quoting follows
// shell rules so a single token may contain spaces. Tokens are otherwise
// passed to sox untouched.
func ParseChain(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	tokens, err := shellwords.NewParser().Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse filter chain: %w", err)
	}
	out := tokens[:0]
	for _, t := range tokens {
		if t != "" {
			out = append(out, t)
		}
	}
	return out, nil
}

// PublishingEnabled reports whether finished artifacts are uploaded to Supabase.
func (c *Config) PublishingEnabled() bool {
	return c.SupabaseURL != "" && c.SupabaseServiceKey != ""
}

func loadPreset(path string) (Preset, error) {
	var p Preset
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read effects preset: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse effects preset: %w", err)
	}
	return p, nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
