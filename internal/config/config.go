// Package config loads and holds all proxy configuration.
//
// Settings are layered: defaults → config file (proxy-config.{json,yaml,toml})
// → environment variables (env vars win). The file layer is watched via
// fsnotify (wired through viper.WatchConfig); on change, a brand-new
// immutable *Config is decoded and published by atomic pointer swap — an
// in-flight request keeps using the snapshot it already captured, the same
// hot-reload-by-pointer-swap model the detector registry and allowlists use.
package config

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"ai-anonymizing-proxy/internal/logger"
)

// Config holds the full proxy configuration.
type Config struct {
	ProxyPort       int    `mapstructure:"proxyPort"`
	ManagementPort  int    `mapstructure:"managementPort"`
	BindAddress     string `mapstructure:"bindAddress"`
	LogLevel        string `mapstructure:"logLevel"`
	ManagementToken string `mapstructure:"managementToken"`

	UpstreamURL string `mapstructure:"upstreamUrl"`

	MappingTTLSeconds int    `mapstructure:"mappingTtlSeconds"`
	MappingStoreKind  string `mapstructure:"mappingStoreKind"` // "memory" | "redis"
	RedisAddr         string `mapstructure:"redisAddr"`

	InjectPrompt bool `mapstructure:"injectPrompt"`

	RateLimit        int  `mapstructure:"rateLimit"`
	RateLimitEnabled bool `mapstructure:"rateLimitEnabled"`

	CacheEnabled    bool `mapstructure:"cacheEnabled"`
	CacheTTLSeconds int  `mapstructure:"cacheTtlSeconds"`
	CacheMaxEntries int  `mapstructure:"cacheMaxEntries"`

	SecretScanEnabled bool   `mapstructure:"secretScanEnabled"`
	CompliancePreset  string `mapstructure:"compliancePreset"`

	FuzzyEnabled             bool    `mapstructure:"fuzzyEnabled"`
	FuzzyConfidenceThreshold float64 `mapstructure:"fuzzyConfidenceThreshold"`
	MaxPlaceholderLength     int     `mapstructure:"maxPlaceholderLength"`
	CustomPatternPath        string  `mapstructure:"customPatternPath"`
	AllowlistDir             string  `mapstructure:"allowlistDir"`
	HashIndexPath            string  `mapstructure:"hashIndexPath"`

	RequestTimeoutSeconds    int `mapstructure:"requestTimeoutSeconds"`
	UpstreamTimeoutSeconds   int `mapstructure:"upstreamTimeoutSeconds"`
	UpstreamConnectSeconds   int `mapstructure:"upstreamConnectSeconds"`
	StreamIdleTimeoutSeconds int `mapstructure:"streamIdleTimeoutSeconds"`

	MaxRequestBodyBytes int64 `mapstructure:"maxRequestBodyBytes"`

	// PIIInstructions maps LLM family prefix (e.g. "claude", "gpt") to the
	// anti-hallucination system instruction injected when placeholders are
	// present. Lookup is prefix-based: "claude-sonnet-4-6" matches "claude".
	// The special key "default" is used when no prefix matches.
	PIIInstructions map[string]string `mapstructure:"piiInstructions"`
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

func (c *Config) UpstreamConnectTimeout() time.Duration {
	return time.Duration(c.UpstreamConnectSeconds) * time.Second
}

func (c *Config) StreamIdleTimeout() time.Duration {
	return time.Duration(c.StreamIdleTimeoutSeconds) * time.Second
}

func (c *Config) MappingTTL() time.Duration {
	return time.Duration(c.MappingTTLSeconds) * time.Second
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// ResolvePIIInstruction returns the configured anti-hallucination
// instruction for the given model string using prefix matching.
// "claude-sonnet-4-6" matches key "claude". Falls back to "default", then
// to the built-in instruction if neither is configured.
func (c *Config) ResolvePIIInstruction(model string) string {
	for key, instruction := range c.PIIInstructions {
		if key == "default" {
			continue
		}
		if len(model) >= len(key) && model[:len(key)] == key {
			return instruction
		}
	}
	if fallback, ok := c.PIIInstructions["default"]; ok {
		return fallback
	}
	return defaultPIIInstruction
}

// defaultPIIInstruction is the fallback anti-hallucination system message
// used when no model-specific entry is configured.
const defaultPIIInstruction = "This conversation may contain privacy-preserving placeholders" +
	" of the exact form <TYPE_N> (e.g. <EMAIL_1>, <PERSON_2>). You MUST reproduce" +
	" every such placeholder EXACTLY as written, in every response. Do NOT" +
	" substitute them with example values, names, or any other text — treat" +
	" them as opaque tokens that must pass through unchanged."

func defaults(v *viper.Viper) {
	v.SetDefault("proxyPort", 8080)
	v.SetDefault("managementPort", 8081)
	v.SetDefault("bindAddress", "127.0.0.1")
	v.SetDefault("logLevel", "info")
	v.SetDefault("managementToken", "")

	v.SetDefault("upstreamUrl", "https://api.anthropic.com")

	v.SetDefault("mappingTtlSeconds", 300)
	v.SetDefault("mappingStoreKind", "memory")
	v.SetDefault("redisAddr", "")

	v.SetDefault("injectPrompt", true)

	v.SetDefault("rateLimit", 0)
	v.SetDefault("rateLimitEnabled", false)

	v.SetDefault("cacheEnabled", true)
	v.SetDefault("cacheTtlSeconds", 600)
	v.SetDefault("cacheMaxEntries", 10_000)

	v.SetDefault("secretScanEnabled", true)
	v.SetDefault("compliancePreset", "default")

	v.SetDefault("fuzzyEnabled", true)
	v.SetDefault("fuzzyConfidenceThreshold", 0.85)
	v.SetDefault("maxPlaceholderLength", 25)
	v.SetDefault("customPatternPath", "")
	v.SetDefault("allowlistDir", "")
	v.SetDefault("hashIndexPath", "./data/hashindex.db")

	v.SetDefault("requestTimeoutSeconds", 120)
	v.SetDefault("upstreamTimeoutSeconds", 120)
	v.SetDefault("upstreamConnectSeconds", 10)
	v.SetDefault("streamIdleTimeoutSeconds", 30)

	v.SetDefault("maxRequestBodyBytes", 10<<20) // 10 MiB

	v.SetDefault("piiInstructions", map[string]string{
		"default": defaultPIIInstruction,
	})
}

// Manager owns the live Config and republishes it on file change.
type Manager struct {
	v       *viper.Viper
	current atomic.Pointer[Config]
	log     *logger.Logger
}

// NewManager builds a Manager from defaults, an optional config file, and
// environment variables, and starts watching the file (if any) for changes.
// path may be empty, in which case only defaults and env vars apply.
func NewManager(path string, log *logger.Logger) (*Manager, error) {
	v := viper.New()
	defaults(v)

	v.SetEnvPrefix("AIPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if log != nil {
				log.Warnf("config_load", "could not read %s, using defaults/env: %v", path, err)
			}
		}
	}

	m := &Manager{v: v, log: log}
	if err := m.rebuild(); err != nil {
		return nil, err
	}

	if path != "" {
		v.WatchConfig()
		v.OnConfigChange(func(_ fsnotify.Event) {
			if err := m.rebuild(); err != nil && m.log != nil {
				m.log.Errorf("config_reload", "rebuild failed, keeping previous snapshot: %v", err)
			} else if m.log != nil {
				m.log.Info("config_reload", "configuration hot-reloaded")
			}
		})
	}

	return m, nil
}

// rebuild decodes the current viper state into a fresh Config and publishes
// it by atomic pointer swap.
func (m *Manager) rebuild() error {
	cfg := &Config{}
	if err := m.v.Unmarshal(cfg); err != nil {
		return err
	}
	m.current.Store(cfg)
	return nil
}

// Current returns the most recently published, immutable Config snapshot.
// Callers should capture it once per request and use that copy throughout,
// so a concurrent hot-reload never produces a request observing two
// different configurations.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// Load is a convenience entrypoint for callers that don't need hot-reload
// (tests, one-shot tools): it builds a Manager and returns its initial
// snapshot directly.
func Load(path string) (*Config, error) {
	m, err := NewManager(path, nil)
	if err != nil {
		return nil, err
	}
	return m.Current(), nil
}
