package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ProxyPort != 8080 {
		t.Errorf("ProxyPort: got %d, want 8080", cfg.ProxyPort)
	}
	if cfg.ManagementPort != 8081 {
		t.Errorf("ManagementPort: got %d, want 8081", cfg.ManagementPort)
	}
	if cfg.UpstreamURL != "https://api.anthropic.com" {
		t.Errorf("UpstreamURL: got %s", cfg.UpstreamURL)
	}
	if cfg.MappingTTLSeconds != 300 {
		t.Errorf("MappingTTLSeconds: got %d, want 300", cfg.MappingTTLSeconds)
	}
	if cfg.MappingStoreKind != "memory" {
		t.Errorf("MappingStoreKind: got %s", cfg.MappingStoreKind)
	}
	if !cfg.InjectPrompt {
		t.Error("InjectPrompt should default to true")
	}
	if !cfg.CacheEnabled {
		t.Error("CacheEnabled should default to true")
	}
	if cfg.CacheMaxEntries != 10_000 {
		t.Errorf("CacheMaxEntries: got %d, want 10000", cfg.CacheMaxEntries)
	}
	if !cfg.SecretScanEnabled {
		t.Error("SecretScanEnabled should default to true")
	}
	if !cfg.FuzzyEnabled {
		t.Error("FuzzyEnabled should default to true")
	}
	if cfg.FuzzyConfidenceThreshold != 0.85 {
		t.Errorf("FuzzyConfidenceThreshold: got %f, want 0.85", cfg.FuzzyConfidenceThreshold)
	}
	if cfg.MaxPlaceholderLength != 25 {
		t.Errorf("MaxPlaceholderLength: got %d, want 25", cfg.MaxPlaceholderLength)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
	if cfg.BindAddress != "127.0.0.1" {
		t.Errorf("BindAddress: got %s", cfg.BindAddress)
	}
	if len(cfg.PIIInstructions) == 0 {
		t.Error("PIIInstructions should not be empty")
	}
}

func TestEnv_ProxyPort(t *testing.T) {
	t.Setenv("AIPROXY_PROXYPORT", "9090")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ProxyPort != 9090 {
		t.Errorf("ProxyPort: got %d, want 9090", cfg.ProxyPort)
	}
}

func TestEnv_UpstreamURL(t *testing.T) {
	t.Setenv("AIPROXY_UPSTREAMURL", "https://api.openai.com")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.UpstreamURL != "https://api.openai.com" {
		t.Errorf("UpstreamURL: got %s", cfg.UpstreamURL)
	}
}

func TestEnv_LogLevel(t *testing.T) {
	t.Setenv("AIPROXY_LOGLEVEL", "debug")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel: got %s", cfg.LogLevel)
	}
}

func TestEnv_ManagementToken(t *testing.T) {
	t.Setenv("AIPROXY_MANAGEMENTTOKEN", "secret-token")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ManagementToken != "secret-token" {
		t.Errorf("ManagementToken: got %s", cfg.ManagementToken)
	}
}

func TestEnv_CacheTTLSeconds(t *testing.T) {
	t.Setenv("AIPROXY_CACHETTLSECONDS", "30")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CacheTTLSeconds != 30 {
		t.Errorf("CacheTTLSeconds: got %d, want 30", cfg.CacheTTLSeconds)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy-config.json")
	body := `{"proxyPort": 9999, "upstreamUrl": "https://api.mistral.ai", "cacheEnabled": false}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ProxyPort != 9999 {
		t.Errorf("ProxyPort: got %d, want 9999", cfg.ProxyPort)
	}
	if cfg.UpstreamURL != "https://api.mistral.ai" {
		t.Errorf("UpstreamURL: got %s", cfg.UpstreamURL)
	}
	if cfg.CacheEnabled {
		t.Error("CacheEnabled should be false after file load")
	}
	// Untouched field keeps its default.
	if cfg.ManagementPort != 8081 {
		t.Errorf("ManagementPort: got %d, want 8081 (untouched by file)", cfg.ManagementPort)
	}
}

func TestLoad_MissingFile_FallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("Load should not error on missing file: %v", err)
	}
	if cfg.ProxyPort != 8080 {
		t.Errorf("ProxyPort: got %d, want 8080 (defaults)", cfg.ProxyPort)
	}
}

func TestLoad_InvalidFile_FallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{this is not json}"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load should not error on invalid file: %v", err)
	}
	if cfg.ProxyPort != 8080 {
		t.Errorf("ProxyPort changed on bad JSON: %d", cfg.ProxyPort)
	}
}

func TestResolvePIIInstruction_PrefixMatch(t *testing.T) {
	cfg := &Config{PIIInstructions: map[string]string{
		"claude":  "claude instruction",
		"default": "default instruction",
	}}
	if got := cfg.ResolvePIIInstruction("claude-sonnet-4-6"); got != "claude instruction" {
		t.Errorf("got %q, want claude instruction", got)
	}
	if got := cfg.ResolvePIIInstruction("gpt-4o"); got != "default instruction" {
		t.Errorf("got %q, want default instruction", got)
	}
}

func TestResolvePIIInstruction_NoDefaultFallsBackToBuiltin(t *testing.T) {
	cfg := &Config{PIIInstructions: map[string]string{}}
	if got := cfg.ResolvePIIInstruction("anything"); got != defaultPIIInstruction {
		t.Errorf("expected built-in fallback instruction, got %q", got)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := &Config{
		RequestTimeoutSeconds:    120,
		UpstreamTimeoutSeconds:   90,
		UpstreamConnectSeconds:  10,
		StreamIdleTimeoutSeconds: 30,
		MappingTTLSeconds:        300,
		CacheTTLSeconds:          600,
	}
	if cfg.RequestTimeout().Seconds() != 120 {
		t.Errorf("RequestTimeout: got %v", cfg.RequestTimeout())
	}
	if cfg.UpstreamTimeout().Seconds() != 90 {
		t.Errorf("UpstreamTimeout: got %v", cfg.UpstreamTimeout())
	}
	if cfg.UpstreamConnectTimeout().Seconds() != 10 {
		t.Errorf("UpstreamConnectTimeout: got %v", cfg.UpstreamConnectTimeout())
	}
	if cfg.StreamIdleTimeout().Seconds() != 30 {
		t.Errorf("StreamIdleTimeout: got %v", cfg.StreamIdleTimeout())
	}
	if cfg.MappingTTL().Seconds() != 300 {
		t.Errorf("MappingTTL: got %v", cfg.MappingTTL())
	}
	if cfg.CacheTTL().Seconds() != 600 {
		t.Errorf("CacheTTL: got %v", cfg.CacheTTL())
	}
}

func TestManager_HotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy-config.json")
	if err := os.WriteFile(path, []byte(`{"proxyPort": 8080}`), 0o600); err != nil {
		t.Fatal(err)
	}

	m, err := NewManager(path, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	first := m.Current()
	if first.ProxyPort != 8080 {
		t.Errorf("ProxyPort: got %d, want 8080", first.ProxyPort)
	}

	// Snapshot captured by a caller before reload must remain unchanged even
	// after the Manager republishes a new one (copy-on-write by reference).
	if err := os.WriteFile(path, []byte(`{"proxyPort": 9000}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if first.ProxyPort != 8080 {
		t.Errorf("previously captured snapshot mutated: got %d", first.ProxyPort)
	}
}
