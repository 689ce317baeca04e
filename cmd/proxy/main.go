// Command proxy is the AI-anonymizing reverse proxy server.
//
// It sits in front of a single configured AI API endpoint (the
// upstream_url), anonymizing PII in each request body before it leaves the
// network boundary and restoring it in the response before the caller sees
// it. Requests and responses never leave this pipeline with both a caller's
// identifying data and the identity of the destination model in the clear
// at the same time.
//
// Usage:
//
//	./proxy
//	./proxy -config /etc/ai-proxy/config.yaml
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ai-anonymizing-proxy/internal/anonymizer"
	"ai-anonymizing-proxy/internal/cache"
	"ai-anonymizing-proxy/internal/config"
	"ai-anonymizing-proxy/internal/detect"
	"ai-anonymizing-proxy/internal/logger"
	"ai-anonymizing-proxy/internal/management"
	"ai-anonymizing-proxy/internal/mapping"
	"ai-anonymizing-proxy/internal/metrics"
	"ai-anonymizing-proxy/internal/proxy"
	"ai-anonymizing-proxy/internal/quota"
	"ai-anonymizing-proxy/internal/secretscan"
	"ai-anonymizing-proxy/internal/strategy"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional; env vars and defaults always apply)")
	flag.Parse()

	log := logger.New("main", "info")

	cfgMgr, err := config.NewManager(*configPath, log)
	if err != nil {
		log.Fatalf("startup", "failed to load config: %v", err)
	}
	cfg := cfgMgr.Current()
	log = logger.New("main", cfg.LogLevel)

	m := metrics.New()

	detectors := detect.BuiltinDetectors()
	if cfg.CustomPatternPath != "" {
		custom, err := loadCustomDetectors(cfg.CustomPatternPath)
		if err != nil {
			log.Warnf("startup", "failed to load custom detector patterns from %s: %v", cfg.CustomPatternPath, err)
		} else if len(custom) > 0 {
			detectors = append(detectors, custom...)
			log.Infof("startup", "loaded %d custom detector pattern(s)", len(custom))
		}
	}
	allowlistSeed := loadAllowlistDir(cfg.AllowlistDir, log)
	detectMgr := detect.NewManager(detect.NewRegistry(detectors, detect.NewAllowlist(allowlistSeed)))

	hashIdx, err := buildHashIndex(cfg, log)
	if err != nil {
		log.Fatalf("startup", "failed to build hash shadow index: %v", err)
	}
	engine := strategy.NewEngine(nil, hashIdx)

	mappingStore := buildMappingStore(cfg, log)
	anon := anonymizer.New(detectMgr, engine, mappingStore, m, log)

	respCache := cache.New(cfg.CacheMaxEntries)
	q := buildQuotaCounter(cfg, log)

	customSecrets, err := loadCustomSecretPatterns(cfg.CustomPatternPath)
	if err != nil {
		log.Warnf("startup", "failed to load custom secret patterns: %v", err)
	}
	scanner := secretscan.New(cfg.CompliancePreset, customSecrets)

	proxyServer := proxy.New(cfgMgr, anon, hashIdx, mappingStore, respCache, q, scanner, m, log)
	defer func() {
		if err := proxyServer.Close(); err != nil {
			log.Warnf("shutdown", "error closing proxy resources: %v", err)
		}
	}()

	mgmtServer := management.New(cfgMgr, detectMgr, detectors, allowlistSeed, m, log)
	go func() {
		if err := mgmtServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("management_init", "management server failed: %v", err)
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.ProxyPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           proxyServer,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Info("shutdown", "signal received, shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warnf("shutdown", "graceful shutdown error: %v", err)
		}
	}()

	printBanner(cfg)
	log.Infof("startup", "proxy listening on %s, forwarding to %s", addr, cfg.UpstreamURL)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("startup", "proxy server failed: %v", err)
	}
}

func buildHashIndex(cfg *config.Config, log *logger.Logger) (strategy.HashIndex, error) {
	if cfg.HashIndexPath == "" {
		return strategy.NewMemoryHashIndex(), nil
	}
	idx, err := strategy.NewBboltHashIndex(cfg.HashIndexPath)
	if err != nil {
		log.Warnf("startup", "falling back to in-memory hash index: %v", err)
		return strategy.NewMemoryHashIndex(), nil
	}
	return idx, nil
}

func buildMappingStore(cfg *config.Config, log *logger.Logger) mapping.Store {
	if cfg.MappingStoreKind == "redis" && cfg.RedisAddr != "" {
		log.Infof("startup", "using redis mapping store at %s", cfg.RedisAddr)
		return mapping.NewRedisStore(cfg.RedisAddr, "aiproxy:mapping:")
	}
	return mapping.NewMemoryStore(time.Minute, log)
}

func buildQuotaCounter(cfg *config.Config, log *logger.Logger) quota.Counter {
	if cfg.MappingStoreKind == "redis" && cfg.RedisAddr != "" {
		return quota.NewRedisCounter(cfg.RedisAddr, "aiproxy:quota:")
	}
	return quota.NewMemoryCounter(time.Minute, log)
}

// loadCustomDetectors reads a JSON file of detect.CustomSpec entries. A
// missing file is not an error: custom patterns are optional.
func loadCustomDetectors(path string) ([]detect.Detector, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var specs []detect.CustomSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, err
	}
	return detect.CompileCustomDetectors(specs)
}

// loadCustomSecretPatterns reuses the same custom-pattern file for
// secretscan.CustomSpec entries under a "secrets" key, if present.
func loadCustomSecretPatterns(path string) ([]secretscan.CustomSpec, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var wrapper struct {
		Secrets []secretscan.CustomSpec `json:"secrets"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, nil //nolint:nilerr
	}
	return wrapper.Secrets, nil
}

// loadAllowlistDir reads every file in dir, one allowlisted term per
// non-blank, non-comment line. A missing or empty directory yields no
// seed terms rather than an error: the allowlist is optional.
func loadAllowlistDir(dir string, log *logger.Logger) []string {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("startup", "failed to read allowlist dir %s: %v", dir, err)
		}
		return nil
	}
	var terms []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		f, err := os.Open(dir + "/" + e.Name())
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			terms = append(terms, line)
		}
		f.Close() //nolint:errcheck
	}
	return terms
}

func printBanner(cfg *config.Config) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║          AI Anonymizing Proxy  (Go)                  ║
╚══════════════════════════════════════════════════════╝
  Proxy port       : %d
  Management port  : %d
  Upstream         : %s
  Compliance       : %s
  Cache enabled    : %v
  Secret scan      : %v

  Check status:
    curl http://localhost:%d/health
    curl http://localhost:%d/status
`, cfg.ProxyPort, cfg.ManagementPort, cfg.UpstreamURL, cfg.CompliancePreset,
		cfg.CacheEnabled, cfg.SecretScanEnabled,
		cfg.ProxyPort, cfg.ManagementPort)
}
