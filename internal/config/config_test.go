package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.toml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeTempConfig(t, `
[auth]
jwt_secret = "test-secret"
`)
	t.Setenv("UPSTREAM_API_KEY", "sk-test")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("default server port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Quota.Tiers.Basic != 500 {
		t.Errorf("default basic tier limit = %d, want 500", cfg.Quota.Tiers.Basic)
	}
	if cfg.Upstream.APIKey != "sk-test" {
		t.Errorf("upstream API key = %q, want sk-test", cfg.Upstream.APIKey)
	}
}

func TestLoadConfigLegacyAPIKeyEnvVar(t *testing.T) {
	path := writeTempConfig(t, `
[auth]
jwt_secret = "test-secret"
`)
	t.Setenv("OPENAI_API_KEY", "sk-legacy")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Upstream.APIKey != "sk-legacy" {
		t.Errorf("upstream API key = %q, want sk-legacy (from legacy env var)", cfg.Upstream.APIKey)
	}
}

func TestLoadConfigOverridesFromFile(t *testing.T) {
	path := writeTempConfig(t, `
[server]
port = 9090

[auth]
jwt_secret = "file-secret"
token_ttl_seconds = 7200

[quota]
monthly_reset_day = 31
`)
	t.Setenv("UPSTREAM_API_KEY", "sk-test")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("server port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Auth.TokenTTLSeconds != 7200 {
		t.Errorf("token ttl = %d, want 7200", cfg.Auth.TokenTTLSeconds)
	}
	if cfg.Quota.MonthlyResetDay != 31 {
		t.Errorf("monthly reset day = %d, want 31 (clamping happens in the reset scheduler, not here)", cfg.Quota.MonthlyResetDay)
	}
}

func TestValidateRejectsMissingSecret(t *testing.T) {
	cfg := &Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8080},
		Auth:     AuthConfig{TokenTTLSeconds: 60, LoginCacheTTLSeconds: 60},
		Upstream: UpstreamConfig{APIKey: "sk", BaseURL: "https://x"},
		Quota:    QuotaConfig{SaveInterval: 1, MonthlyResetDay: 1},
		Log:      LogConfig{Level: "info"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for empty jwt secret")
	}
}

func TestValidateRejectsBadResetDay(t *testing.T) {
	cfg := &Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8080},
		Auth:     AuthConfig{JWTSecret: "s", TokenTTLSeconds: 60, LoginCacheTTLSeconds: 60},
		Upstream: UpstreamConfig{APIKey: "sk", BaseURL: "https://x"},
		Quota:    QuotaConfig{SaveInterval: 1, MonthlyResetDay: 32},
		Log:      LogConfig{Level: "info"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for out-of-range monthly_reset_day")
	}
}

func TestValidateAcceptsResetDayPastShortestMonth(t *testing.T) {
	cfg := &Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8080},
		Auth:     AuthConfig{JWTSecret: "s", TokenTTLSeconds: 60, LoginCacheTTLSeconds: 60},
		Upstream: UpstreamConfig{APIKey: "sk", BaseURL: "https://x"},
		Quota:    QuotaConfig{SaveInterval: 1, MonthlyResetDay: 31},
		Log:      LogConfig{Level: "info"},
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("monthly_reset_day=31 should validate; the monthly collapse onto the last actual day happens in internal/quota, not here: %v", err)
	}
}

func TestLimitForTier(t *testing.T) {
	cfg := &Config{Quota: QuotaConfig{Tiers: TierLimits{Basic: 500, Pro: 5000, Premium: 50000}}}

	if limit, ok := cfg.LimitForTier("pro"); !ok || limit != 5000 {
		t.Errorf("LimitForTier(pro) = %d, %v; want 5000, true", limit, ok)
	}
	if _, ok := cfg.LimitForTier("enterprise"); ok {
		t.Error("LimitForTier(enterprise) should report unknown tier")
	}
}
