package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8080", cfg.Server.Port)

	e2b := cfg.Provider("e2b")
	assert.Equal(t, "https://api.e2b.app", e2b.BaseURL)
	assert.Equal(t, int64(60_000), e2b.TimeoutMs)

	docker := cfg.Provider("docker")
	assert.Equal(t, "127.0.0.1", docker.AdvertiseHost)
	assert.Empty(t, docker.BaseURL)
}

func TestTimeoutFallback(t *testing.T) {
	p := Provider{}
	assert.Equal(t, "30s", p.Timeout().String())

	p.TimeoutMs = 5000
	assert.Equal(t, "5s", p.Timeout().String())
}

func TestLoadFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sandboxd.yaml")
	data := []byte(`
server:
  port: "9090"
providers:
  e2b:
    api_key: file-key
    timeout_ms: 1000
  daytona:
    base_url: https://daytona.example.test/api
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)

	e2b := cfg.Provider("e2b")
	assert.Equal(t, "file-key", e2b.APIKey)
	assert.Equal(t, int64(1000), e2b.TimeoutMs)
	// Untouched fields keep their defaults.
	assert.Equal(t, "https://api.e2b.app", e2b.BaseURL)

	assert.Equal(t, "https://daytona.example.test/api", cfg.Provider("daytona").BaseURL)
	assert.Equal(t, "https://api.vercel.com", cfg.Provider("vercel").BaseURL)
}

func TestLoadMissingFileIsFine(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
}

func TestLoadBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers: ["), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestEnvOverlay(t *testing.T) {
	env := map[string]string{
		"E2B_API_KEY":           "env-e2b",
		"MODAL_TOKEN_ID":        "tok-id",
		"MODAL_TOKEN_SECRET":    "tok-secret",
		"BLAXEL_API_KEY":        "bl-key",
		"BLAXEL_WORKSPACE":      "acme",
		"CLOUDFLARE_API_TOKEN":  "cf-token",
		"CLOUDFLARE_ACCOUNT_ID": "cf-acct",
		"VERCEL_OIDC_TOKEN":     "oidc",
		"VERCEL_TEAM_ID":        "team_1",
		"VERCEL_PROJECT_ID":     "prj_1",
		"E2B_BASE_URL":          "http://127.0.0.1:7777",
		"E2B_TIMEOUT_MS":        "1500",
		"MODAL_TIMEOUT_MS":      "not-a-number",
		"PORT":                  "3000",
	}
	cfg := Default()
	cfg.applyEnv(func(k string) string { return env[k] })

	assert.Equal(t, "3000", cfg.Server.Port)

	e2b := cfg.Provider("e2b")
	assert.Equal(t, "env-e2b", e2b.APIKey)
	assert.Equal(t, "http://127.0.0.1:7777", e2b.BaseURL)
	assert.Equal(t, int64(1500), e2b.TimeoutMs)

	modal := cfg.Provider("modal")
	assert.Equal(t, "tok-id", modal.APIKey)
	assert.Equal(t, "tok-secret", modal.APISecret)
	// Garbage timeout is ignored, default survives.
	assert.Equal(t, int64(120_000), modal.TimeoutMs)

	assert.Equal(t, "acme", cfg.Provider("blaxel").Workspace)
	assert.Equal(t, "cf-acct", cfg.Provider("cloudflare").AccountID)

	vercel := cfg.Provider("vercel")
	assert.Equal(t, "oidc", vercel.OIDCToken)
	assert.Equal(t, "team_1", vercel.TeamID)
	assert.Equal(t, "prj_1", vercel.ProjectID)
}

func TestConfigured(t *testing.T) {
	cfg := Default()
	assert.Equal(t, []string{"docker"}, cfg.Configured())

	e2b := cfg.Providers["e2b"]
	e2b.APIKey = "k"
	cfg.Providers["e2b"] = e2b

	vercel := cfg.Providers["vercel"]
	vercel.OIDCToken = "t"
	cfg.Providers["vercel"] = vercel

	got := cfg.Configured()
	assert.Contains(t, got, "docker")
	assert.Contains(t, got, "e2b")
	assert.Contains(t, got, "vercel")
	assert.NotContains(t, got, "modal")
}
