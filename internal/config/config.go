// Package config resolves server and provider settings from defaults, an
// optional YAML file, and environment variables, in that order. The
// environment wins.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider holds the connection settings for one sandbox backend.
type Provider struct {
	// APIKey is the bearer credential. For Modal this is the token id.
	APIKey string `yaml:"api_key"`

	// APISecret is the secondary credential (Modal token secret).
	APISecret string `yaml:"api_secret"`

	// OIDCToken is the Vercel OIDC token, preferred over APIKey when set.
	OIDCToken string `yaml:"oidc_token"`

	// Workspace is the Blaxel workspace slug.
	Workspace string `yaml:"workspace"`

	// AccountID is the Cloudflare account scope.
	AccountID string `yaml:"account_id"`

	// TeamID and ProjectID scope Vercel requests.
	TeamID    string `yaml:"team_id"`
	ProjectID string `yaml:"project_id"`

	// BaseURL overrides the provider API endpoint.
	BaseURL string `yaml:"base_url"`

	// TimeoutMs is the default outbound call timeout.
	TimeoutMs int64 `yaml:"timeout_ms"`

	// AdvertiseHost is the host used when synthesizing port URLs for
	// backends without native tunnels (Docker).
	AdvertiseHost string `yaml:"advertise_host"`
}

// Timeout returns the provider call timeout as a duration.
func (p Provider) Timeout() time.Duration {
	if p.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.TimeoutMs) * time.Millisecond
}

// Server holds settings for the HTTP control plane.
type Server struct {
	Port   string `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

// Config is the full resolved configuration.
type Config struct {
	Server    Server              `yaml:"server"`
	Providers map[string]Provider `yaml:"providers"`
}

// providerDefaults is the documented per-provider baseline. Timeouts stay
// between 30s and 10min; Docker gets the long end because image pulls
// ride on the create call.
var providerDefaults = map[string]Provider{
	"docker":     {TimeoutMs: 600_000, AdvertiseHost: "127.0.0.1"},
	"e2b":        {BaseURL: "https://api.e2b.app", TimeoutMs: 60_000},
	"modal":      {BaseURL: "https://api.modal.com/v1", TimeoutMs: 120_000},
	"daytona":    {BaseURL: "https://app.daytona.io/api", TimeoutMs: 120_000},
	"blaxel":     {BaseURL: "https://api.blaxel.ai/v0", TimeoutMs: 120_000},
	"cloudflare": {BaseURL: "https://api.cloudflare.com/client/v4", TimeoutMs: 60_000},
	"vercel":     {BaseURL: "https://api.vercel.com", TimeoutMs: 300_000},
}

// Default returns the baseline configuration before file and env overlays.
func Default() *Config {
	providers := make(map[string]Provider, len(providerDefaults))
	for name, p := range providerDefaults {
		providers[name] = p
	}
	return &Config{
		Server:    Server{Port: "8080"},
		Providers: providers,
	}
}

// Load resolves configuration. path may be empty or point at a YAML file;
// a missing file at the default path is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else {
			var file Config
			if err := yaml.Unmarshal(data, &file); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
			cfg.merge(&file)
		}
	}

	cfg.applyEnv(os.Getenv)
	return cfg, nil
}

func (c *Config) merge(file *Config) {
	if file.Server.Port != "" {
		c.Server.Port = file.Server.Port
	}
	if file.Server.APIKey != "" {
		c.Server.APIKey = file.Server.APIKey
	}
	for name, p := range file.Providers {
		base := c.Providers[name]
		c.Providers[name] = overlay(base, p)
	}
}

func overlay(base, over Provider) Provider {
	if over.APIKey != "" {
		base.APIKey = over.APIKey
	}
	if over.APISecret != "" {
		base.APISecret = over.APISecret
	}
	if over.OIDCToken != "" {
		base.OIDCToken = over.OIDCToken
	}
	if over.Workspace != "" {
		base.Workspace = over.Workspace
	}
	if over.AccountID != "" {
		base.AccountID = over.AccountID
	}
	if over.TeamID != "" {
		base.TeamID = over.TeamID
	}
	if over.ProjectID != "" {
		base.ProjectID = over.ProjectID
	}
	if over.BaseURL != "" {
		base.BaseURL = over.BaseURL
	}
	if over.TimeoutMs > 0 {
		base.TimeoutMs = over.TimeoutMs
	}
	if over.AdvertiseHost != "" {
		base.AdvertiseHost = over.AdvertiseHost
	}
	return base
}

// applyEnv overlays the documented environment variables. getenv is injected
// for tests.
func (c *Config) applyEnv(getenv func(string) string) {
	set := func(name string, fn func(p *Provider, v string), key string) {
		if v := getenv(key); v != "" {
			p := c.Providers[name]
			fn(&p, v)
			c.Providers[name] = p
		}
	}
	apiKey := func(p *Provider, v string) { p.APIKey = v }

	set("e2b", apiKey, "E2B_API_KEY")
	set("daytona", apiKey, "DAYTONA_API_KEY")
	set("blaxel", apiKey, "BLAXEL_API_KEY")
	set("blaxel", func(p *Provider, v string) { p.Workspace = v }, "BLAXEL_WORKSPACE")
	set("modal", apiKey, "MODAL_TOKEN_ID")
	set("modal", func(p *Provider, v string) { p.APISecret = v }, "MODAL_TOKEN_SECRET")
	set("cloudflare", apiKey, "CLOUDFLARE_API_TOKEN")
	set("cloudflare", func(p *Provider, v string) { p.AccountID = v }, "CLOUDFLARE_ACCOUNT_ID")
	set("vercel", apiKey, "VERCEL_ACCESS_TOKEN")
	set("vercel", func(p *Provider, v string) { p.OIDCToken = v }, "VERCEL_OIDC_TOKEN")
	set("vercel", func(p *Provider, v string) { p.TeamID = v }, "VERCEL_TEAM_ID")
	set("vercel", func(p *Provider, v string) { p.ProjectID = v }, "VERCEL_PROJECT_ID")
	set("docker", func(p *Provider, v string) { p.AdvertiseHost = v }, "DOCKER_ADVERTISE_HOST")

	for name := range providerDefaults {
		prefix := envPrefix(name)
		set(name, func(p *Provider, v string) { p.BaseURL = v }, prefix+"_BASE_URL")
		set(name, func(p *Provider, v string) {
			if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
				p.TimeoutMs = ms
			}
		}, prefix+"_TIMEOUT_MS")
	}

	if v := getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := getenv("SANDBOXD_API_KEY"); v != "" {
		c.Server.APIKey = v
	}
}

func envPrefix(name string) string {
	switch name {
	case "e2b":
		return "E2B"
	case "daytona":
		return "DAYTONA"
	case "blaxel":
		return "BLAXEL"
	case "modal":
		return "MODAL"
	case "cloudflare":
		return "CLOUDFLARE"
	case "vercel":
		return "VERCEL"
	default:
		return "DOCKER"
	}
}

// Provider returns the resolved settings for name, falling back to the
// documented defaults for unknown providers.
func (c *Config) Provider(name string) Provider {
	if p, ok := c.Providers[name]; ok {
		return p
	}
	return providerDefaults[name]
}

// Configured lists the providers that have usable credentials. Docker needs
// none and is always considered configured.
func (c *Config) Configured() []string {
	names := []string{"docker"}
	for _, name := range []string{"e2b", "modal", "daytona", "blaxel", "cloudflare", "vercel"} {
		p := c.Providers[name]
		if p.APIKey != "" || p.OIDCToken != "" {
			names = append(names, name)
		}
	}
	return names
}
