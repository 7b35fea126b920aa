package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models pilot.yml.
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Auth struct {
		// EnforceOwnership rejects patch and delete calls on records owned by
		// another user. Off by default to match existing agent integrations.
		EnforceOwnership bool   `yaml:"enforce_ownership"`
		DevLogin         bool   `yaml:"dev_login"`
		SessionTTL       string `yaml:"session_ttl"`
	} `yaml:"auth"`
	Presence struct {
		OnlineWindow string `yaml:"online_window"`
	} `yaml:"presence"`
	Activity struct {
		FeedLimit int `yaml:"feed_limit"`
	} `yaml:"activity"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Webhook is one outbound change subscription.
type Webhook struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// IsEnabled reports whether the hook should receive deliveries. Hooks are
// enabled unless explicitly switched off.
func (w Webhook) IsEnabled() bool {
	return w.Enabled == nil || *w.Enabled
}

// Timeout returns the per-delivery timeout, 10s when unset.
func (w Webhook) Timeout() time.Duration {
	if w.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(w.TimeoutSeconds) * time.Second
}

// Matches reports whether event (e.g. "task.updated") passes the hook's
// filter. An empty filter matches everything; "task.*" matches every task event.
func (w Webhook) Matches(event string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == "*" || e == event {
			return true
		}
		if prefix, ok := strings.CutSuffix(e, ".*"); ok && strings.HasPrefix(event, prefix+".") {
			return true
		}
	}
	return false
}

// OnlineWindow is how recent a heartbeat must be for the operator to show as online.
func (c *Config) OnlineWindow() time.Duration {
	d, err := time.ParseDuration(c.Presence.OnlineWindow)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

// SessionTTL is the lifetime of dev-minted session tokens.
func (c *Config) SessionTTL() time.Duration {
	d, err := time.ParseDuration(c.Auth.SessionTTL)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// FeedLimit is the number of activity entries the dashboard shows.
func (c *Config) FeedLimit() int {
	if c.Activity.FeedLimit <= 0 {
		return 4
	}
	return c.Activity.FeedLimit
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the workspace has no pilot.yml.
func LoadOptional(workspace string) (*Config, error) {
	cfg, err := Load(workspace)
	if err == nil {
		return cfg, nil
	}
	if _, statErr := os.Stat(Path(workspace)); os.IsNotExist(statErr) {
		return Default(), nil
	}
	return nil, err
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Presence.OnlineWindow != "" {
		if d, err := time.ParseDuration(c.Presence.OnlineWindow); err != nil || d <= 0 {
			return fmt.Errorf("config.presence.online_window %q is not a positive duration", c.Presence.OnlineWindow)
		}
	}
	if c.Auth.SessionTTL != "" {
		if d, err := time.ParseDuration(c.Auth.SessionTTL); err != nil || d <= 0 {
			return fmt.Errorf("config.auth.session_ttl %q is not a positive duration", c.Auth.SessionTTL)
		}
	}
	if c.Activity.FeedLimit < 0 {
		return fmt.Errorf("config.activity.feed_limit must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		u, err := url.Parse(hook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.webhooks[%d].url %q must be an http(s) url", i, hook.URL)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
		for _, e := range hook.Events {
			if strings.TrimSpace(e) == "" {
				return fmt.Errorf("config.webhooks[%d] has an empty event filter", i)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pilot.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns the default config as YAML, for `pilot init`.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080

auth:
  enforce_ownership: false
  dev_login: false
  session_ttl: 24h

presence:
  online_window: 10m

activity:
  feed_limit: 4

# webhooks:
#   - url: https://example.com/hooks/pilot
#     events: [task.*, scheduled_job.updated]
#     secret: change-me
#     timeout_seconds: 5
webhooks: []
`
