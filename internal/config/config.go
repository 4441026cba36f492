package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v10"
)

// Config represents the global ~/.agentlink/config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile"`
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	return writeTOML(path, cfg)
}

func writeTOML(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// EnvPrefix prefixes every environment override, e.g. AGENTLINK_API_TOKEN.
const EnvPrefix = "AGENTLINK_"

// Profile is the per-profile ~/.agentlink/profiles/<name>/config.toml.
type Profile struct {
	API          API          `toml:"api" envPrefix:"API_"`
	PubSub       PubSub       `toml:"pubsub" envPrefix:"PUBSUB_"`
	Media        Media        `toml:"media" envPrefix:"MEDIA_"`
	Conversation Conversation `toml:"conversation" envPrefix:"CONVERSATION_"`
}

type API struct {
	BaseURL   string        `toml:"base_url" env:"BASE_URL"`
	Token     string        `toml:"token" env:"TOKEN"`
	OrgHandle string        `toml:"org_handle" env:"ORG_HANDLE"`
	Timeout   time.Duration `toml:"timeout" env:"TIMEOUT"`
}

type PubSub struct {
	// URL is used when the backend returns realtime credentials without one.
	URL              string        `toml:"url" env:"URL"`
	HandshakeTimeout time.Duration `toml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	BackoffBase      time.Duration `toml:"backoff_base" env:"BACKOFF_BASE"`
	BackoffMax       time.Duration `toml:"backoff_max" env:"BACKOFF_MAX"`
}

type Media struct {
	URL        string        `toml:"url" env:"URL"`
	Microphone string        `toml:"microphone" env:"MICROPHONE"`
	TokenTTL   time.Duration `toml:"token_ttl" env:"TOKEN_TTL"`
}

type Conversation struct {
	ID       string `toml:"id" env:"ID"`
	Pilot    string `toml:"pilot" env:"PILOT"`
	PageSize int    `toml:"page_size" env:"PAGE_SIZE"`
	// ShareBaseURL prefixes the conversation id to form its public link.
	ShareBaseURL string `toml:"share_base_url" env:"SHARE_BASE_URL"`
}

// DefaultProfile returns the settings used when a profile file leaves a
// value unset.
func DefaultProfile() Profile {
	return Profile{
		API: API{
			BaseURL: "https://unpod.ai/api/v1/",
			Timeout: 15 * time.Second,
		},
		PubSub: PubSub{
			HandshakeTimeout: 10 * time.Second,
			BackoffBase:      time.Second,
			BackoffMax:       30 * time.Second,
		},
		Media: Media{
			TokenTTL: 10 * time.Minute,
		},
		Conversation: Conversation{
			PageSize:     20,
			ShareBaseURL: "https://unpod.ai/thread/",
		},
	}
}

// LoadProfile reads the profile config at path over the defaults, then
// applies AGENTLINK_* environment overrides. A missing file is not an
// error.
func LoadProfile(path string) (*Profile, error) {
	cfg := DefaultProfile()
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}
	return &cfg, nil
}

// SaveProfile writes a profile config.
func SaveProfile(path string, cfg *Profile) error {
	return writeTOML(path, cfg)
}

// Validate reports settings the daemon cannot run without.
func (p *Profile) Validate() error {
	var errs []error
	if p.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	}
	if p.API.Token == "" {
		errs = append(errs, errors.New("api.token is required (or set "+EnvPrefix+"API_TOKEN)"))
	}
	if p.Conversation.PageSize < 0 {
		errs = append(errs, errors.New("conversation.page_size must not be negative"))
	}
	return errors.Join(errs...)
}
