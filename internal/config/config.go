// Package config loads relay settings from a TOML file. Every field has a
// default; a file only needs the keys it changes.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/SWAI-Ltd/sovereign/internal/crypto"
	"github.com/SWAI-Ltd/sovereign/internal/relay"
)

// Duration is a time.Duration written as a string ("30s", "2m") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Relay struct {
	// Listen is the QUIC address.
	Listen  string `toml:"listen"`
	KeyFile string `toml:"key_file"`
	// ID overrides the id stored in the key file.
	ID       string `toml:"id"`
	Announce bool   `toml:"announce"`
	Name     string `toml:"name"`
}

type Engine struct {
	Workers             int      `toml:"workers"`
	PeerTTL             Duration `toml:"peer_ttl"`
	MaintenanceInterval Duration `toml:"maintenance_interval"`
	ChallengeTTL        Duration `toml:"challenge_ttl"`
	ChallengeCacheSize  int      `toml:"challenge_cache_size"`
	ReplayWindow        int      `toml:"replay_window"`
	// RateLimit is frames per second per transport address; 0 disables.
	RateLimit     float64 `toml:"rate_limit"`
	RateBurst     int     `toml:"rate_burst"`
	MaxUnverified int     `toml:"max_unverified"`
}

type Listener struct {
	// Listen is empty to disable.
	Listen string `toml:"listen"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type Config struct {
	Relay   Relay    `toml:"relay"`
	Engine  Engine   `toml:"engine"`
	Metrics Listener `toml:"metrics"`
	Feed    Listener `toml:"feed"`
	Log     Log      `toml:"log"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Relay: Relay{
			Listen:  ":7447",
			KeyFile: "relay-key.json",
			Name:    "sovereign-relay",
		},
		Engine: Engine{
			Workers:             relay.DefaultWorkers,
			PeerTTL:             Duration{relay.DefaultPeerTTL},
			MaintenanceInterval: Duration{relay.DefaultMaintenanceInterval},
			ChallengeTTL:        Duration{relay.DefaultChallengeTTL},
			ChallengeCacheSize:  relay.DefaultChallengeCacheSize,
			ReplayWindow:        relay.DefaultReplayWindow,
			RateLimit:           1000,
			RateBurst:           256,
			MaxUnverified:       relay.DefaultMaxUnverified,
		},
		Metrics: Listener{Listen: ":9464"},
		Log:     Log{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Relay.Listen == "" {
		errs = append(errs, errors.New("relay.listen is required"))
	}
	if c.Relay.KeyFile == "" {
		errs = append(errs, errors.New("relay.key_file is required"))
	}
	if c.Engine.Workers < 1 {
		errs = append(errs, fmt.Errorf("engine.workers must be positive, got %d", c.Engine.Workers))
	}
	if c.Engine.PeerTTL.Duration <= 0 {
		errs = append(errs, errors.New("engine.peer_ttl must be positive"))
	}
	if c.Engine.ChallengeTTL.Duration <= 0 {
		errs = append(errs, errors.New("engine.challenge_ttl must be positive"))
	}
	if c.Engine.MaintenanceInterval.Duration > c.Engine.PeerTTL.Duration {
		errs = append(errs, errors.New("engine.maintenance_interval must not exceed engine.peer_ttl"))
	}
	if c.Engine.MaxUnverified < 1 {
		errs = append(errs, fmt.Errorf("engine.max_unverified must be positive, got %d", c.Engine.MaxUnverified))
	}
	if c.Engine.RateLimit < 0 {
		errs = append(errs, errors.New("engine.rate_limit must not be negative"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// RelayConfig builds the engine configuration for the given identity.
func (c Config) RelayConfig(id string, keys *crypto.KeyPair) relay.Config {
	return relay.Config{
		ID:                  []byte(id),
		Keys:                keys,
		Workers:             c.Engine.Workers,
		PeerTTL:             c.Engine.PeerTTL.Duration,
		MaintenanceInterval: c.Engine.MaintenanceInterval.Duration,
		ChallengeTTL:        c.Engine.ChallengeTTL.Duration,
		ChallengeCacheSize:  c.Engine.ChallengeCacheSize,
		ReplayWindow:        c.Engine.ReplayWindow,
		RateLimit:           c.Engine.RateLimit,
		RateBurst:           c.Engine.RateBurst,
		MaxUnverified:       c.Engine.MaxUnverified,
	}
}

func (l Log) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, err)
	}
	return lvl, nil
}
