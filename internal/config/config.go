package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the WhoseApp client configuration.
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Player    PlayerConfig    `yaml:"player"`
	Call      CallConfig      `yaml:"call"`
	Push      PushConfig      `yaml:"push"`
	Store     StoreConfig     `yaml:"store"`
	Voice     VoiceConfig     `yaml:"voice"`
	Responder ResponderConfig `yaml:"responder"`
	Paths     PathsConfig     `yaml:"paths"`
	SSH       SSHConfig       `yaml:"ssh"`
	LogLevel  string          `yaml:"log_level"`
}

// BackendConfig holds REST and push endpoints of the game backend.
type BackendConfig struct {
	BaseURL           string        `yaml:"base_url"`
	PushURL           string        `yaml:"push_url"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
}

// PlayerConfig identifies the local player.
type PlayerConfig struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	CivilizationID string `yaml:"civilization_id"`
	CampaignID     string `yaml:"campaign_id"`
}

// CallConfig holds the simulated call policy.
type CallConfig struct {
	RingDelayMin time.Duration `yaml:"ring_delay_min"`
	RingDelayMax time.Duration `yaml:"ring_delay_max"`
	TickInterval time.Duration `yaml:"tick_interval"`
	GracePeriod  time.Duration `yaml:"grace_period"`
}

// PushConfig holds the reconnect policy of the push channel.
type PushConfig struct {
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

// StoreConfig holds conversation store tuning.
type StoreConfig struct {
	MatchWindow  time.Duration `yaml:"match_window"`
	MessageLimit int           `yaml:"message_limit"`
}

// VoiceConfig holds speech engine settings.
type VoiceConfig struct {
	Enabled       bool          `yaml:"enabled"`
	SynthCommand  string        `yaml:"synth_command"`
	RecordCommand string        `yaml:"record_command"`
	Segment       time.Duration `yaml:"segment"`
	Profiles      string        `yaml:"profiles"`
}

// ResponderConfig selects how character replies are composed.
type ResponderConfig struct {
	Strategy string `yaml:"strategy"` // template, script or remote
	Seed     int64  `yaml:"seed"`
	Script   string `yaml:"script"`
}

// PathsConfig holds filesystem paths for local data.
type PathsConfig struct {
	Data     string `yaml:"data"`
	Database string `yaml:"database"`
	LogFile  string `yaml:"log_file"`
}

// SSHConfig holds settings for hosting the terminal client over SSH.
type SSHConfig struct {
	// Listen is the interface to bind. Clients are not authenticated, so
	// it stays on loopback unless set to "0.0.0.0" or a public address.
	Listen  string `yaml:"listen"`
	Port    int    `yaml:"port"`
	HostKey string `yaml:"host_key"`

	// HealthPort serves /healthz next to the SSH host; 0 disables it.
	HealthPort int `yaml:"health_port"`
}

// Default returns the configuration used when no file overrides a value.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:           "http://localhost:4000/api",
			PushURL:           "ws://localhost:4000/ws/whoseapp",
			Timeout:           10 * time.Second,
			RequestsPerSecond: 10,
			Burst:             5,
		},
		Player: PlayerConfig{
			ID:             "player",
			Name:           "You",
			CivilizationID: "terran_federation",
		},
		Call: CallConfig{
			RingDelayMin: 2 * time.Second,
			RingDelayMax: 5 * time.Second,
			TickInterval: time.Second,
			GracePeriod:  5 * time.Second,
		},
		Push: PushConfig{
			BackoffBase: time.Second,
			BackoffMax:  30 * time.Second,
		},
		Store: StoreConfig{
			MatchWindow:  10 * time.Second,
			MessageLimit: 50,
		},
		Voice: VoiceConfig{
			Enabled:       true,
			SynthCommand:  "espeak",
			RecordCommand: "arecord",
			Segment:       5 * time.Second,
		},
		Responder: ResponderConfig{
			Strategy: "remote",
		},
		Paths: PathsConfig{
			Data:     "./data",
			Database: "./data/whoseapp.db",
			LogFile:  "./data/whoseapp.log",
		},
		SSH: SSHConfig{
			Listen:  "127.0.0.1",
			Port:    2222,
			HostKey: "./data/ssh_host_key",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. A missing file is not an
// error when path is empty; defaults and environment overrides still apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
			// run on defaults
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides selected fields from WHOSEAPP_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"WHOSEAPP_BACKEND_URL":     &c.Backend.BaseURL,
		"WHOSEAPP_PUSH_URL":        &c.Backend.PushURL,
		"WHOSEAPP_PLAYER_ID":       &c.Player.ID,
		"WHOSEAPP_PLAYER_NAME":     &c.Player.Name,
		"WHOSEAPP_CIVILIZATION_ID": &c.Player.CivilizationID,
		"WHOSEAPP_CAMPAIGN_ID":     &c.Player.CampaignID,
		"WHOSEAPP_RESPONDER":       &c.Responder.Strategy,
		"WHOSEAPP_DATA_DIR":        &c.Paths.Data,
		"WHOSEAPP_DATABASE":        &c.Paths.Database,
		"WHOSEAPP_LOG_LEVEL":       &c.LogLevel,
		"WHOSEAPP_SSH_LISTEN":      &c.SSH.Listen,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("WHOSEAPP_VOICE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("WHOSEAPP_VOICE: %w", err)
		}
		c.Voice.Enabled = b
	}
	if v, ok := lookup("WHOSEAPP_SSH_PORT"); ok && v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("WHOSEAPP_SSH_PORT: %w", err)
		}
		c.SSH.Port = p
	}
	return nil
}

// Addr returns the host:port the SSH host binds.
func (s SSHConfig) Addr() string {
	return net.JoinHostPort(s.Listen, strconv.Itoa(s.Port))
}

// Validate checks that required settings are present and consistent.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if strings.TrimSpace(c.Player.ID) == "" {
		return fmt.Errorf("player.id is required")
	}
	if strings.TrimSpace(c.Player.CivilizationID) == "" {
		return fmt.Errorf("player.civilization_id is required")
	}
	if c.Call.RingDelayMin < 0 || c.Call.RingDelayMax < c.Call.RingDelayMin {
		return fmt.Errorf("call.ring_delay_max must be >= ring_delay_min >= 0")
	}
	if c.Push.BackoffBase <= 0 || c.Push.BackoffMax < c.Push.BackoffBase {
		return fmt.Errorf("push.backoff_max must be >= backoff_base > 0")
	}
	switch c.Responder.Strategy {
	case "template", "remote":
	case "script":
		if c.Responder.Script == "" {
			return fmt.Errorf("responder.script is required for the script strategy")
		}
	default:
		return fmt.Errorf("unknown responder strategy %q", c.Responder.Strategy)
	}
	return nil
}
