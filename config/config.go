// Package config loads the linkd configuration: the local server identity,
// the listener, and one block per remote server this node may link with.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the top-level linkd configuration file.
type Config struct {
	ServerName     string `toml:"ServerName"`
	SID            string `toml:"SID"`
	Description    string `toml:"Description"`
	ListenAddress  string `toml:"ListenAddress"`
	MetricsAddress string `toml:"MetricsAddress"`
	Env            string `toml:"Env"`

	LogFile      string `toml:"LogFile"`
	LogMaxSizeMB int    `toml:"LogMaxSizeMB"`

	Modules         []string `toml:"Modules"`
	OptionalModules []string `toml:"OptionalModules"`

	HandshakeTimeoutSeconds uint    `toml:"HandshakeTimeoutSeconds"`
	PingIntervalSeconds     uint    `toml:"PingIntervalSeconds"`
	MaxLinesPerSecond       float64 `toml:"MaxLinesPerSecond"`
	MaxInbound              int     `toml:"MaxInbound"`

	Links []Link `toml:"Link"`
}

// Link is one configured peer server.
type Link struct {
	Name        string `toml:"Name"`
	Address     string `toml:"Address"`
	SendPass    string `toml:"SendPass"`
	RecvPass    string `toml:"RecvPass"`
	Auth        string `toml:"Auth"`
	Fingerprint string `toml:"Fingerprint"`
	Strict      bool   `toml:"Strict"`
	AutoConnect bool   `toml:"AutoConnect"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file %s does not exist", path)
		}
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s contains unknown keys: %s", path, strings.Join(keys, ", "))
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":7000"
	}
	if c.HandshakeTimeoutSeconds == 0 {
		c.HandshakeTimeoutSeconds = 30
	}
	if c.PingIntervalSeconds == 0 {
		c.PingIntervalSeconds = 60
	}
	if c.LogMaxSizeMB == 0 {
		c.LogMaxSizeMB = 100
	}
	if len(c.Modules) == 0 {
		c.Modules = []string{"core"}
	}
}

// Validate rejects configurations that could never form a working link.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ServerName) == "" {
		return fmt.Errorf("config: ServerName is required")
	}
	if len(c.SID) != 3 {
		return fmt.Errorf("config: SID must be exactly three characters, got %q", c.SID)
	}
	seen := make(map[string]struct{}, len(c.Links))
	for i := range c.Links {
		l := &c.Links[i]
		name := strings.ToLower(strings.TrimSpace(l.Name))
		if name == "" {
			return fmt.Errorf("config: link %d has no Name", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("config: duplicate link block for %s", l.Name)
		}
		seen[name] = struct{}{}

		if l.Auth == "" {
			l.Auth = "plain"
		}
		switch l.Auth {
		case "plain", "challenge":
			if l.SendPass == "" || l.RecvPass == "" {
				return fmt.Errorf("config: link %s: SendPass and RecvPass are required", l.Name)
			}
		case "fingerprint":
			if strings.TrimSpace(l.Fingerprint) == "" {
				return fmt.Errorf("config: link %s: Auth=fingerprint requires Fingerprint", l.Name)
			}
		default:
			return fmt.Errorf("config: link %s: unknown Auth scheme %q", l.Name, l.Auth)
		}
		if l.AutoConnect && strings.TrimSpace(l.Address) == "" {
			return fmt.Errorf("config: link %s: AutoConnect requires an Address", l.Name)
		}
	}
	return nil
}
