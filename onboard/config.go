package onboard

import (
	"fmt"
	"os"
	"time"

	"github.com/CodedInternet/robocan/onboard/canbus"
	"github.com/CodedInternet/robocan/onboard/registry"
	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v2"
)

const DefaultBatteryInterval = time.Second

// Config is the per-node YAML configuration. A node is identified either by a
// known module name or by an explicit address and feature list.
type Config struct {
	Module       string                  `yaml:"module"`
	Address      *registry.ModuleAddress `yaml:"address"`
	Features     []string                `yaml:"features,flow"`
	Peer         registry.ModuleAddress  `yaml:"peer"`
	Bus          string                  `yaml:"bus"`
	Bitrate      uint32                  `yaml:"bitrate"`
	ReplyTimeout time.Duration           `yaml:"reply_timeout"`
	TxTimeout    time.Duration           `yaml:"tx_timeout"`
	Telemetry    struct {
		Battery time.Duration `yaml:"battery"`
	} `yaml:"telemetry"`
}

// EnvConfig holds the environment overrides read at startup.
type EnvConfig struct {
	Config   string                 `env:"ROBOCAN_CONFIG" envDefault:"./robocan.yaml"`
	Bus      string                 `env:"ROBOCAN_BUS"`
	Module   string                 `env:"ROBOCAN_MODULE"`
	Peer     registry.ModuleAddress `env:"ROBOCAN_PEER"`
	LogLevel string                 `env:"ROBOCAN_LOG_LEVEL" envDefault:"info"`
	Metrics  string                 `env:"ROBOCAN_METRICS_ADDR"`
	Sim      bool                   `env:"ROBOCAN_SIM" envDefault:"false"`
}

func LoadEnv() (cfg EnvConfig, err error) {
	err = env.Parse(&cfg)
	return
}

// ParseConfig decodes YAML and fills in network defaults.
func ParseConfig(data []byte) (cfg Config, err error) {
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("unable to unmarshal config: %w", err)
	}
	cfg.setDefaults()
	return cfg, nil
}

func LoadConfig(filename string) (Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, fmt.Errorf("unable to read config: %w", err)
	}
	return ParseConfig(data)
}

// DefaultConfig is used when no config file exists, e.g. in simulator mode.
func DefaultConfig(module string) Config {
	cfg := Config{Module: module}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.Peer == 0 {
		c.Peer = registry.Controller
	}
	if c.Bus == "" {
		c.Bus = "can0"
	}
	if c.Bitrate == 0 {
		c.Bitrate = uint32(canbus.DefaultBitrate)
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = canbus.DefaultReplyTimeout
	}
	if c.TxTimeout <= 0 {
		c.TxTimeout = canbus.DefaultTxTimeout
	}
	if c.Telemetry.Battery <= 0 {
		c.Telemetry.Battery = DefaultBatteryInterval
	}
}

// ApplyEnv lets the environment pick the interface, module build and peer.
func (c *Config) ApplyEnv(e EnvConfig) {
	if e.Bus != "" {
		c.Bus = e.Bus
	}
	if e.Peer != 0 {
		c.Peer = e.Peer
	}
	if e.Module != "" {
		c.Module = e.Module
		c.Address = nil
		c.Features = nil
	}
}

// Profile resolves the node identity. A module name takes precedence; an
// explicit address may not contradict it.
func (c Config) Profile() (registry.Profile, error) {
	if c.Module != "" {
		p, err := registry.Lookup(c.Module)
		if err != nil {
			return p, err
		}
		if c.Address != nil && *c.Address != p.Address {
			return p, fmt.Errorf("module %s lives at %s, config says %s", p.Name, p.Address, *c.Address)
		}
		return p, nil
	}

	if c.Address == nil {
		return registry.Profile{}, fmt.Errorf("config needs a module name or an address")
	}
	features, err := registry.ParseFeatures(c.Features)
	if err != nil {
		return registry.Profile{}, err
	}
	return registry.Profile{Address: *c.Address, Features: features}, nil
}

func (c Config) CANBitrate() (canbus.Bitrate, error) {
	return canbus.ParseBitrate(c.Bitrate)
}
