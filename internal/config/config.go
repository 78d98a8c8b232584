package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

type (
	Config struct {
		Listen  string  `toml:"listen"`
		BaseURL string  `toml:"base_url"`
		Mongo   Mongo   `toml:"mongo"`
		Redis   Redis   `toml:"redis"`
		Push    Push    `toml:"push"`
		Network Network `toml:"network"`
		Queue   Queue   `toml:"queue"`
	}

	Mongo struct {
		URI      string `toml:"uri"`
		Database string `toml:"database"`
	}

	Redis struct {
		Addr     string `toml:"addr"`
		Password string `toml:"password"`
		DB       int    `toml:"db"`
	}

	Push struct {
		Endpoint string `toml:"endpoint"`
	}

	// Network identifies the anchoring chain this instance watches seals on.
	Network struct {
		Flavor string `toml:"flavor"`
		Name   string `toml:"name"`
		Curve  string `toml:"curve"`
	}

	Queue struct {
		// NoTimeTravel rejects inbound envelopes whose timestamp does not
		// strictly increase per sender.
		NoTimeTravel bool `toml:"no_time_travel"`
		// Retries bounds the sequence-allocation loop for outbound sends.
		Retries   int           `toml:"retries"`
		Backoff   time.Duration `toml:"backoff"`
		BatchSize int64         `toml:"batch_size"`
	}
)

func Default() *Config {
	return &Config{
		Listen:  "localhost:9090",
		BaseURL: "http://localhost:9090",
		Mongo: Mongo{
			URI:      "mongodb://localhost:27017",
			Database: "verimsg",
		},
		Redis: Redis{
			Addr: "localhost:6379",
		},
		Network: Network{
			Flavor: "bitcoin",
			Name:   "testnet",
			Curve:  "secp256k1",
		},
		Queue: Queue{
			NoTimeTravel: true,
			Retries:      3,
			Backoff:      50 * time.Millisecond,
			BatchSize:    5,
		},
	}
}

// Load reads a TOML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if c.Mongo.URI == "" || c.Mongo.Database == "" {
		return fmt.Errorf("config: mongo uri and database are required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis addr is required")
	}
	if c.Queue.Retries < 1 {
		return fmt.Errorf("config: queue retries must be at least 1")
	}
	if c.Queue.BatchSize < 1 {
		return fmt.Errorf("config: queue batch size must be at least 1")
	}
	return nil
}
