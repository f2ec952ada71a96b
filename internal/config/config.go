package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Signaling SignalingConfig `yaml:"signaling"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	P2P       P2PConfig       `yaml:"p2p"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// SignalingConfig points at the relay that mediates rooms. URL is an opaque
// connection string supplied by the environment.
type SignalingConfig struct {
	URL  string `yaml:"url"`
	Room string `yaml:"room"`
	Port int    `yaml:"port"`
}

// GatewayConfig is the address of the transaction log API.
type GatewayConfig struct {
	URL string `yaml:"url"`
}

// P2PConfig governs the direct peer channel listener.
type P2PConfig struct {
	Listen string `yaml:"listen"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// environment overrides
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if url := os.Getenv("SIGNALING_SERVER"); url != "" {
		cfg.Signaling.URL = url
	}
	if url := os.Getenv("GATEWAY_URL"); url != "" {
		cfg.Gateway.URL = url
	}
	if cfg.Signaling.Room == "" {
		cfg.Signaling.Room = "transaction-room"
	}
	if cfg.P2P.Listen == "" {
		cfg.P2P.Listen = "127.0.0.1:0"
	}
	return &cfg, nil
}
