package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

type Node struct {
	ID         string `yaml:"id"`
	ListenAddr string `yaml:"listen_addr"`
}

type Auth struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Nats struct {
	Servers []string `yaml:"servers"`
}

// Bus selects the cross-instance broadcast backend.
type Bus struct {
	Backend string `yaml:"backend"` // redis | nats | memory
	Channel string `yaml:"channel"`
}

// Window is one fixed rate-limit window: at most Max events per Per.
type Window struct {
	Max int      `yaml:"max"`
	Per Duration `yaml:"per"`
}

type Rates struct {
	Send        Window `yaml:"send"`
	Typing      Window `yaml:"typing"`
	Presence    Window `yaml:"presence"`
	Signaling   Window `yaml:"signaling"`
	CallControl Window `yaml:"call_control"`
	Reconnect   Window `yaml:"reconnect"`
	Connect     Window `yaml:"connect"`
}

type Timing struct {
	DeliveryTimeout  Duration `yaml:"delivery_timeout"`
	TypingExpiry     Duration `yaml:"typing_expiry"`
	TypingThrottle   Duration `yaml:"typing_throttle"`
	SeqFlushInterval Duration `yaml:"seq_flush_interval"`
	SeqRecoveryGap   int64    `yaml:"seq_recovery_gap"`
	ReceiptRetention Duration `yaml:"receipt_retention"`
	SweepEvery       Duration `yaml:"sweep_every"`
	StoreTimeout     Duration `yaml:"store_timeout"`
	PushTimeout      Duration `yaml:"push_timeout"`
	HeartbeatTTL     Duration `yaml:"heartbeat_ttl"`
}

type Gateway struct {
	SendQueueSize  int      `yaml:"send_queue_size"`
	FanoutWorkers  int      `yaml:"fanout_workers"`
	FanoutQueue    int      `yaml:"fanout_queue"`
	AllowedOrigins []string `yaml:"allowed_origins"` // empty = allow all
}

type Config struct {
	Node    Node    `yaml:"node"`
	Auth    Auth    `yaml:"auth"`
	Redis   Redis   `yaml:"redis"`
	Nats    Nats    `yaml:"nats"`
	Bus     Bus     `yaml:"bus"`
	Rates   Rates   `yaml:"rates"`
	Timing  Timing  `yaml:"timing"`
	Gateway Gateway `yaml:"gateway"`
}

func Default() Config {
	return Config{
		Node:  Node{ID: "gw-1", ListenAddr: ":8080"},
		Redis: Redis{Addr: "127.0.0.1:6379"},
		Nats:  Nats{Servers: []string{"nats://127.0.0.1:4222"}},
		Bus:   Bus{Backend: "redis", Channel: "fabric.events"},
		Rates: Rates{
			Send:        Window{Max: 100, Per: Duration(time.Minute)},
			Typing:      Window{Max: 60, Per: Duration(time.Minute)},
			Presence:    Window{Max: 10, Per: Duration(time.Minute)},
			Signaling:   Window{Max: 50, Per: Duration(time.Minute)},
			CallControl: Window{Max: 30, Per: Duration(time.Minute)},
			Reconnect:   Window{Max: 10, Per: Duration(time.Minute)},
			Connect:     Window{Max: 5, Per: Duration(time.Minute)},
		},
		Timing: Timing{
			DeliveryTimeout:  Duration(30 * time.Second),
			TypingExpiry:     Duration(3 * time.Second),
			TypingThrottle:   Duration(time.Second),
			SeqFlushInterval: Duration(5 * time.Second),
			SeqRecoveryGap:   1000,
			ReceiptRetention: Duration(5 * time.Minute),
			SweepEvery:       Duration(30 * time.Second),
			StoreTimeout:     Duration(5 * time.Second),
			PushTimeout:      Duration(3 * time.Second),
			HeartbeatTTL:     Duration(75 * time.Second),
		},
		Gateway: Gateway{
			SendQueueSize: 256,
			FanoutWorkers: 4,
			FanoutQueue:   1024,
		},
	}
}

// Load reads the YAML file at path (optional) over the defaults, then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("NODE_ID"); v != "" {
		c.Node.ID = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Node.ListenAddr = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.Nats.Servers = strings.Split(v, ",")
	}
	if v := os.Getenv("BUS_BACKEND"); v != "" {
		c.Bus.Backend = v
	}
}
