package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration for a kvmapd node: the raft
// identity and transport, the HTTP/metrics listeners, the cache and audit
// backends, and auth. Every field can be set from YAML; every field except
// cache.default_ttl can also be overridden by an environment variable,
// following the teacher's getenv-override convention.
type Config struct {
	Node struct {
		ID            string            `yaml:"id"`
		DataDir       string            `yaml:"data_dir"`
		RaftAddr      string            `yaml:"raft_addr"`
		Peers         map[string]string `yaml:"peers"`
		Bootstrap     bool              `yaml:"bootstrap"`
		SnapshotEvery uint64            `yaml:"snapshot_every"`
	} `yaml:"node"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Metrics struct {
		Addr    string `yaml:"addr"`
		Enabled bool   `yaml:"enabled"`
	} `yaml:"metrics"`

	Cache struct {
		Driver     string        `yaml:"driver"` // "memory" | "redis"
		RedisAddr  string        `yaml:"redis_addr"`
		RedisDB    int           `yaml:"redis_db"`
		Password   string        `yaml:"password"`
		Prefix     string        `yaml:"prefix"`
		DefaultTTL time.Duration `yaml:"default_ttl"`
	} `yaml:"cache"`

	Audit struct {
		Enabled bool   `yaml:"enabled"`
		PgDSN   string `yaml:"pg_dsn"`
	} `yaml:"audit"`

	Auth struct {
		Enabled bool   `yaml:"enabled"`
		Secret  string `yaml:"secret"`
		Issuer  string `yaml:"issuer"`
	} `yaml:"auth"`

	Listen struct {
		RedisAddr string `yaml:"redis_addr"`
		Topic     string `yaml:"topic"`
	} `yaml:"listen"`
}

// Load reads YAML from path (if non-empty and it exists) and then applies
// environment variable overrides, mirroring the teacher's layered
// load-then-override pattern.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			b, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
			if err := yaml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the baseline single-node development configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Node.ID = "node-1"
	cfg.Node.DataDir = "./data"
	cfg.Node.RaftAddr = "127.0.0.1:7000"
	cfg.Node.Bootstrap = true
	cfg.Node.SnapshotEvery = 10_000
	cfg.HTTP.Addr = ":8080"
	cfg.Metrics.Addr = ":9090"
	cfg.Metrics.Enabled = true
	cfg.Cache.Driver = "memory"
	cfg.Cache.DefaultTTL = 5 * time.Second
	cfg.Listen.Topic = "kvmap:events"
	return cfg
}

func applyEnvOverrides(cfg *Config) {
	cfg.Node.ID = getenv("KVMAPD_NODE_ID", cfg.Node.ID)
	cfg.Node.DataDir = getenv("KVMAPD_DATA_DIR", cfg.Node.DataDir)
	cfg.Node.RaftAddr = getenv("KVMAPD_RAFT_ADDR", cfg.Node.RaftAddr)
	cfg.Node.Bootstrap = getenvBool("KVMAPD_BOOTSTRAP", cfg.Node.Bootstrap)
	cfg.Node.SnapshotEvery = uint64(getenvInt("KVMAPD_SNAPSHOT_EVERY", int(cfg.Node.SnapshotEvery)))
	if peers := os.Getenv("KVMAPD_PEERS"); peers != "" {
		cfg.Node.Peers = parsePeers(peers)
	}

	cfg.HTTP.Addr = getenv("KVMAPD_HTTP_ADDR", cfg.HTTP.Addr)
	cfg.Metrics.Addr = getenv("KVMAPD_METRICS_ADDR", cfg.Metrics.Addr)
	cfg.Metrics.Enabled = getenvBool("KVMAPD_METRICS_ENABLED", cfg.Metrics.Enabled)

	cfg.Cache.Driver = getenv("KVMAPD_CACHE_DRIVER", cfg.Cache.Driver)
	cfg.Cache.RedisAddr = getenv("KVMAPD_CACHE_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisDB = getenvInt("KVMAPD_CACHE_REDIS_DB", cfg.Cache.RedisDB)
	cfg.Cache.Password = getenv("KVMAPD_CACHE_PASSWORD", cfg.Cache.Password)
	cfg.Cache.Prefix = getenv("KVMAPD_CACHE_PREFIX", cfg.Cache.Prefix)

	cfg.Audit.Enabled = getenvBool("KVMAPD_AUDIT_ENABLED", cfg.Audit.Enabled)
	cfg.Audit.PgDSN = getenv("KVMAPD_AUDIT_PG_DSN", cfg.Audit.PgDSN)

	cfg.Auth.Enabled = getenvBool("KVMAPD_AUTH_ENABLED", cfg.Auth.Enabled)
	cfg.Auth.Secret = getenv("KVMAPD_AUTH_SECRET", cfg.Auth.Secret)
	cfg.Auth.Issuer = getenv("KVMAPD_AUTH_ISSUER", cfg.Auth.Issuer)

	cfg.Listen.RedisAddr = getenv("KVMAPD_LISTEN_REDIS_ADDR", cfg.Listen.RedisAddr)
	cfg.Listen.Topic = getenv("KVMAPD_LISTEN_TOPIC", cfg.Listen.Topic)
}

// Validate rejects configurations the node cannot start with.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("config: node.id is required")
	}
	if c.Node.RaftAddr == "" {
		return fmt.Errorf("config: node.raft_addr is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("config: node.data_dir is required")
	}
	switch c.Cache.Driver {
	case "memory", "redis", "":
	default:
		return fmt.Errorf("config: cache.driver %q is not one of memory|redis", c.Cache.Driver)
	}
	if c.Cache.Driver == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("config: cache.redis_addr is required when cache.driver=redis")
	}
	if c.Audit.Enabled && c.Audit.PgDSN == "" {
		return fmt.Errorf("config: audit.pg_dsn is required when audit.enabled=true")
	}
	if c.Auth.Enabled && c.Auth.Secret == "" {
		return fmt.Errorf("config: auth.secret is required when auth.enabled=true")
	}
	return nil
}

func parsePeers(raw string) map[string]string {
	peers := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		peers[kv[0]] = kv[1]
	}
	return peers
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
