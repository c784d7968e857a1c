// Package config loads coordinator settings from an optional YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendMinio     = "minio"
	BackendLocalDisc = "localdisc"
	BackendInMemory  = "inmemory"
)

var (
	ErrNoNodes          = errors.New("at least one storage node must be configured")
	ErrDuplicateNodeID  = errors.New("duplicate storage node id")
	ErrInvalidChunkSize = errors.New("chunk size must be positive")
	ErrUnknownBackend   = errors.New("unknown storage node backend")
	ErrInvalidInterval  = errors.New("health interval and probe timeout must be positive")
)

type NodeConfig struct {
	ID        string `yaml:"id"`
	Backend   string `yaml:"backend"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Dir       string `yaml:"dir"`
}

type Config struct {
	NodeID            string        `yaml:"node_id"`
	ListenAddr        string        `yaml:"listen_addr"`
	MetricsAddr       string        `yaml:"metrics_addr"`
	ChunkSize         int64         `yaml:"chunk_size"`
	ReplicationFactor int           `yaml:"replication_factor"`
	HealthInterval    time.Duration `yaml:"health_interval"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	RepairRetries     int           `yaml:"repair_retries"`
	RepairBackoff     time.Duration `yaml:"repair_backoff"`
	MetadataPath      string        `yaml:"metadata_path"`
	Bucket            string        `yaml:"bucket"`
	Workers           int           `yaml:"workers"`
	QueueSize         int           `yaml:"queue_size"`
	LogDir            string        `yaml:"log_dir"`
	LogLevel          string        `yaml:"log_level"`
	EtcdEndpoints     []string      `yaml:"etcd_endpoints"`
	Nodes             []NodeConfig  `yaml:"nodes"`
}

func Default() Config {
	return Config{
		NodeID:            "coordinator",
		ListenAddr:        "0.0.0.0:5000",
		MetricsAddr:       ":9100",
		ChunkSize:         4 * 1024 * 1024,
		ReplicationFactor: 2,
		HealthInterval:    8 * time.Second,
		ProbeTimeout:      2 * time.Second,
		RepairRetries:     3,
		RepairBackoff:     800 * time.Millisecond,
		MetadataPath:      "metadata.db",
		Bucket:            "files",
		Workers:           4,
		QueueSize:         64,
		LogLevel:          "INFO",
	}
}

// Load reads path (if it exists) over the defaults, then applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	cfg.normalize()
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("GRPC_BIND"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("METRICS_BIND"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := getenv("CHUNK_SIZE_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CHUNK_SIZE_BYTES: %w", err)
		}
		cfg.ChunkSize = n
	}
	if v := getenv("REPLICATION_FACTOR"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REPLICATION_FACTOR: %w", err)
		}
		cfg.ReplicationFactor = n
	}
	if v := getenv("HEALTH_CHECK_INTERVAL_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HEALTH_CHECK_INTERVAL_MS: %w", err)
		}
		cfg.HealthInterval = time.Duration(n) * time.Millisecond
	}
	if v := getenv("METADATA_DB"); v != "" {
		cfg.MetadataPath = v
	}
	if v := getenv("BUCKET_NAME"); v != "" {
		cfg.Bucket = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("ETCD_ENDPOINTS"); v != "" {
		cfg.EtcdEndpoints = splitList(v)
	}

	// MINIO_ENDPOINT_1..N only apply when the file named no nodes.
	if len(cfg.Nodes) == 0 {
		for i := 1; ; i++ {
			ep := getenv(fmt.Sprintf("MINIO_ENDPOINT_%d", i))
			if ep == "" {
				break
			}
			cfg.Nodes = append(cfg.Nodes, NodeConfig{
				ID:        fmt.Sprintf("node-%d", i-1),
				Backend:   BackendMinio,
				Endpoint:  ep,
				AccessKey: getenv("MINIO_ROOT_USER"),
				SecretKey: getenv("MINIO_ROOT_PASSWORD"),
			})
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) normalize() {
	if c.ReplicationFactor < 1 {
		c.ReplicationFactor = 1
	}
	if c.RepairRetries < 1 {
		c.RepairRetries = 1
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.QueueSize < 1 {
		c.QueueSize = 1
	}
	for i := range c.Nodes {
		if c.Nodes[i].Backend == "" {
			c.Nodes[i].Backend = BackendMinio
		}
		if c.Nodes[i].ID == "" {
			c.Nodes[i].ID = fmt.Sprintf("node-%d", i)
		}
	}
}

func (c Config) Validate() error {
	if len(c.Nodes) == 0 {
		return ErrNoNodes
	}
	if c.ChunkSize <= 0 {
		return ErrInvalidChunkSize
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("%w: health_interval %s", ErrInvalidInterval, c.HealthInterval)
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("%w: probe_timeout %s", ErrInvalidInterval, c.ProbeTimeout)
	}
	seen := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if seen[n.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateNodeID, n.ID)
		}
		seen[n.ID] = true
		switch n.Backend {
		case BackendMinio, BackendLocalDisc, BackendInMemory:
		default:
			return fmt.Errorf("%w: %s", ErrUnknownBackend, n.Backend)
		}
	}
	return nil
}
