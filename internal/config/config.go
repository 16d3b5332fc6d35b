package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Queue       QueueConfig               `json:"queue"`
}

// Queue transport modes.
const (
	QueueModeMemory = "memory"
	QueueModeSQS    = "sqs"
)

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	FileBaseDir   string `json:"file_base_dir"`
	// Key into Databases selecting the active driver.
	Database string `json:"database"`
	// Worker budget for a single import, in minutes.
	WorkerTimeout int `json:"worker_timeout_minutes"`
	// Progress snapshot TTL, in minutes.
	SnapshotTTL int `json:"snapshot_ttl_minutes"`
	// Progress stream poll interval, in milliseconds.
	PollInterval int `json:"poll_interval_ms"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// QueueConfig selects the work item transport. Mode "memory" runs the
// dispatcher in-process; mode "sqs" publishes to the configured queue URL.
type QueueConfig struct {
	Mode     string `json:"mode"`
	Region   string `json:"region"`
	QueueURL string `json:"queue_url"`
	// Worker goroutines for the memory transport.
	Workers int `json:"workers"`
}

// Load reads configuration from the provided path (defaults to config.json).
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if len(cfg.Databases) == 0 {
		return nil, fmt.Errorf("at least one database must be configured")
	}
	for name, db := range cfg.Databases {
		if (name == "sqlite" || name == "sqlite3") && db.DSN != "" && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
			cfg.Databases[name] = db
		}
	}
	if cfg.BasicConfig.ServerAddress == "" {
		cfg.BasicConfig.ServerAddress = ":8080"
	}
	if cfg.BasicConfig.FileBaseDir == "" {
		cfg.BasicConfig.FileBaseDir = "uploads"
	}
	if cfg.BasicConfig.Database == "" {
		if len(cfg.Databases) == 1 {
			for name := range cfg.Databases {
				cfg.BasicConfig.Database = name
			}
		} else {
			return nil, fmt.Errorf("basic_config.database must name the active database")
		}
	}
	if _, ok := cfg.Databases[cfg.BasicConfig.Database]; !ok {
		return nil, fmt.Errorf("database config for %s not found", cfg.BasicConfig.Database)
	}
	if cfg.Queue.Mode == "" {
		cfg.Queue.Mode = QueueModeMemory
	}
	if cfg.Queue.Mode != QueueModeMemory && cfg.Queue.Mode != QueueModeSQS {
		return nil, fmt.Errorf("unsupported queue mode %q", cfg.Queue.Mode)
	}
	if cfg.Queue.Mode == QueueModeSQS && cfg.Queue.QueueURL == "" {
		return nil, fmt.Errorf("queue_url must be configured for sqs mode")
	}

	return &cfg, nil
}
