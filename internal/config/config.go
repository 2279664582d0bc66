package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/app/data/rexec.db"`
	LogPath      string `envconfig:"LOG_PATH" default:"/app/data/rexec.log"`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`

	// MasterSecret is the secret the vault key is derived from. It must be
	// set in production; an empty value is rejected by vault.New.
	MasterSecret string `envconfig:"MASTER_SECRET" default:""`

	// Task execution settings
	WorkerCount        int    `envconfig:"WORKER_COUNT" default:"4"`
	PerHostLimit       int    `envconfig:"PER_HOST_LIMIT" default:"1"`
	TaskDefaultTimeout string `envconfig:"TASK_DEFAULT_TIMEOUT" default:"5m"`
	OutputMaxBytes     int    `envconfig:"OUTPUT_MAX_BYTES" default:"65536"`

	// Terminal session settings
	TerminalIdleTimeout string `envconfig:"TERMINAL_IDLE_TIMEOUT" default:"30m"`

	// Audit settings
	AuditRetentionDays int `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`

	// InventoryPath points to an optional YAML file of server descriptors
	// loaded into the directory at startup.
	InventoryPath string `envconfig:"INVENTORY_PATH" default:""`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("REXEC", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// TaskTimeout returns the parsed default task timeout, falling back to five
// minutes on an invalid duration string.
func TaskTimeout() time.Duration {
	d, err := time.ParseDuration(Cfg.TaskDefaultTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// IdleTimeout returns the parsed terminal idle timeout, falling back to
// thirty minutes on an invalid duration string.
func IdleTimeout() time.Duration {
	d, err := time.ParseDuration(Cfg.TerminalIdleTimeout)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}
