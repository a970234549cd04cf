// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ControllerConfig holds configuration for the pipeline controller process.
type ControllerConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	DBPath            string
	DataDir           string        // Root of per-job working directories
	PoolSize          int           // Jobs allowed to run tools at the same time
	WatchInterval     time.Duration // Per-job desired command polling
	CheckInterval     time.Duration // Pending-start and delete scans
	ScanParallelism   int           // Jobs handled concurrently by one scan
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	Runner            string        // "exec" or "docker"
	ToolImage         string        // Image for the docker runner
	ToolDataMount     string        // Host path bind-mounted into tool containers; defaults to DataDir
}

// LoadControllerConfig loads controller configuration from environment variables.
func LoadControllerConfig() *ControllerConfig {
	cfg := &ControllerConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		DBPath:            GetEnv("DB_PATH", "data/modelchain.db"),
		DataDir:           GetEnv("DATA_DIR", "data"),
		PoolSize:          GetIntEnv("POOL_SIZE", 1),
		WatchInterval:     GetDurationEnv("WATCH_INTERVAL", time.Second),
		CheckInterval:     GetDurationEnv("CHECK_INTERVAL", 5*time.Second),
		ScanParallelism:   GetIntEnv("SCAN_PARALLELISM", 4),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		Runner:            GetEnv("RUNNER", "exec"),
		ToolImage:         GetEnv("TOOL_IMAGE", ""),
		ToolDataMount:     GetEnv("TOOL_DATA_MOUNT", ""),
	}
	return cfg.withDefaults()
}

// withDefaults repairs zero or negative values.
func (c *ControllerConfig) withDefaults() *ControllerConfig {
	if c.PoolSize <= 0 {
		c.PoolSize = 1
	}
	if c.WatchInterval <= 0 {
		c.WatchInterval = time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Second
	}
	if c.ScanParallelism <= 0 {
		c.ScanParallelism = 4
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Runner != "docker" {
		c.Runner = "exec"
	}
	return c
}
