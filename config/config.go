package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	coretypes "github.com/projecteru2/core/types"

	"github.com/noidhq/noid/utils"
)

// Config holds global noid configuration.
type Config struct {
	// RootDir is the base directory for persistent data: the catalog file,
	// per-user VM and checkpoint directories.
	RootDir string `json:"root_dir"`
	// RunDir holds per-VM runtime state: control sockets, PID files. Kept
	// separate from RootDir so it can live on tmpfs.
	RunDir string `json:"run_dir"`

	// FirecrackerBinary is the path to the firecracker executable.
	FirecrackerBinary string `json:"firecracker_binary"`
	// NetdSocketPath is the well-known Unix socket path for the privileged
	// network helper, per spec.md §4.4.
	NetdSocketPath string `json:"netd_socket_path"`

	// ExecDefaultTimeout is the default exec timeout when the caller does
	// not specify one, per spec.md §4.6.
	ExecDefaultTimeout time.Duration `json:"exec_default_timeout"`
	// SocketReadyTimeout bounds how long the driver waits for a freshly
	// spawned hypervisor's control socket to become connectable.
	SocketReadyTimeout time.Duration `json:"socket_ready_timeout"`
	// ShutdownGrace is the wait between SIGTERM and SIGKILL on process
	// shutdown, per spec.md §4.5.
	ShutdownGrace time.Duration `json:"shutdown_grace"`

	// PoolSize defaults to runtime.NumCPU() if zero. No package reads it:
	// the orphan-sweep reconciliation pass runs its modules one after
	// another.
	PoolSize int `json:"pool_size"`

	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RootDir:            "/var/lib/noid",
		RunDir:             "/run/noid",
		FirecrackerBinary:  "/usr/local/bin/firecracker",
		NetdSocketPath:     "/run/noid/netd.sock",
		ExecDefaultTimeout: 30 * time.Second,
		SocketReadyTimeout: 5 * time.Second,
		ShutdownGrace:      500 * time.Millisecond,
		PoolSize:           runtime.NumCPU(),
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	conf := DefaultConfig()
	if path == "" {
		return conf, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // config path from CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return conf, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if conf.PoolSize <= 0 {
		conf.PoolSize = runtime.NumCPU()
	}
	return conf, nil
}

// EnsureDirs creates the static directories this config names.
func (c *Config) EnsureDirs() error {
	return utils.EnsureDirs(c.dbDir(), c.RunDir)
}

// --- Catalog paths ---

func (c *Config) dbDir() string           { return filepath.Join(c.RootDir, "db") }
func (c *Config) CatalogFile() string     { return filepath.Join(c.dbDir(), "catalog.db") }
func (c *Config) CatalogLockFile() string { return filepath.Join(c.dbDir(), "catalog.lock") }

// --- Per-user storage paths (C2) ---

// UsersDir is the root of all per-user storage, walked by the directory
// reconciliation sweep (spec.md §4.8 supplement in SPEC_FULL.md).
func (c *Config) UsersDir() string { return filepath.Join(c.RootDir, "users") }

func (c *Config) UserDir(userID string) string {
	return filepath.Join(c.UsersDir(), userID)
}

// VMDir returns the persistent per-VM directory, per spec.md §4.2.
func (c *Config) VMDir(userID, name string) string {
	return filepath.Join(c.UserDir(userID), "vms", name)
}

// CheckpointsDir returns the directory holding all checkpoints for a VM name.
func (c *Config) CheckpointsDir(userID, vmName string) string {
	return filepath.Join(c.UserDir(userID), "checkpoints", vmName)
}

// CheckpointDir returns the persistent per-checkpoint directory, per spec.md §4.2.
func (c *Config) CheckpointDir(userID, vmName, checkpointID string) string {
	return filepath.Join(c.CheckpointsDir(userID, vmName), checkpointID)
}

// --- Per-VM runtime paths (C5/C6) ---

func (c *Config) VMRunDir(userID, name string) string {
	return filepath.Join(c.RunDir, userID, name)
}

func (c *Config) VMSocketPath(userID, name string) string {
	return filepath.Join(c.VMRunDir(userID, name), "firecracker.sock")
}

func (c *Config) VMPIDFile(userID, name string) string {
	return filepath.Join(c.VMRunDir(userID, name), "firecracker.pid")
}

func (c *Config) VMHypervisorLog(userID, name string) string {
	return filepath.Join(c.VMDir(userID, name), "firecracker.log")
}

func (c *Config) SerialLogPath(userID, name string) string {
	return filepath.Join(c.VMDir(userID, name), "serial.log")
}

func (c *Config) SerialInPath(userID, name string) string {
	return filepath.Join(c.VMDir(userID, name), "serial.in")
}

// GoldenTemplateDir is the host-level "golden start" template directory,
// per spec.md §4.7. Shared across all users.
func (c *Config) GoldenTemplateDir() string {
	return filepath.Join(c.RootDir, "golden")
}

func (c *Config) GoldenConfigFile() string {
	return filepath.Join(c.GoldenTemplateDir(), "config.json")
}
