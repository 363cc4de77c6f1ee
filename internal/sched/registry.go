package sched

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RegistryNode is one node's entry in the process registry snapshot.
type RegistryNode struct {
	Name        string   `json:"name"`
	Priority    int      `json:"priority"`
	State       string   `json:"state"`
	Health      string   `json:"health"`
	ErrorCount  uint64   `json:"error_count"`
	TickCount   uint64   `json:"tick_count"`
	Publishers  []string `json:"publishers"`
	Subscribers []string `json:"subscribers"`
}

// Registry is the process registry file's JSON shape: a single
// well-known file per scheduler, rewritten atomically on startup and
// every ~5s, deleted on graceful shutdown.
type Registry struct {
	PID           int            `json:"pid"`
	SchedulerName string         `json:"scheduler_name"`
	WorkingDir    string         `json:"working_dir"`
	LastSnapshot  int64          `json:"last_snapshot"`
	Nodes         []RegistryNode `json:"nodes"`
}

// writeRegistry serializes reg to path via a temp-file-then-rename, so a
// reader never observes a partially written file.
func writeRegistry(path string, reg Registry) error {
	reg.LastSnapshot = time.Now().Unix()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("sched: create registry dir: %w", err)
	}

	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("sched: marshal registry: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("sched: write registry temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("sched: rename registry file: %w", err)
	}
	return nil
}

// removeRegistry deletes the registry file on graceful shutdown.
func removeRegistry(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sched: remove registry file: %w", err)
	}
	return nil
}
