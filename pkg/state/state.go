// Package state owns the on-disk layout under the database path.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Paths is the runtime folder layout rooted at DB.
type Paths struct {
	DB        string
	Store     string
	State     string
	Audit     string
	Telemetry string
	Tmp       string
}

// PathsFor returns the layout for dbPath. An empty path means ./.roomlog.
func PathsFor(dbPath string) Paths {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		dbPath = "./.roomlog"
	}
	dbPath = filepath.Clean(dbPath)
	statePath := filepath.Join(dbPath, "state")
	return Paths{
		DB:        dbPath,
		Store:     filepath.Join(dbPath, "store"),
		State:     statePath,
		Audit:     filepath.Join(statePath, "audit"),
		Telemetry: filepath.Join(statePath, "telemetry"),
		Tmp:       filepath.Join(statePath, "tmp"),
	}
}

func (p Paths) dirs() []string {
	return []string{p.Store, p.Audit, p.Telemetry, p.Tmp}
}

// Ensure creates every directory of the layout. Each must be a real
// directory, not a symlink, and writable.
func (p Paths) Ensure() error {
	for _, dir := range p.dirs() {
		if err := ensureDir(dir); err != nil {
			return err
		}
	}
	return nil
}

func ensureDir(p string) error {
	if fi, err := os.Lstat(p); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("path is a symlink: %s", p)
		}
		if !fi.IsDir() {
			return fmt.Errorf("path exists and is not a directory: %s", p)
		}
	}
	if err := os.MkdirAll(p, 0o700); err != nil {
		return fmt.Errorf("cannot create path %s: %w", p, err)
	}

	// check writability
	tmp, err := os.CreateTemp(p, ".validate-*")
	if err != nil {
		return fmt.Errorf("path not writable: %s: %w", p, err)
	}
	tmp.Close()
	_ = os.Remove(tmp.Name())
	return nil
}
