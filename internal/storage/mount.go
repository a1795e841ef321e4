package storage

import (
	"errors"
	"fmt"
	"path/filepath"
)

// ErrRemoteFilesystem means the history database would live on a network
// mount, where SQLite file locking cannot be trusted.
var ErrRemoteFilesystem = errors.New("execution history requires a local disk")

type mount struct {
	fsType string
	remote bool
}

// requireLocalDisk inspects the directory that holds dbPath. The directory
// must already exist.
func requireLocalDisk(dbPath string, inspect func(dir string) (mount, error)) error {
	dir, err := filepath.Abs(filepath.Dir(dbPath))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dbPath, err)
	}
	m, err := inspect(dir)
	if err != nil {
		return fmt.Errorf("inspect mount of %s: %w", dir, err)
	}
	if m.remote {
		return fmt.Errorf("%w: %s is on a %s mount; point state.path in the config file at local storage",
			ErrRemoteFilesystem, dbPath, m.fsType)
	}
	return nil
}
