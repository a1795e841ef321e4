package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRequireLocalDiskAcceptsLocalMount(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	var inspected string
	err := requireLocalDisk(filepath.Join(root, "history.db"), func(dir string) (mount, error) {
		inspected = dir
		return mount{fsType: "ext4"}, nil
	})
	if err != nil {
		t.Fatalf("local mount rejected: %v", err)
	}
	if inspected != root {
		t.Fatalf("inspected %q, want the database directory %q", inspected, root)
	}
}

func TestRequireLocalDiskRejectsNetworkMount(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "history.db")
	err := requireLocalDisk(dbPath, func(string) (mount, error) {
		return mount{fsType: "nfs", remote: true}, nil
	})
	if !errors.Is(err, ErrRemoteFilesystem) {
		t.Fatalf("err = %v, want ErrRemoteFilesystem", err)
	}
	for _, want := range []string{dbPath, "nfs mount", "state.path"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %q", err, want)
		}
	}
	if strings.Contains(err.Error(), "--db") {
		t.Fatalf("error %q points at a flag that does not exist", err)
	}
}

func TestRequireLocalDiskReportsInspectFailure(t *testing.T) {
	t.Parallel()

	err := requireLocalDisk(filepath.Join(t.TempDir(), "history.db"), func(string) (mount, error) {
		return mount{}, os.ErrPermission
	})
	if !errors.Is(err, os.ErrPermission) {
		t.Fatalf("err = %v, want the inspect error wrapped", err)
	}
	if errors.Is(err, ErrRemoteFilesystem) {
		t.Fatal("inspect failure reported as a network mount")
	}
}

func TestInspectMountOnTempDir(t *testing.T) {
	t.Parallel()

	m, err := inspectMount(t.TempDir())
	if err != nil {
		t.Fatalf("inspectMount: %v", err)
	}
	if m.fsType == "" {
		t.Fatal("empty filesystem type")
	}
}

func TestOpenSQLiteCreatesDirectoryBeforeMountCheck(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "a", "b", "history.db")
	db, err := OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	_ = db.Close()
	if _, err := os.Stat(filepath.Dir(dbPath)); err != nil {
		t.Fatalf("database directory missing: %v", err)
	}
}
