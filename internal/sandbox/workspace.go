package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"secure-code-sandbox/internal/registry"
)

// Workspace is the ephemeral host directory holding one execution's
// source file. The directory name carries the execution id, so two
// concurrent executions can never collide, and removal is idempotent.
type Workspace struct {
	execID   string
	dir      string
	codeName string

	once sync.Once
}

// NewWorkspace materializes source into a fresh per-execution directory
// under root. The code file is read-only: the container mounts the
// directory ro and runs as an unprivileged user.
func NewWorkspace(root, execID string, desc *registry.Descriptor, source string) (*Workspace, error) {
	if root == "" {
		root = os.TempDir()
	}
	dir, err := os.MkdirTemp(root, "sandbox-"+execID+"-*")
	if err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	codeName := "code" + desc.FileExtension
	codePath := filepath.Join(dir, codeName)
	if err := os.WriteFile(codePath, []byte(source), 0o600); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("writing source: %w", err)
	}
	if err := os.Chmod(codePath, 0o444); err != nil { // container runs as nobody (UID 65534)
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("sealing source file: %w", err)
	}

	return &Workspace{execID: execID, dir: dir, codeName: codeName}, nil
}

// HostDir returns the host path of the workspace directory.
func (w *Workspace) HostDir() string { return w.dir }

// CodeName returns the code file name inside the workspace.
func (w *Workspace) CodeName() string { return w.codeName }

// ContainerCodePath returns where the code file appears inside the
// container, given the workspace is mounted at /workspace.
func (w *Workspace) ContainerCodePath() string {
	return "/workspace/" + w.codeName
}

// Remove deletes the workspace. Safe to call multiple times and from
// any exit path; only the first call does work.
func (w *Workspace) Remove() error {
	var err error
	w.once.Do(func() {
		err = os.RemoveAll(w.dir)
	})
	return err
}

// Exists reports whether the workspace directory is still on disk.
func (w *Workspace) Exists() bool {
	_, err := os.Stat(w.dir)
	return err == nil
}
