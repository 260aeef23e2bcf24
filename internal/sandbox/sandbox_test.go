package sandbox

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"secure-code-sandbox/internal/registry"
)

func pythonDescriptor(t *testing.T) *registry.Descriptor {
	t.Helper()
	desc, err := registry.New().Get("python")
	if err != nil {
		t.Fatalf("Get(python): %v", err)
	}
	return desc
}

func TestWorkspace_Lifecycle(t *testing.T) {
	desc := pythonDescriptor(t)

	ws, err := NewWorkspace(t.TempDir(), "abc123", desc, "print('hi')")
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}

	if !strings.Contains(filepath.Base(ws.HostDir()), "sandbox-abc123-") {
		t.Errorf("HostDir = %q, want sandbox-abc123-* dir", ws.HostDir())
	}
	if ws.CodeName() != "code.py" {
		t.Errorf("CodeName = %q, want code.py", ws.CodeName())
	}
	if ws.ContainerCodePath() != "/workspace/code.py" {
		t.Errorf("ContainerCodePath = %q, want /workspace/code.py", ws.ContainerCodePath())
	}

	data, err := os.ReadFile(filepath.Join(ws.HostDir(), ws.CodeName()))
	if err != nil {
		t.Fatalf("reading code file: %v", err)
	}
	if string(data) != "print('hi')" {
		t.Errorf("code file = %q, want source verbatim", data)
	}

	info, err := os.Stat(filepath.Join(ws.HostDir(), ws.CodeName()))
	if err != nil {
		t.Fatalf("stat code file: %v", err)
	}
	if info.Mode().Perm() != 0o444 {
		t.Errorf("code file mode = %v, want 0444", info.Mode().Perm())
	}

	if err := ws.Remove(); err != nil {
		t.Errorf("Remove: %v", err)
	}
	if ws.Exists() {
		t.Error("workspace still on disk after Remove")
	}

	// Idempotent: second removal must not fail.
	if err := ws.Remove(); err != nil {
		t.Errorf("second Remove: %v", err)
	}
}

func TestWorkspace_UniquePerExecution(t *testing.T) {
	desc := pythonDescriptor(t)
	root := t.TempDir()

	a, err := NewWorkspace(root, "exec1", desc, "print(1)")
	if err != nil {
		t.Fatalf("NewWorkspace a: %v", err)
	}
	b, err := NewWorkspace(root, "exec1", desc, "print(2)")
	if err != nil {
		t.Fatalf("NewWorkspace b: %v", err)
	}

	if a.HostDir() == b.HostDir() {
		t.Errorf("two workspaces share dir %q", a.HostDir())
	}
}

func TestCapBuffer_UnderCap(t *testing.T) {
	buf := newCapBuffer(64)
	if _, err := buf.Write([]byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := buf.String(); got != "hello" {
		t.Errorf("String = %q, want hello", got)
	}
	if buf.Truncated() {
		t.Error("Truncated = true for output under the cap")
	}
}

func TestCapBuffer_TruncatesAtCap(t *testing.T) {
	buf := newCapBuffer(10)
	payload := bytes.Repeat([]byte("x"), 100)

	n, err := buf.Write(payload)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(payload) {
		t.Errorf("Write returned %d, want %d (never backpressure)", n, len(payload))
	}

	got := buf.String()
	if !strings.HasPrefix(got, strings.Repeat("x", 10)) {
		t.Errorf("String = %q, want first 10 bytes kept", got)
	}
	if !strings.HasSuffix(got, truncationMarker) {
		t.Errorf("String = %q, want truncation marker suffix", got)
	}
	if !buf.Truncated() {
		t.Error("Truncated = false after overflow")
	}

	// Further writes past the cap are swallowed without error.
	if _, err := buf.Write([]byte("more")); err != nil {
		t.Errorf("post-cap Write: %v", err)
	}
}

func TestCfsQuota(t *testing.T) {
	tests := []struct {
		name   string
		shares int64
		want   int64
	}{
		{"one core", 1024, 100000},
		{"half core", 512, 50000},
		{"quarter core", 256, 25000},
		{"floor at 1ms", 1, 1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cfsQuota(tt.shares); got != tt.want {
				t.Errorf("cfsQuota(%d) = %d, want %d", tt.shares, got, tt.want)
			}
		})
	}
}

func TestApplyResourceLimits(t *testing.T) {
	spec := &specs.Spec{Process: &specs.Process{}}
	ApplyResourceLimits(spec, registry.Ceilings{
		Timeout:   10 * time.Second,
		MemoryMB:  256,
		CPUShares: 512,
		PidsLimit: 16,
	})

	res := spec.Linux.Resources
	if res.Memory == nil || *res.Memory.Limit != 256*1024*1024 {
		t.Error("memory limit not applied")
	}
	if res.Memory.Swap == nil || *res.Memory.Swap != *res.Memory.Limit {
		t.Error("swap must equal the memory limit")
	}
	if res.Pids == nil || res.Pids.Limit != 16 {
		t.Error("pids limit not applied")
	}
	if res.CPU == nil || *res.CPU.Quota != 50000 {
		t.Error("CPU quota not applied")
	}

	var tmpfs *specs.Mount
	for i := range spec.Mounts {
		if spec.Mounts[i].Destination == "/tmp" {
			tmpfs = &spec.Mounts[i]
		}
	}
	if tmpfs == nil {
		t.Fatal("no tmpfs mount for /tmp")
	}
	joined := strings.Join(tmpfs.Options, ",")
	if !strings.Contains(joined, "noexec") {
		t.Errorf("tmpfs options = %q, want noexec", joined)
	}

	if len(spec.Process.Rlimits) == 0 {
		t.Error("no rlimits applied")
	}
}

func TestApplySecurityProfile(t *testing.T) {
	spec := &specs.Spec{Root: &specs.Root{}}
	ApplySecurityProfile(spec, DefaultSecurityProfile())

	if !spec.Process.NoNewPrivileges {
		t.Error("NoNewPrivileges not set")
	}
	if spec.Process.User.UID != 65534 || spec.Process.User.GID != 65534 {
		t.Errorf("user = %d:%d, want 65534:65534", spec.Process.User.UID, spec.Process.User.GID)
	}
	if !spec.Root.Readonly {
		t.Error("root filesystem not read-only")
	}
	if len(spec.Process.Capabilities.Bounding) != 0 {
		t.Errorf("bounding caps = %v, want none", spec.Process.Capabilities.Bounding)
	}
	if spec.Linux.Seccomp == nil {
		t.Error("seccomp profile not applied")
	}

	hasNetNS := false
	for _, ns := range spec.Linux.Namespaces {
		if ns.Type == specs.NetworkNamespace && ns.Path == "" {
			hasNetNS = true
		}
	}
	if !hasNetNS {
		t.Error("no fresh network namespace: network would be reachable")
	}
}

func TestSandboxEnv_NoHostLeaks(t *testing.T) {
	t.Setenv("AWS_SECRET_ACCESS_KEY", "supersecret")

	for _, kv := range sandboxEnv() {
		if strings.Contains(kv, "supersecret") {
			t.Fatalf("host secret leaked into sandbox env: %q", kv)
		}
		key := strings.SplitN(kv, "=", 2)[0]
		switch key {
		case "PATH", "HOME", "LANG", "SHELL", "SANDBOX":
		default:
			t.Errorf("unexpected env var %q in sandbox", key)
		}
	}
}
