package cgroup

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	systemdDbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"
)

// Root is the conventional mount point of the unified cgroup v2 hierarchy.
const Root = "/sys/fs/cgroup"

// Handle represents one node in the cgroup v2 tree, identified by its
// path relative to Root (e.g. "/user.slice/surveyor-runner-123.scope").
type Handle struct {
	path       string
	dummyProc  *exec.Cmd
}

// Path returns the cgroup's path relative to Root.
func (h *Handle) Path() string { return h.path }

// FSPath returns the absolute filesystem path of the cgroup directory.
func (h *Handle) FSPath() string {
	return filepath.Join(Root, strings.TrimPrefix(h.path, "/"))
}

func (h *Handle) String() string {
	return fmt.Sprintf("<Cgroup %s>", h.path)
}

// ProcessGroup returns a Handle to the cgroup the current process already
// lives in, read from /proc/self/cgroup.
func ProcessGroup() (*Handle, error) {
	data, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return nil, fmt.Errorf("read /proc/self/cgroup: %w", err)
	}
	// Unified hierarchy entries look like "0::/path".
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		parts := strings.SplitN(line, "::", 2)
		if len(parts) == 2 {
			return &Handle{path: strings.TrimSpace(parts[1])}, nil
		}
	}
	return nil, fmt.Errorf("no unified cgroup entry found in /proc/self/cgroup")
}

// CreateScope asks systemd to create a delegated transient scope unit
// containing the current process, with CPU and memory accounting
// enabled, then moves the current process into a child subgroup named
// "manager" (a parent scope cannot have both processes in it and
// subtree_control edits applied to it). Returns a Handle to the scope.
func CreateScope(ctx context.Context, name string) (*Handle, error) {
	conn, err := systemdDbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	props := []systemdDbus.Property{
		systemdDbus.PropPids(uint32(os.Getpid())),
		{Name: "Delegate", Value: dbus.MakeVariant(true)},
		{Name: "MemoryAccounting", Value: dbus.MakeVariant(true)},
		{Name: "CPUAccounting", Value: dbus.MakeVariant(true)},
	}

	unitName := name + ".scope"
	ch := make(chan string, 1)
	if _, err := conn.StartTransientUnitContext(ctx, unitName, "fail", props, ch); err != nil {
		return nil, fmt.Errorf("start transient unit %s: %w", unitName, err)
	}
	select {
	case res := <-ch:
		if res != "done" {
			return nil, fmt.Errorf("transient unit %s did not start cleanly: %s", unitName, res)
		}
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("timed out waiting for transient unit %s to start", unitName)
	}

	scope, err := ProcessGroup()
	if err != nil {
		return nil, err
	}

	managerDir := filepath.Join(scope.FSPath(), "manager")
	if err := os.Mkdir(managerDir, 0o755); err != nil && !os.IsExist(err) {
		return nil, fmt.Errorf("create manager subgroup: %w", err)
	}
	manager := &Handle{path: filepath.Join(scope.path, "manager")}
	if err := manager.AddProcess(os.Getpid()); err != nil {
		return nil, fmt.Errorf("move current process into manager subgroup: %w", err)
	}
	return scope, nil
}

// EnableControllers writes "+<ctrl>" tokens into cgroup.subtree_control
// so child groups may use them.
func (h *Handle) EnableControllers(controllers ...string) error {
	tokens := make([]string, len(controllers))
	for i, c := range controllers {
		tokens[i] = "+" + c
	}
	return os.WriteFile(filepath.Join(h.FSPath(), "cgroup.subtree_control"),
		[]byte(strings.Join(tokens, " ")), 0o644)
}

// NewGroup creates a child group, enables the requested controllers on
// it, and returns its Handle. The caller is responsible for calling
// Release when the group is no longer needed.
func (h *Handle) NewGroup(name string, controllers ...string) (*Handle, error) {
	dirPath := filepath.Join(h.FSPath(), name)
	if err := os.Mkdir(dirPath, 0o755); err != nil {
		return nil, fmt.Errorf("create cgroup %s: %w", dirPath, err)
	}
	group := &Handle{path: filepath.Join(h.path, name)}
	if len(controllers) > 0 {
		if err := group.EnableControllers(controllers...); err != nil {
			_ = group.Release()
			return nil, fmt.Errorf("enable controllers on %s: %w", dirPath, err)
		}
	}
	return group, nil
}

// Release removes the group's directory. It is best-effort and
// idempotent: an already-removed group is not an error.
func (h *Handle) Release() error {
	if h.dummyProc != nil {
		h.release()
	}
	if err := os.Remove(h.FSPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cgroup %s: %w", h.FSPath(), err)
	}
	return nil
}

// AddProcess writes pid into cgroup.procs, moving that process into the group.
func (h *Handle) AddProcess(pid int) error {
	return os.WriteFile(filepath.Join(h.FSPath(), "cgroup.procs"),
		[]byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// CPUStats parses cpu.stat as whitespace-separated key/value pairs.
func (h *Handle) CPUStats() (map[string]int64, error) {
	return h.readKeyValueFile("cpu.stat")
}

// MemoryStats parses memory.stat as whitespace-separated key/value pairs.
func (h *Handle) MemoryStats() (map[string]int64, error) {
	return h.readKeyValueFile("memory.stat")
}

// CurrentMemoryUsage reads memory.current as an integer byte count.
func (h *Handle) CurrentMemoryUsage() (int64, error) {
	data, err := os.ReadFile(filepath.Join(h.FSPath(), "memory.current"))
	if err != nil {
		return 0, fmt.Errorf("read memory.current: %w", err)
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func (h *Handle) readKeyValueFile(name string) (map[string]int64, error) {
	data, err := os.ReadFile(filepath.Join(h.FSPath(), name))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	out := make(map[string]int64)
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		v, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		out[fields[0]] = v
	}
	return out, nil
}

// Occupy pins a long-sleeping dummy process in the group so the kernel
// does not garbage-collect an otherwise-empty leaf cgroup.
func (h *Handle) Occupy() error {
	cmd := exec.Command("sleep", "infinity")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start dummy process: %w", err)
	}
	if err := h.AddProcess(cmd.Process.Pid); err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("add dummy process to group: %w", err)
	}
	h.dummyProc = cmd
	return nil
}

func (h *Handle) release() {
	if h.dummyProc == nil || h.dummyProc.Process == nil {
		return
	}
	_ = h.dummyProc.Process.Kill()
	_ = h.dummyProc.Wait()
	h.dummyProc = nil
}
