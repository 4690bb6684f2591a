package enginedriver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/surveyor/pkg/cgroup"
)

// DefaultBinary is the container engine CLI invoked when Config.Binary
// is empty.
const DefaultBinary = "podman"

// Config configures a Driver.
type Config struct {
	// Binary is the container engine executable name (e.g. "podman",
	// "docker"). Defaults to DefaultBinary.
	Binary string
	// CgroupParentWorkaround enables the fork-into-cgroup-before-exec
	// path for engines that ignore --cgroup-parent directly.
	CgroupParentWorkaround bool
}

// Driver is a stateless wrapper around an external container engine CLI.
type Driver struct {
	binary                 string
	cgroupParentWorkaround bool
}

// New returns a Driver for the given configuration.
func New(cfg Config) *Driver {
	bin := cfg.Binary
	if bin == "" {
		bin = DefaultBinary
	}
	return &Driver{binary: bin, cgroupParentWorkaround: cfg.CgroupParentWorkaround}
}

// EngineError is raised whenever a subprocess invocation of the engine
// CLI returns a non-zero exit status. It carries the process's combined
// stdout+stderr.
type EngineError struct {
	Command []string
	Log     string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine command %q failed:\n%s", strings.Join(e.Command, " "), e.Log)
}

func (d *Driver) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.binary, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	output := buf.String()
	if err != nil {
		return output, &EngineError{Command: append([]string{d.binary}, args...), Log: output}
	}
	return output, nil
}

// ImageExists reports whether the given local image reference exists.
func (d *Driver) ImageExists(ctx context.Context, ref string) bool {
	cmd := exec.CommandContext(ctx, d.binary, "image", "exists", ref)
	return cmd.Run() == nil
}

// ContainerExists reports whether a container with the given name exists.
func (d *Driver) ContainerExists(ctx context.Context, name string) bool {
	cmd := exec.CommandContext(ctx, d.binary, "container", "exists", name)
	return cmd.Run() == nil
}

// BuildImage builds tag from the given Dockerfile text. buildArgs become
// --build-arg entries. If onLogLine is non-nil, build output is streamed
// to it line by line as it is produced; the full combined log is always
// returned. noCache forces a full rebuild, ignoring cached layers.
func (d *Driver) BuildImage(ctx context.Context, dockerfile, tag string, buildArgs map[string]string, cpuLimit int, memLimit int64, noCache bool, onLogLine func(string)) (string, error) {
	dir, err := os.MkdirTemp("", "surveyor-build-")
	if err != nil {
		return "", fmt.Errorf("create build context dir: %w", err)
	}
	defer os.RemoveAll(dir)

	dockerfilePath := dir + "/Dockerfile"
	if err := os.WriteFile(dockerfilePath, []byte(dockerfile), 0o644); err != nil {
		return "", fmt.Errorf("write Dockerfile: %w", err)
	}

	args := []string{"build", "-t", tag}
	// docker-format (rather than OCI) allows the Dockerfile's SHELL
	// directive, which users rely on for custom shells in build steps.
	args = append(args, "--format", "docker")
	for k, v := range buildArgs {
		args = append(args, "--build-arg", fmt.Sprintf("%s=%s", k, v))
	}
	if memLimit > 0 {
		args = append(args, "--memory", fmt.Sprintf("%d", memLimit))
	}
	if cpuLimit > 0 {
		args = append(args, "--cpu-period", "100000")
		args = append(args, "--cpu-quota", fmt.Sprintf("%d", 100000*cpuLimit))
	}
	if noCache {
		args = append(args, "--no-cache")
	}
	args = append(args, "-f", dockerfilePath, dir)

	if onLogLine == nil {
		return d.run(ctx, args...)
	}
	return d.runStreaming(ctx, onLogLine, args...)
}

func (d *Driver) runStreaming(ctx context.Context, onLogLine func(string), args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.binary, args...)
	pr, pw := os.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	var log bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			log.WriteString(line)
			log.WriteByte('\n')
			onLogLine(line)
		}
	}()

	err := cmd.Start()
	if err == nil {
		err = cmd.Wait()
	}
	pw.Close()
	wg.Wait()
	pr.Close()

	output := log.String()
	if err != nil {
		return output, &EngineError{Command: append([]string{d.binary}, args...), Log: output}
	}
	return output, nil
}

// Mount is a host bind mount attached to a created container.
type Mount struct {
	Source string
	Target string
}

// CreateContainer creates (but does not start) a container from image,
// running cmd, with the given bind mounts and resource limits. memLimit
// is applied to both memory and memory-swap so swap cannot be used to
// exceed the limit. If parent is non-nil, the container's cgroup is
// rooted there. Returns the engine-assigned container id.
func (d *Driver) CreateContainer(ctx context.Context, image string, cmd []string, mounts []Mount, cpuLimit int, memLimit int64, parent *cgroup.Handle, name string) (string, error) {
	args := []string{"container", "create", "--runtime", "crun"}
	for _, m := range mounts {
		args = append(args, "--mount", fmt.Sprintf("type=bind,src=%s,target=%s", m.Source, m.Target))
	}
	if cpuLimit > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%d", cpuLimit))
	}
	if memLimit > 0 {
		args = append(args, "--memory", fmt.Sprintf("%d", memLimit))
		args = append(args, "--memory-swap", fmt.Sprintf("%d", memLimit))
	}
	if name != "" {
		args = append(args, "--name", name)
	}
	if parent != nil && !d.cgroupParentWorkaround {
		args = append(args, "--cgroup-parent", parent.Path())
	}
	args = append(args, image)
	args = append(args, cmd...)

	if parent != nil && d.cgroupParentWorkaround {
		return d.createContainerInCgroup(ctx, parent, args)
	}
	out, err := d.run(ctx, args...)
	return strings.TrimSpace(out), err
}

// createContainerInCgroup runs the create command from a child process
// placed into parent's cgroup before the engine binary is exec'd,
// working around engines that ignore a directly-passed --cgroup-parent.
// SysProcAttr.UseCgroupFD places the new process into the target cgroup
// atomically at clone time, instead of writing its pid into
// cgroup.procs after the fact, and the container id is recovered from
// the child's stdout via exec.Cmd's own pipe.
func (d *Driver) createContainerInCgroup(ctx context.Context, parent *cgroup.Handle, args []string) (string, error) {
	dir, err := os.Open(parent.FSPath())
	if err != nil {
		return "", fmt.Errorf("open cgroup dir %s: %w", parent.FSPath(), err)
	}
	defer dir.Close()

	cmd := exec.CommandContext(ctx, d.binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		UseCgroupFD: true,
		CgroupFD:    int(dir.Fd()),
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return "", &EngineError{Command: append([]string{d.binary}, args...), Log: buf.String()}
	}
	return strings.TrimSpace(buf.String()), nil
}

// StartContainer starts a previously-created container, placing it into
// parent's cgroup first when the workaround is enabled.
func (d *Driver) StartContainer(ctx context.Context, id string, parent *cgroup.Handle) error {
	args := []string{"container", "start", "--runtime", "crun", id}
	if parent != nil && d.cgroupParentWorkaround {
		_, err := d.createContainerInCgroup(ctx, parent, args)
		return err
	}
	_, err := d.run(ctx, args...)
	return err
}

// Inspection is the subset of `inspect` output the supervisor needs.
type Inspection struct {
	State struct {
		Status     string `json:"Status"`
		StartedAt  string `json:"StartedAt"`
		FinishedAt string `json:"FinishedAt"`
		ExitCode   int    `json:"ExitCode"`
		OOMKilled  bool   `json:"OOMKilled"`
	} `json:"State"`
	HostConfig struct {
		CgroupParent string `json:"CgroupParent"`
	} `json:"HostConfig"`
}

// InspectContainer returns the parsed inspection state of a container.
func (d *Driver) InspectContainer(ctx context.Context, id string) (*Inspection, error) {
	out, err := d.run(ctx, "inspect", id)
	if err != nil {
		return nil, err
	}
	var results []Inspection
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		return nil, fmt.Errorf("parse inspect output: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("inspect returned no results for %s", id)
	}
	return &results[0], nil
}

// epochSentinel is the zero value FinishedAt carries for a still-running
// container.
const epochSentinel = "0001-01-01T00:00:00Z"

// ContainerRunTime returns FinishedAt-StartedAt in microseconds. If the
// container is still running (FinishedAt is empty, the zero time, or the
// unix-epoch sentinel), the current time is substituted for FinishedAt.
func ContainerRunTime(insp *Inspection) (int64, error) {
	started, err := time.Parse(time.RFC3339Nano, insp.State.StartedAt)
	if err != nil {
		return 0, fmt.Errorf("parse StartedAt: %w", err)
	}
	finishedAt := insp.State.FinishedAt
	var finished time.Time
	if finishedAt == "" || strings.HasPrefix(finishedAt, "0001-01-01") ||
		strings.HasPrefix(finishedAt, "1970-01-01") {
		finished = time.Now().UTC()
	} else {
		finished, err = time.Parse(time.RFC3339Nano, finishedAt)
		if err != nil {
			return 0, fmt.Errorf("parse FinishedAt: %w", err)
		}
	}
	delta := finished.Sub(started)
	return delta.Microseconds(), nil
}

// StopContainer stops a running container, giving it timeout seconds to
// exit gracefully before it is killed.
func (d *Driver) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	_, err := d.run(ctx, "stop", "--timeout", fmt.Sprintf("%d", int(timeout.Seconds())), id)
	return err
}

// RemoveContainer force-removes a container.
func (d *Driver) RemoveContainer(ctx context.Context, id string) error {
	_, err := d.run(ctx, "container", "rm", "-f", id)
	return err
}

// ContainerLogs returns a container's combined stdout+stderr.
func (d *Driver) ContainerLogs(ctx context.Context, id string) (string, error) {
	return d.run(ctx, "logs", id)
}

// ListImages returns the repository:tag reference of every local image.
// The "localhost/" prefix podman puts on locally built images is
// stripped, so a reference matches the name the image was built with.
func (d *Driver) ListImages(ctx context.Context) ([]string, error) {
	out, err := d.run(ctx, "image", "ls", "--format", "{{.Repository}}:{{.Tag}}")
	if err != nil {
		return nil, err
	}
	var refs []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimPrefix(strings.TrimSpace(line), "localhost/")
		if line != "" {
			refs = append(refs, line)
		}
	}
	return refs, nil
}

// RemoveImage force-removes a local image.
func (d *Driver) RemoveImage(ctx context.Context, ref string) error {
	_, err := d.run(ctx, "image", "rm", "-f", ref)
	return err
}
