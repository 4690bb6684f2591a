package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	shellwords "github.com/mattn/go-shellwords"
	"github.com/rs/zerolog"

	"github.com/cuemby/surveyor/pkg/cgroup"
	"github.com/cuemby/surveyor/pkg/enginedriver"
	"github.com/cuemby/surveyor/pkg/envmanager"
	"github.com/cuemby/surveyor/pkg/log"
	"github.com/cuemby/surveyor/pkg/storage"
	"github.com/cuemby/surveyor/pkg/types"
)

// TaskRunError wraps a container create/start/stop failure. Like
// EnvironmentBuildError, it results in the task being finished with
// exit code 1 and the error text as output, rather than abandoned.
type TaskRunError struct {
	Stage string
	Err   error
}

func (e *TaskRunError) Error() string {
	return fmt.Sprintf("task %s failed: %v", e.Stage, e.Err)
}

func (e *TaskRunError) Unwrap() error { return e.Err }

const (
	environmentPollInterval = 20 * time.Second
	watchPollInterval       = 1 * time.Second
	notifyInterval          = 10
	stopGracePeriod         = 1 * time.Second
)

// Supervisor runs a single task from claim to commit.
type Supervisor struct {
	store  storage.Store
	env    *envmanager.Manager
	driver *enginedriver.Driver
}

// New returns a Supervisor wired to the given store, environment
// manager, and container engine driver.
func New(store storage.Store, env *envmanager.Manager, driver *enginedriver.Driver) *Supervisor {
	return &Supervisor{store: store, env: env, driver: driver}
}

// EvaluateTask runs taskID to completion under runnerCgroup, a handle to
// this runner's delegated cgroup subtree. It always leaves the task in
// a terminal-for-this-attempt state: evaluated (success or a recorded
// failure) or, for a genuinely unexpected error, pending again via
// Abandon — in which case the error is also returned so the runner loop
// can log it and keep going.
func (s *Supervisor) EvaluateTask(ctx context.Context, taskID int64, suite *types.BenchmarkSuite, runnerCgroup *cgroup.Handle) (err error) {
	logger := log.WithComponent("supervisor").With().Int64("task_id", taskID).Logger()

	task, getErr := s.store.GetTask(taskID)
	if getErr != nil {
		return fmt.Errorf("reload task %d: %w", taskID, getErr)
	}

	defer func() {
		if err != nil {
			logger.Error().Err(err).Msg("task evaluation failed unexpectedly, abandoning")
			task.Abandon()
			_ = s.store.UpdateTask(task)
		}
		logger.Info().Msg("task evaluation finished")
	}()

	image, envErr := s.obtainEnvironment(ctx, task, suite.Env, logger)
	if envErr != nil {
		return s.finishWithError(task, envErr)
	}

	result, runErr := s.runTask(ctx, task, suite.Env, image, runnerCgroup, logger)
	if runErr != nil {
		return s.finishWithError(task, runErr)
	}

	task.Finish(result.exitCode, result.output, result.stats, result.artefact)
	if err := s.store.UpdateTask(task); err != nil {
		return fmt.Errorf("commit finished task %d: %w", taskID, err)
	}
	return nil
}

// finishWithError records a supervisor-recognized failure (environment
// build or container run) as a successfully-evaluated task with
// exitcode 1: these are not unexpected errors, they are a benchmark
// result in their own right and should not abandon the task for retry.
func (s *Supervisor) finishWithError(task *types.BenchmarkTask, cause error) error {
	task.Finish(1, cause.Error(), nil, nil)
	if err := s.store.UpdateTask(task); err != nil {
		return fmt.Errorf("commit task %d after recorded failure: %w", task.ID, err)
	}
	return nil
}

// obtainEnvironment polls the environment manager for a ready image,
// poking the task every environmentPollInterval to keep it from being
// reclaimed as stale while the build runs.
func (s *Supervisor) obtainEnvironment(ctx context.Context, task *types.BenchmarkTask, env *types.RuntimeEnv, logger zerolog.Logger) (string, error) {
	resultCh := s.env.GetImage(ctx, env)
	for {
		select {
		case result := <-resultCh:
			if result.Err != nil {
				return "", result.Err
			}
			return result.Image, nil
		case <-time.After(environmentPollInterval):
			logger.Debug().Msg("still waiting on environment image, poking task")
			task.Poke(nil)
			if err := s.store.UpdateTask(task); err != nil {
				return "", fmt.Errorf("poke task %d while waiting on image: %w", task.ID, err)
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

type taskResult struct {
	exitCode int
	output   string
	stats    *types.TaskStats
	artefact map[string]any
}

// runTask builds the per-task cgroup hierarchy, creates and runs the
// container, and extracts its result artifact.
func (s *Supervisor) runTask(ctx context.Context, task *types.BenchmarkTask, env *types.RuntimeEnv, image string, runnerCgroup *cgroup.Handle, logger zerolog.Logger) (*taskResult, error) {
	taskGroup, err := runnerCgroup.NewGroup(fmt.Sprintf("task%d", task.ID), "cpu", "memory")
	if err != nil {
		return nil, &TaskRunError{Stage: "cgroup setup", Err: err}
	}
	defer func() {
		if err := taskGroup.Release(); err != nil {
			logger.Warn().Err(err).Msg("failed to release task measurement cgroup")
		}
	}()

	// No controllers delegated into the leaf: an OOM kill scoped to the
	// container's memory.max must not also reap the measurement group.
	leafGroup, err := taskGroup.NewGroup("benchmark")
	if err != nil {
		return nil, &TaskRunError{Stage: "cgroup setup", Err: err}
	}
	defer func() {
		if err := leafGroup.Release(); err != nil {
			logger.Warn().Err(err).Msg("failed to release benchmark cgroup")
		}
	}()

	artefactDir, err := os.MkdirTemp("", fmt.Sprintf("surveyor-task-%d-", task.ID))
	if err != nil {
		return nil, &TaskRunError{Stage: "create artefact dir", Err: err}
	}
	defer os.RemoveAll(artefactDir)

	args, err := shellwords.Parse(task.Command)
	if err != nil {
		return nil, &TaskRunError{Stage: "parse command", Err: err}
	}

	name, err := s.uniqueContainerName(ctx, task.ID)
	if err != nil {
		return nil, &TaskRunError{Stage: "name container", Err: err}
	}

	containerID, err := s.driver.CreateContainer(ctx, image, args,
		[]enginedriver.Mount{{Source: artefactDir, Target: "/artefact"}},
		env.CPULimit, env.MemoryLimit, leafGroup, name)
	if err != nil {
		return nil, &TaskRunError{Stage: "create container", Err: err}
	}
	defer func() {
		if err := s.driver.RemoveContainer(context.Background(), containerID); err != nil {
			logger.Warn().Err(err).Str("container_id", containerID).Msg("failed to remove container")
		}
	}()

	watchResult, err := s.runAndWatch(ctx, task, containerID, leafGroup, env, logger)
	if err != nil {
		return nil, &TaskRunError{Stage: "run container", Err: err}
	}

	artefact, artefactErr := extractArtefact(artefactDir)
	if artefactErr != "" {
		watchResult.stats.ArtefactError = artefactErr
	}

	return &taskResult{
		exitCode: watchResult.exitCode,
		output:   watchResult.output,
		stats:    watchResult.stats,
		artefact: artefact,
	}, nil
}

// uniqueContainerName returns "surveyor-task-{id}", suffixed with -N if
// that name is already taken (e.g. by a not-yet-cleaned-up prior
// attempt on this host).
func (s *Supervisor) uniqueContainerName(ctx context.Context, taskID int64) (string, error) {
	base := fmt.Sprintf("surveyor-task-%d", taskID)
	name := base
	for n := 1; s.driver.ContainerExists(ctx, name); n++ {
		if n > 1000 {
			return "", fmt.Errorf("could not find a free container name for task %d", taskID)
		}
		name = fmt.Sprintf("%s-%d", base, n)
	}
	return name, nil
}

type watchResult struct {
	exitCode int
	output   string
	stats    *types.TaskStats
}

// runAndWatch starts the container and polls it once per second until
// it exits or a resource limit is hit.
func (s *Supervisor) runAndWatch(ctx context.Context, task *types.BenchmarkTask, containerID string, leaf *cgroup.Handle, env *types.RuntimeEnv, logger zerolog.Logger) (*watchResult, error) {
	if err := s.driver.StartContainer(ctx, containerID, leaf); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	wallLimitUsec := int64(env.WallClockTimeLimit) * 1_000_000
	cpuLimitUsec := int64(env.CPUTimeLimit) * 1_000_000

	var maxMemory int64
	var timedOut bool
	ticks := 0

	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			ticks++
			if ticks%notifyInterval == 0 {
				if err := s.notify(containerID, task); err != nil {
					logger.Warn().Err(err).Msg("failed to poke task during run")
				}
			}

			insp, err := s.driver.InspectContainer(ctx, containerID)
			if err != nil {
				return nil, fmt.Errorf("inspect container: %w", err)
			}
			if insp.State.Status != "running" {
				return s.collectFinalStats(ctx, containerID, leaf, insp, maxMemory, timedOut)
			}

			wallTime, err := enginedriver.ContainerRunTime(insp)
			if err != nil {
				return nil, fmt.Errorf("compute wall time: %w", err)
			}
			cpuStat, err := leaf.CPUStats()
			if err != nil {
				return nil, fmt.Errorf("read cpu stats: %w", err)
			}
			if mem, err := leaf.CurrentMemoryUsage(); err == nil && mem > maxMemory {
				maxMemory = mem
			}

			if wallTime >= wallLimitUsec || cpuStat["usage_usec"] >= cpuLimitUsec {
				if err := s.driver.StopContainer(ctx, containerID, stopGracePeriod); err != nil {
					logger.Warn().Err(err).Msg("failed to stop timed-out container")
				}
				timedOut = true
			}
		}
	}
}

func (s *Supervisor) notify(containerID string, task *types.BenchmarkTask) error {
	logs, err := s.driver.ContainerLogs(context.Background(), containerID)
	if err != nil {
		return fmt.Errorf("fetch logs: %w", err)
	}
	task.Poke(&logs)
	return s.store.UpdateTask(task)
}

func (s *Supervisor) collectFinalStats(ctx context.Context, containerID string, leaf *cgroup.Handle, insp *enginedriver.Inspection, maxMemory int64, timedOut bool) (*watchResult, error) {
	cpuStat, err := leaf.CPUStats()
	if err != nil {
		return nil, fmt.Errorf("read final cpu stats: %w", err)
	}
	memStat, err := leaf.MemoryStats()
	if err != nil {
		return nil, fmt.Errorf("read final memory stats: %w", err)
	}
	wallTime, err := enginedriver.ContainerRunTime(insp)
	if err != nil {
		return nil, fmt.Errorf("compute final wall time: %w", err)
	}
	output, err := s.driver.ContainerLogs(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("fetch final logs: %w", err)
	}

	stats := &types.TaskStats{
		CPUTime:     cpuStat["usage_usec"],
		UserTime:    cpuStat["user_usec"],
		SystemTime:  cpuStat["system_usec"],
		WallTime:    wallTime,
		OutOfMemory: insp.State.OOMKilled,
		Timeout:     timedOut,
		MemStat:     memStat,
		CPUStatRaw:  cpuStat,
		MemUsage:    maxMemory,
	}

	return &watchResult{
		exitCode: insp.State.ExitCode,
		output:   output,
		stats:    stats,
	}, nil
}

// extractArtefact reads and parses <dir>/results.json. A missing or
// unparseable file is not a task failure; the reason is returned as a
// string for stats.artefactError and the artifact itself is nil.
func extractArtefact(dir string) (map[string]any, string) {
	data, err := os.ReadFile(filepath.Join(dir, "results.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "No artefact file found"
		}
		return nil, fmt.Sprintf("could not read artefact file: %v", err)
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Sprintf("invalid artefact JSON: %v", err)
	}
	return result, ""
}
