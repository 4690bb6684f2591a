// Package runnerloop implements the runner's outer polling loop: claim
// runnable tasks from the store, admit them against a ResourceManager,
// and hand each off to a supervisor goroutine.
package runnerloop

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/surveyor/pkg/cgroup"
	"github.com/cuemby/surveyor/pkg/enginedriver"
	"github.com/cuemby/surveyor/pkg/envmanager"
	"github.com/cuemby/surveyor/pkg/log"
	"github.com/cuemby/surveyor/pkg/metrics"
	"github.com/cuemby/surveyor/pkg/resources"
	"github.com/cuemby/surveyor/pkg/storage"
	"github.com/cuemby/surveyor/pkg/supervisor"
	"github.com/cuemby/surveyor/pkg/types"
)

const pollInterval = 1 * time.Second

// Config configures a Loop.
type Config struct {
	RunnerID string
	CPUCores int
	MemBytes int64
	JobSlots int
}

// Loop is one runner process's outer poll loop.
type Loop struct {
	cfg        Config
	store      storage.Store
	resources  *resources.Manager
	env        *envmanager.Manager
	supervisor *supervisor.Supervisor
	cgroup     *cgroup.Handle
	logger     zerolog.Logger
}

// New wires a Loop. cgroupHandle is the runner's delegated cgroup
// subtree, already prepared with cpu/memory/io controllers enabled by
// AcquireCgroup.
func New(cfg Config, store storage.Store, driver *enginedriver.Driver, cgroupHandle *cgroup.Handle) *Loop {
	resourceManager := resources.NewManager(map[string]int64{
		"job": int64(cfg.JobSlots),
		"cpu": int64(cfg.CPUCores),
		"mem": cfg.MemBytes,
	})
	envManager := envmanager.New(driver, envmanager.DefaultBuildPoolWidth)
	return &Loop{
		cfg:        cfg,
		store:      store,
		resources:  resourceManager,
		env:        envManager,
		supervisor: supervisor.New(store, envManager, driver),
		cgroup:     cgroupHandle,
		logger:     log.WithRunnerID(cfg.RunnerID),
	}
}

// Resources exposes the loop's ResourceManager, for the metrics collector.
func (l *Loop) Resources() *resources.Manager { return l.resources }

// Run polls for runnable work until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info().
		Int64("cpu_cores", l.resources.Available("cpu")).
		Int64("mem_bytes", l.resources.Available("mem")).
		Int64("job_slots", l.resources.Available("job")).
		Msg("runner loop starting")

	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("runner loop stopping")
			return
		default:
		}

		if l.resources.Available("job") == 0 {
			time.Sleep(pollInterval)
			continue
		}

		if !l.tick(ctx) {
			time.Sleep(pollInterval)
		}
	}
}

// tick runs one poll-claim-admit-spawn cycle. It returns true if a task
// was spawned (so the caller need not sleep before the next tick).
func (l *Loop) tick(ctx context.Context) bool {
	task, err := l.store.FetchRunnable(int(l.resources.Available("cpu")), l.resources.Available("mem"))
	if err != nil {
		l.logger.Error().Err(err).Msg("failed to query for runnable task")
		return false
	}
	if task == nil {
		return false
	}

	suite, err := l.store.GetSuite(task.SuiteID)
	if err != nil {
		l.logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to load suite for runnable task")
		return false
	}

	acquired, err := l.store.AcquireTask(task.ID, l.cfg.RunnerID)
	if err != nil {
		// Lost the race to another runner (or to a concurrent reclaim):
		// not an error, just try again next tick.
		l.logger.Debug().Err(err).Int64("task_id", task.ID).Msg("could not acquire task")
		return false
	}

	loan, err := l.resources.Capture(map[string]int64{
		"cpu": int64(suite.Env.CPULimit),
		"mem": suite.Env.MemoryLimit,
		"job": 1,
	})
	if err != nil {
		l.logger.Error().Err(err).Int64("task_id", task.ID).Msg("failed to reserve resources for acquired task, abandoning")
		acquired.Abandon()
		if uerr := l.store.UpdateTask(acquired); uerr != nil {
			l.logger.Error().Err(uerr).Int64("task_id", task.ID).Msg("failed to commit abandoned task")
		}
		return false
	}

	go l.evaluate(ctx, acquired.ID, suite, loan)
	return true
}

// evaluate runs one task under the supervisor and releases its
// resource loan on exit, regardless of outcome.
func (l *Loop) evaluate(ctx context.Context, taskID int64, suite *types.BenchmarkSuite, loan *resources.Loan) {
	defer loan.Release()

	timer := metrics.NewTimer()
	err := l.supervisor.EvaluateTask(ctx, taskID, suite, l.cgroup)
	timer.ObserveDuration(metrics.TaskDuration)

	if err != nil {
		metrics.TasksEvaluatedTotal.WithLabelValues("error").Inc()
		l.logger.Error().Err(err).Int64("task_id", taskID).Msg("task evaluation returned an error")
		return
	}
	metrics.TasksEvaluatedTotal.WithLabelValues("ok").Inc()
}

// AcquireCgroup prepares the runner's delegated cgroup subtree: either
// a fresh systemd scope (useScope) or the current process's own
// cgroup, moved into a "manager" subgroup so subtree_control edits can
// be applied to the parent. The cpu, memory, and io controllers are
// enabled on the returned handle's subtree.
func AcquireCgroup(ctx context.Context, name string, useScope bool) (*cgroup.Handle, error) {
	var handle *cgroup.Handle
	var err error

	if useScope {
		handle, err = cgroup.CreateScope(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("create delegated scope: %w", err)
		}
	} else {
		current, err := cgroup.ProcessGroup()
		if err != nil {
			return nil, fmt.Errorf("read current cgroup: %w", err)
		}
		managerGroup, err := current.NewGroup("manager")
		if err != nil {
			return nil, fmt.Errorf("create manager subgroup: %w", err)
		}
		if err := managerGroup.AddProcess(os.Getpid()); err != nil {
			return nil, fmt.Errorf("move into manager subgroup: %w", err)
		}
		handle = current
	}

	if err := handle.EnableControllers("cpu", "memory", "io"); err != nil {
		return nil, fmt.Errorf("enable controllers: %w", err)
	}
	return handle, nil
}
