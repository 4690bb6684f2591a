// Package types defines the shared data model of the benchmarking
// service: benchmark suites, their runtime environment, and the tasks
// run inside that environment.
package types

import "time"

// BenchmarkSuite groups a runtime environment with the tasks run under it.
type BenchmarkSuite struct {
	ID          int64
	CreatedAt   time.Time
	Author      string
	Description string
	Env         *RuntimeEnv
	Tasks       []*BenchmarkTask
}

// CompletedTaskCount returns the number of tasks in a terminal state.
func (s *BenchmarkSuite) CompletedTaskCount() int {
	n := 0
	for _, t := range s.Tasks {
		if t.State == TaskStateEvaluated || t.State == TaskStateCancelled {
			n++
		}
	}
	return n
}

// AssignedTaskCount returns the number of tasks currently claimed by a runner.
func (s *BenchmarkSuite) AssignedTaskCount() int {
	n := 0
	for _, t := range s.Tasks {
		if t.State == TaskStateAssigned {
			n++
		}
	}
	return n
}

// RuntimeEnv describes how to build the container image a suite's tasks
// run inside, and the per-task resource limits enforced on that image.
type RuntimeEnv struct {
	ID      int64
	SuiteID int64

	Dockerfile string
	Params     map[string]string

	// CPULimit is a core count (integer, >= 1).
	CPULimit int
	// MemoryLimit is in bytes.
	MemoryLimit int64
	// CPUTimeLimit and WallClockTimeLimit are in seconds.
	CPUTimeLimit       int
	WallClockTimeLimit int
}

// TaskState is the BenchmarkTask state machine position.
type TaskState string

const (
	// TaskStateCreated parks a task outside of scheduling (suite paused).
	TaskStateCreated TaskState = "created"
	// TaskStatePending makes a task eligible for a runner to claim.
	TaskStatePending TaskState = "pending"
	// TaskStateAssigned marks a task claimed by a runner.
	TaskStateAssigned TaskState = "assigned"
	// TaskStateEvaluated is the terminal "ran to completion" bookkeeping state.
	TaskStateEvaluated TaskState = "evaluated"
	// TaskStateCancelled is the terminal user-initiated state.
	TaskStateCancelled TaskState = "cancelled"
)

// StaleAssignmentWindow is how long an assigned task may go without a poke
// before another runner is allowed to reclaim it.
const StaleAssignmentWindow = 5 * time.Minute

// BenchmarkTask is a single shell command benchmarked within a suite.
type BenchmarkTask struct {
	ID      int64
	SuiteID int64

	Command string
	State   TaskState

	AssignedAt *time.Time
	UpdatedAt  *time.Time
	Assignee   string

	ExitCode    *int
	BuildOutput string
	Output      string
	Stats       *TaskStats
	Result      map[string]any
}

// TaskStats is the structured statistics blob the supervisor records
// alongside a finished task.
type TaskStats struct {
	CPUTime       int64          `json:"cpuTime"`
	UserTime      int64          `json:"userTime"`
	SystemTime    int64          `json:"systemTime"`
	WallTime      int64          `json:"wallTime"`
	OutOfMemory   bool           `json:"outOfMemory"`
	Timeout       bool           `json:"timeout"`
	MemStat       map[string]int64 `json:"memStat,omitempty"`
	CPUStatRaw    map[string]int64 `json:"cpuStatRaw,omitempty"`
	MemUsage      int64          `json:"memUsage"`
	ArtefactError string         `json:"artefactError,omitempty"`
}

// Acquire transitions the task into the assigned state for the given runner.
func (t *BenchmarkTask) Acquire(assignee string) {
	now := time.Now().UTC()
	t.State = TaskStateAssigned
	t.Assignee = assignee
	t.AssignedAt = &now
	t.UpdatedAt = &now
}

// Abandon returns the task to pending, clearing assignment bookkeeping.
func (t *BenchmarkTask) Abandon() {
	t.State = TaskStatePending
	t.AssignedAt = nil
	t.UpdatedAt = nil
	t.Assignee = ""
}

// Poke refreshes updatedAt and, if output is non-nil, the partial output
// collected so far. It is the supervisor's proof-of-life write.
func (t *BenchmarkTask) Poke(output *string) {
	now := time.Now().UTC()
	t.UpdatedAt = &now
	if output != nil {
		t.Output = *output
	}
}

// Finish marks the task evaluated and records its final outcome.
func (t *BenchmarkTask) Finish(exitCode int, output string, stats *TaskStats, result map[string]any) {
	t.State = TaskStateEvaluated
	t.ExitCode = &exitCode
	t.Output = output
	t.Stats = stats
	t.Result = result
}

// IsStale reports whether an assigned task's proof-of-life has lapsed,
// making it eligible for reclamation by another runner.
func (t *BenchmarkTask) IsStale(now time.Time) bool {
	if t.State != TaskStateAssigned || t.UpdatedAt == nil {
		return false
	}
	return t.UpdatedAt.Before(now.Add(-StaleAssignmentWindow))
}
