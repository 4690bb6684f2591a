package types_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/surveyor/pkg/types"
)

func TestTaskAcquireSetsAssignment(t *testing.T) {
	task := &types.BenchmarkTask{State: types.TaskStatePending}

	task.Acquire("runner-1")

	assert.Equal(t, types.TaskStateAssigned, task.State)
	assert.Equal(t, "runner-1", task.Assignee)
	assert.NotNil(t, task.AssignedAt)
	assert.NotNil(t, task.UpdatedAt)
	assert.True(t, !task.UpdatedAt.Before(*task.AssignedAt))
}

func TestTaskAbandonClearsAssignment(t *testing.T) {
	task := &types.BenchmarkTask{State: types.TaskStatePending}
	task.Acquire("runner-1")

	task.Abandon()

	assert.Equal(t, types.TaskStatePending, task.State)
	assert.Empty(t, task.Assignee)
	assert.Nil(t, task.AssignedAt)
	assert.Nil(t, task.UpdatedAt)
}

func TestTaskPokeUpdatesOutputWhenGiven(t *testing.T) {
	task := &types.BenchmarkTask{State: types.TaskStateAssigned}
	before := task.UpdatedAt

	output := "partial log"
	task.Poke(&output)

	assert.NotEqual(t, before, task.UpdatedAt)
	assert.Equal(t, output, task.Output)
}

func TestTaskPokePreservesOutputWhenNil(t *testing.T) {
	task := &types.BenchmarkTask{State: types.TaskStateAssigned, Output: "existing"}

	task.Poke(nil)

	assert.Equal(t, "existing", task.Output)
}

func TestTaskFinishSetsTerminalState(t *testing.T) {
	task := &types.BenchmarkTask{State: types.TaskStateAssigned}
	stats := &types.TaskStats{WallTime: 42}
	result := map[string]any{"ok": true}

	task.Finish(0, "done", stats, result)

	assert.Equal(t, types.TaskStateEvaluated, task.State)
	assert.Equal(t, 0, *task.ExitCode)
	assert.Equal(t, "done", task.Output)
	assert.Equal(t, stats, task.Stats)
	assert.Equal(t, result, task.Result)
}

func TestTaskIsStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	fresh := now.Add(-1 * time.Minute)
	task := &types.BenchmarkTask{State: types.TaskStateAssigned, UpdatedAt: &fresh}
	assert.False(t, task.IsStale(now))

	stale := now.Add(-(types.StaleAssignmentWindow + time.Minute))
	task.UpdatedAt = &stale
	assert.True(t, task.IsStale(now))
}

func TestTaskIsStaleOnlyAppliesToAssigned(t *testing.T) {
	now := time.Now()
	stale := now.Add(-(types.StaleAssignmentWindow + time.Minute))

	task := &types.BenchmarkTask{State: types.TaskStatePending, UpdatedAt: &stale}
	assert.False(t, task.IsStale(now))
}

func TestSuiteTaskCounts(t *testing.T) {
	suite := &types.BenchmarkSuite{
		Tasks: []*types.BenchmarkTask{
			{State: types.TaskStatePending},
			{State: types.TaskStateAssigned},
			{State: types.TaskStateAssigned},
			{State: types.TaskStateEvaluated},
			{State: types.TaskStateCancelled},
		},
	}

	assert.Equal(t, 2, suite.AssignedTaskCount())
	assert.Equal(t, 2, suite.CompletedTaskCount())
}
