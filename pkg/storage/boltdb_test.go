package storage_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/surveyor/pkg/storage"
	"github.com/cuemby/surveyor/pkg/types"
)

func newStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newSuite(tasks ...string) *types.BenchmarkSuite {
	taskPtrs := make([]*types.BenchmarkTask, len(tasks))
	for i, command := range tasks {
		taskPtrs[i] = &types.BenchmarkTask{Command: command, State: types.TaskStatePending}
	}
	return &types.BenchmarkSuite{
		Author: "tester",
		Env: &types.RuntimeEnv{
			Dockerfile:  "FROM alpine\n",
			CPULimit:    1,
			MemoryLimit: 1024,
		},
		Tasks: taskPtrs,
	}
}

func TestCreateAndGetSuite(t *testing.T) {
	store := newStore(t)
	suite := newSuite("echo one", "echo two")

	require.NoError(t, store.CreateSuite(suite))
	assert.NotZero(t, suite.ID)
	assert.Equal(t, suite.ID, suite.Env.ID)
	assert.Equal(t, suite.ID, suite.Env.SuiteID)
	for _, task := range suite.Tasks {
		assert.NotZero(t, task.ID)
		assert.Equal(t, suite.ID, task.SuiteID)
	}

	fetched, err := store.GetSuite(suite.ID)
	require.NoError(t, err)
	assert.Equal(t, suite.ID, fetched.ID)
	assert.Equal(t, "tester", fetched.Author)
	require.NotNil(t, fetched.Env)
	assert.Equal(t, suite.Env.Dockerfile, fetched.Env.Dockerfile)
	assert.Len(t, fetched.Tasks, 2)
}

func TestCreateSuiteDefaultsTaskStateToPending(t *testing.T) {
	store := newStore(t)
	suite := newSuite("echo hi")
	suite.Tasks[0].State = ""

	require.NoError(t, store.CreateSuite(suite))

	task, err := store.GetTask(suite.Tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatePending, task.State)
}

func TestGetSuiteNotFound(t *testing.T) {
	store := newStore(t)
	_, err := store.GetSuite(123)
	assert.Error(t, err)
}

func TestListSuitesOmitsTasks(t *testing.T) {
	store := newStore(t)
	for i := 0; i < 2; i++ {
		require.NoError(t, store.CreateSuite(newSuite("echo hi")))
	}

	suites, err := store.ListSuites()
	require.NoError(t, err)
	assert.Len(t, suites, 2)
	for _, suite := range suites {
		assert.Nil(t, suite.Tasks)
		assert.NotNil(t, suite.Env)
	}
}

func TestDeleteSuiteCascades(t *testing.T) {
	store := newStore(t)
	suite := newSuite("echo one", "echo two")
	require.NoError(t, store.CreateSuite(suite))

	require.NoError(t, store.DeleteSuite(suite.ID))

	_, err := store.GetSuite(suite.ID)
	assert.Error(t, err)
	for _, task := range suite.Tasks {
		_, err := store.GetTask(task.ID)
		assert.Error(t, err)
	}
}

func TestListTasksBySuiteAscendingByID(t *testing.T) {
	store := newStore(t)
	suiteA := newSuite("a1", "a2")
	require.NoError(t, store.CreateSuite(suiteA))
	suiteB := newSuite("b1")
	require.NoError(t, store.CreateSuite(suiteB))

	tasks, err := store.ListTasksBySuite(suiteA.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Less(t, tasks[0].ID, tasks[1].ID)
}

func TestSetSuiteTaskStatesPauseResume(t *testing.T) {
	store := newStore(t)
	suite := newSuite("a", "b")
	require.NoError(t, store.CreateSuite(suite))

	require.NoError(t, store.SetSuiteTaskStates(suite.ID, types.TaskStatePending, types.TaskStateCreated))
	tasks, err := store.ListTasksBySuite(suite.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, types.TaskStateCreated, task.State)
	}

	require.NoError(t, store.SetSuiteTaskStates(suite.ID, types.TaskStateCreated, types.TaskStatePending))
	tasks, err = store.ListTasksBySuite(suite.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, types.TaskStatePending, task.State)
	}
}

func TestFetchRunnablePrefersAscendingPending(t *testing.T) {
	store := newStore(t)
	suite := newSuite("first", "second")
	require.NoError(t, store.CreateSuite(suite))

	task, err := store.FetchRunnable(4, 1<<30)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, suite.Tasks[0].ID, task.ID)
}

func TestFetchRunnableSkipsEnvsThatDontFit(t *testing.T) {
	store := newStore(t)
	heavy := newSuite("big")
	heavy.Env.CPULimit = 8
	heavy.Env.MemoryLimit = 1 << 40
	require.NoError(t, store.CreateSuite(heavy))

	light := newSuite("small")
	require.NoError(t, store.CreateSuite(light))

	task, err := store.FetchRunnable(2, 1<<20)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, light.Tasks[0].ID, task.ID)
}

func TestFetchRunnableReturnsNilWhenNothingRunnable(t *testing.T) {
	store := newStore(t)
	task, err := store.FetchRunnable(4, 1<<30)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestFetchRunnableFallsBackToStaleAssigned(t *testing.T) {
	store := newStore(t)
	suite := newSuite("only")
	require.NoError(t, store.CreateSuite(suite))

	task := suite.Tasks[0]
	task.State = types.TaskStateAssigned
	task.Assignee = "runner-x"
	stale := time.Now().UTC().Add(-(types.StaleAssignmentWindow + time.Minute))
	task.UpdatedAt = &stale
	require.NoError(t, store.UpdateTask(task))

	found, err := store.FetchRunnable(4, 1<<30)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, task.ID, found.ID)
}

func TestFetchRunnableIgnoresFreshAssigned(t *testing.T) {
	store := newStore(t)
	suite := newSuite("only")
	require.NoError(t, store.CreateSuite(suite))

	task := suite.Tasks[0]
	task.State = types.TaskStateAssigned
	task.Assignee = "runner-x"
	now := time.Now().UTC()
	task.UpdatedAt = &now
	require.NoError(t, store.UpdateTask(task))

	found, err := store.FetchRunnable(4, 1<<30)
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestAcquireTaskClaimsPendingTask(t *testing.T) {
	store := newStore(t)
	suite := newSuite("only")
	require.NoError(t, store.CreateSuite(suite))

	task, err := store.AcquireTask(suite.Tasks[0].ID, "runner-1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateAssigned, task.State)
	assert.Equal(t, "runner-1", task.Assignee)
}

func TestAcquireTaskRejectsAlreadyAssigned(t *testing.T) {
	store := newStore(t)
	suite := newSuite("only")
	require.NoError(t, store.CreateSuite(suite))

	_, err := store.AcquireTask(suite.Tasks[0].ID, "runner-1")
	require.NoError(t, err)

	_, err = store.AcquireTask(suite.Tasks[0].ID, "runner-2")
	assert.Error(t, err)
}

func TestAcquireTaskAllowsReclaimOfStaleAssignment(t *testing.T) {
	store := newStore(t)
	suite := newSuite("only")
	require.NoError(t, store.CreateSuite(suite))

	task := suite.Tasks[0]
	task.State = types.TaskStateAssigned
	task.Assignee = "runner-1"
	stale := time.Now().UTC().Add(-(types.StaleAssignmentWindow + time.Minute))
	task.UpdatedAt = &stale
	require.NoError(t, store.UpdateTask(task))

	reclaimed, err := store.AcquireTask(task.ID, "runner-2")
	require.NoError(t, err)
	assert.Equal(t, "runner-2", reclaimed.Assignee)
}

func TestUpdateTaskPersists(t *testing.T) {
	store := newStore(t)
	suite := newSuite("only")
	require.NoError(t, store.CreateSuite(suite))

	task := suite.Tasks[0]
	task.Finish(0, "done", &types.TaskStats{WallTime: 10}, map[string]any{"ok": true})
	require.NoError(t, store.UpdateTask(task))

	fetched, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStateEvaluated, fetched.State)
	assert.Equal(t, "done", fetched.Output)
}
