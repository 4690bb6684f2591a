package storage

import "github.com/cuemby/surveyor/pkg/types"

// Store is the persistence surface the runner and the HTTP API use. It
// is treated as a transactional key/value plus query surface rather
// than a relational engine with its own query language, so
// FetchRunnable and the suite-scoped bulk updates below do their own
// filtering/ordering over the stored rows.
type Store interface {
	// Suites
	CreateSuite(suite *types.BenchmarkSuite) error
	GetSuite(id int64) (*types.BenchmarkSuite, error)
	ListSuites() ([]*types.BenchmarkSuite, error)
	DeleteSuite(id int64) error

	// Tasks
	GetTask(id int64) (*types.BenchmarkTask, error)
	ListTasksBySuite(suiteID int64) ([]*types.BenchmarkTask, error)
	UpdateTask(task *types.BenchmarkTask) error

	// SetSuiteTaskStates bulk-transitions every task of a suite currently
	// in `from` to `to`. Used by pause (pending->created) and resume
	// (created->pending).
	SetSuiteTaskStates(suiteID int64, from, to types.TaskState) error

	// FetchRunnable returns the next task a runner with the given spare
	// capacity should work on: ascending task id, pending first, then
	// stale-assigned (reclamation). Returns nil, nil if nothing is
	// runnable.
	FetchRunnable(availableCores int, availableMemory int64) (*types.BenchmarkTask, error)

	// AcquireTask atomically transitions a task from pending (or stale
	// assigned) to assigned for the given runner. Returns an error if the
	// task was claimed by someone else first.
	AcquireTask(taskID int64, runnerID string) (*types.BenchmarkTask, error)

	Close() error
}
