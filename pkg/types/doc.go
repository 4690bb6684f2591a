/*
Package types defines the data model shared by the storage layer, the
task supervisor, the environment manager, and the HTTP API: benchmark
suites, their runtime environment, and the tasks run inside it.

# State machine

A BenchmarkTask moves through:

	created  <-> pending   (admin pause/resume)
	pending  ->  assigned  (a runner claims it)
	assigned ->  pending   (abandoned)
	assigned ->  assigned  (reclaimed by another runner after a stale window)
	assigned ->  evaluated (finished, successfully or not)

Cancellation (-> cancelled) is not driven by the runner; it is an
external, admin-initiated transition.

Invariants:

  - A task in TaskStateAssigned always has a non-empty Assignee and
    non-nil AssignedAt/UpdatedAt.
  - Any transition out of TaskStateAssigned back to TaskStatePending
    clears all three.
  - ExitCode, Output, Stats, and Result are only ever written by Finish.
*/
package types
