/*
Package supervisor implements the per-task state machine: claim an
already-assigned task's environment image, build a two-level cgroup
hierarchy around a fresh container, run the container to completion (or
to a resource-limit timeout), collect its statistics and artifact, and
commit the outcome.

The two-level cgroup split separates measurement from isolation: a
task{id} group carries the cpu and memory controllers used for
accounting, and a leaf "benchmark" group underneath it is what the
container actually runs in, with no controllers delegated into it.
That way an OOM kill inside the container's memory.max boundary does
not also tear down the supervising group that is reading the final
stats back out.
*/
package supervisor
