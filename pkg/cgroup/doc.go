/*
Package cgroup represents nodes in the host's unified cgroup v2
hierarchy (conventionally rooted at /sys/fs/cgroup) and the handful of
operations the runner needs from it: delegating a scope from systemd,
creating measurement subgroups, enabling controllers, adding processes,
and reading accounting files.

It is a thin, literal translation of the filesystem contract cgroup v2
exposes — there is no daemon, no caching, every call is a direct read
or write under the group's directory. Scope creation is the one
operation that leaves the filesystem: it asks systemd (over D-Bus) to
create and delegate a transient unit, mirroring what a "systemd-run
--scope" invocation does on the command line.
*/
package cgroup
