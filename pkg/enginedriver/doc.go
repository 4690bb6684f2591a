/*
Package enginedriver is a stateless façade over an external container
engine, invoked as subprocesses. It talks to whatever is configured via
Config.Binary (podman by default) using its conventional CLI surface:
build, container create/start/stop/rm, inspect, and logs.

Every call is synchronous except BuildImage with a non-nil log
callback, which streams the build's combined output line by line until
the child process exits.

Some engine versions refuse a directly-passed --cgroup-parent for a
delegated scope (see https://github.com/containers/podman/issues/10173).
When Config.CgroupParentWorkaround is set, container creation and start
instead launch the engine binary with SysProcAttr.UseCgroupFD set to an
open file descriptor on the target cgroup directory, placing the new
process into that cgroup atomically at clone time; when unset,
--cgroup-parent is passed directly.
*/
package enginedriver
