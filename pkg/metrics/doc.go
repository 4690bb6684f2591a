/*
Package metrics provides Prometheus metrics collection and exposition
for the benchmarking service, plus a small component health registry.
No code outside this package's tests registers components with it; the
API server's probes are served by pkg/api's own HealthServer.

Metrics:

	surveyor_suites_total                         gauge
	surveyor_tasks_total{state}                    gauge
	surveyor_resource_available{resource}          gauge
	surveyor_tasks_evaluated_total{outcome}        counter
	surveyor_task_duration_seconds                 histogram
	surveyor_environment_builds_total{outcome}     counter
	surveyor_environment_build_duration_seconds    histogram
	surveyor_gc_images_removed_total               counter

Collector samples suite/task counts and runner resource availability
from the store on a fixed interval; everything else is updated inline
by the code paths that produce it (the runner loop, the environment
manager, gc).

Health registry: components register themselves with RegisterComponent
and flip with UpdateComponent; GetHealth/GetReadiness/HealthHandler/
ReadyHandler/LivenessHandler expose the aggregate over HTTP. Readiness
treats "store" and "engine" as critical: until both have registered
healthy, GetReadiness reports not_ready.
*/
package metrics
