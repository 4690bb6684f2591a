/*
Package api exposes the benchmarking service's HTTP surface: suite CRUD,
pause/resume/delete, and per-task detail. It is a plain net/http
ServeMux-based JSON API, not a gRPC service — there is no cluster
membership or leader-forwarding concern here, just a single store shared
by every runner and every client.

Routes:

	GET  /api/suites               list suites
	POST /api/suites               create a suite (and its pending tasks)
	GET  /api/suites/{id}          suite detail, tasks included
	GET  /api/suites/{id}/results  suite detail, same shape as above
	POST /api/suites/{id}/pause    pending -> created for this suite's tasks
	POST /api/suites/{id}/resume   created -> pending for this suite's tasks
	POST /api/suites/{id}/delete   cascade delete
	GET  /api/tasks/{id}           task detail, output/buildOutput truncated

The suite author is taken from the AUTH_USER request header, defaulting
to "web" when absent.
*/
package api
