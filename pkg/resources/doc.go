/*
Package resources implements the runner's admission controller: a
bounded counter bank over a small set of named resources (job slots,
CPU cores, memory bytes). Capture is a scoped acquisition — it either
grants every requested amount atomically or grants none of it, and the
caller releases the whole loan in one call when its scope ends.
*/
package resources
