/*
Package envmanager turns a RuntimeEnv into a ready container image,
building it on demand and de-duplicating concurrent build requests for
the same environment within one runner process.

Concurrent requests for the same environment are coalesced into a
single build: whichever goroutine observes no build in flight starts
one on a bounded worker pool and hands back a channel that resolves
once with the result; any goroutine that observes a build already in
flight gets a channel backed by that same in-flight build, so every
waiter sees the same outcome without starting a redundant build.
*/
package envmanager
