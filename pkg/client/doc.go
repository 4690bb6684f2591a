/*
Package client is a thin HTTP client over pkg/api, used by
cmd/surveyor-cli. It exists so that suite creation from the CLI goes
through the same single writer path as every other client instead of
opening a second connection to the store.
*/
package client
