// Package cli implements the changeset command line.
//
// Commands load CUE resource definitions from a directory, compile or run
// actions against a configured backend and inspect the notification outbox.
// Global settings come from flags layered over an optional config.yaml.
package cli
