// Package client is the typed HTTP client the CLI uses to talk to a
// running daemon. Error responses are decoded back into the typed
// error taxonomy so command code can branch on kinds.
package client
