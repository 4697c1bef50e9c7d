// Package pool
// Author: momentics <momentics@gmail.com>
//
// Memory layer for the websocket client.
// Recycles per-connection read buffers through size-keyed sync.Pool wrappers.
// default.go keeps one pool per buffer size for the whole process.
package pool
