// Package monitor discovers live broadcasts on the configured channels and
// relays them.
//
// A single Scanner walks the channels round-robin with one authenticated
// session. When a channel shows its live surface the scanner claims the
// channel, picks a fresh stream id and hands a WorkerSpec to a Spawner; it
// also mines the channel's recent chat for announced streams on every visit.
//
// Each Worker owns its own session and capture device for the lifetime of one
// broadcast: Authenticating, LocatingSurface, Relaying, Draining, Terminated.
// Any error other than the stream ending restarts the worker from
// Authenticating; teardown (relay kill, store cleanup, logout) runs on every
// exit.
//
// Scanner and workers share nothing but the coordination store.
package monitor
