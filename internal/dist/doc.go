// Package dist is the cross-process distribution layer. The relay writes
// decoded ticks into a TTL'd Redis cache and publishes them per symbol, and
// listens for serving-process commands on a shared channel, writing each
// result under a correlation-id key. The serving side reads ticks, streams
// pushes, sends commands with a polling wait, and classifies relay health
// purely from the age of the health key.
//
// The store is eventually stale by design: TTL-bounded, last writer wins
// per key, no cross-process locks.
package dist
