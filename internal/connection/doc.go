// Package connection owns the single upstream socket: WebSocket transport,
// STOMP handshake, heartbeats, and the reconnect state machine. The Manager
// holds exactly one live Client at a time; a replacement Client is created
// on every reconnect and previously active subscriptions are replayed before
// the connection reports Connected again.
package connection
