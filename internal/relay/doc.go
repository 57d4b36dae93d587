// Package relay assembles the tick relay daemon: upstream STOMP connection,
// subscription registry, shared-topic multiplexer, worker pool, and the
// Redis distribution layer. One service goroutine owns all registry and
// connection mutations; workers only process ticks.
package relay
