// Package pool moves inbound frames off the read path onto bounded worker
// queues. The bridge accepts frames without ever blocking the producer:
// when a queue is full the oldest entry is evicted so the newest is kept.
// Processor errors and panics are counted per message and never kill a
// worker.
package pool
