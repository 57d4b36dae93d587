// Package model defines the shared data types that cross component
// boundaries: ticks decoded from upstream MESSAGE frames, commands and
// results exchanged over the cross-process command channel, and health
// snapshots produced by the monitor.
package model
