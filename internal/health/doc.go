// Package health samples component statistics on a fixed cadence, classifies
// each metric against configured thresholds, and keeps a bounded snapshot
// history. Critical status triggers rate-limited auto-recovery actions.
package health
