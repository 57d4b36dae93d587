// Package metrics exposes relay statistics as Prometheus collectors over
// an HTTP endpoint. A collector loop samples the latest health snapshot so
// component code never touches Prometheus directly.
package metrics
