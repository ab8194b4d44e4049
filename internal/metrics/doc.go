// Package metrics exposes relay counters in Prometheus format.
package metrics
