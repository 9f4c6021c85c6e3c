// Package metricsfile hands the probe outcome to a node-exporter
// textfile collector: one Prometheus text exposition, atomically
// replaced per run. The exit status stays the authoritative signal; the
// exposition only adds trend visibility.
package metricsfile
