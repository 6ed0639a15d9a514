// Package metrics defines the Prometheus instrumentation for the sync
// engine: capture counts, delivery outcomes, queue depth, and the sync
// health counter that diagnostics use to observe permanent failures without
// interrupting the user experience.
package metrics
