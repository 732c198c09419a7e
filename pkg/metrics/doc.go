/*
Package metrics exposes prometheus instrumentation for the orchestrator.

Collectors are declared as package variables and registered in init().
Counters and histograms (submissions, completions, dispatch latency,
task durations, preemptions) are incremented at their sources; the
Collector loop polls the components every 15s for point-in-time gauges
(queue depth, running tasks, current strategy, resource usage, live
locks and sessions). Handler returns the promhttp handler mounted at
/metrics by pkg/api.
*/
package metrics
