// Package telemetry provides structured logging and metrics for the
// Windlass engine. Logging wraps zerolog with component child loggers
// and context propagation; metrics expose Prometheus counters and
// histograms for resource transitions and state-store operations.
package telemetry
