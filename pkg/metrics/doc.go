// Package metrics defines the Prometheus collectors recorded by the scan
// pipeline, planner, apply executor and snapshot store. Collectors are
// registered at init; exposition is left to the embedding process.
package metrics
