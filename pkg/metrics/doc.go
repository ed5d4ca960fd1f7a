// Package metrics defines and registers FlexSim's Prometheus metrics:
// component and pool counts, API request rates and latency, token
// issuance, plan generation and I/O latency, rebuild progress, and the
// overall cluster health score. Metrics are exposed over HTTP via
// Handler for scraping.
package metrics
