// Package observability provides structured logging and Prometheus metrics
// for the vecino services.
package observability
