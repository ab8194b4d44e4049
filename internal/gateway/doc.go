// Package gateway wires relaygram's components together and runs the HTTP
// server.
//
// New builds, in order: the SQLite store, the cached identity service, the
// settings gate, one transport client per adapter, the operator command
// handler, the Prometheus registry and the relay engine. The resulting mux
// serves:
//
//	POST /events/remote    remote adapter updates
//	POST /events/local     local adapter updates
//	GET  /health           liveness
//	GET  /health/ready     database reachable
//	GET  /metrics          when metrics.enabled
//
// Run blocks until its context is canceled, then shuts the server down and
// closes the store.
package gateway
