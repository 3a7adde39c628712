// Package api implements the HTTP REST API and WebSocket server for Hearth Core.
//
// This package provides:
//   - REST endpoints for the config entry lifecycle (create, reload, reauth,
//     reconfigure, enable/disable, options, removal)
//   - Registry record queries with confirmed removal
//   - WebSocket hub relaying lifecycle and refresh events in real time
//   - JWT authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS)
//   - TLS support for production deployments
//
// # Architecture
//
// The API server sits between operator interfaces and the entry manager.
// Every write goes through the manager so state transitions, retry
// scheduling, and registry side effects stay in one place; the server holds
// no lifecycle state of its own. Events published on the internal bus are
// relayed to WebSocket clients subscribed to the matching channel, so a UI
// sees an entry move through setup without polling.
//
// # Security
//
// Authentication uses JWT bearer tokens issued by POST /auth/login against
// the configured operator credentials. WebSocket connections use single-use
// tickets so tokens never appear in URLs. The Prometheus scrape endpoint is
// the only other unauthenticated route besides health and login.
package api
