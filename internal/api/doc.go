// This package provides:
//   - REST endpoints to list, start, stop and restart remote instances
//   - Producer endpoints over the cross-process request queue
//   - A WebSocket hub streaming instance status transitions
//   - Bearer JWT authentication with role permissions
//   - An audit trail of operator actions (GET /audit)
//   - Middleware stack (request ID, logging, recovery, CORS)
//
// # Security
//
// Every route except /health, /metrics and the WebSocket upgrade requires an
// HS256 service token (see package auth). The WebSocket handler validates the
// same token itself, from the Authorization header or the token query
// parameter.
//
// # Graceful Degradation
//
// MQTT and InfluxDB are optional. Without them /metrics reports them as
// disconnected and everything else works.
package api
