// Package auth provides service authentication for the HA Link API.
//
// Callers authenticate with HS256 service tokens carrying one of three roles:
//   - reader: instance status and request polling
//   - producer: reader plus queue submission
//   - operator: producer plus start/stop/restart
//
// The role-permission mapping is static; there is no user database.
//
// The package also derives Argon2id connection fingerprints, which let the
// worker and halinkctl detect config drift without exchanging credentials.
package auth
