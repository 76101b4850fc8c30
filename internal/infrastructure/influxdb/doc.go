// Package influxdb records HA Link telemetry in InfluxDB v2.
//
// Three measurements are written:
//   - halink_session: connection status transitions per instance
//   - halink_queue: enqueue-to-terminal latency per request type
//   - halink_registry_sync: created/updated/failed tallies per bulk sync
//
// Writes are non-blocking and batched by the client library. A nil *Client
// is valid and drops every point, which is how the worker runs when
// influxdb.enabled is false.
//
// Usage:
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    client = nil
//	}
//	client.RecordSessionState(3, "connected", 0)
package influxdb
