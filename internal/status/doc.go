// Package status is the connection status notification channel.
//
// Session state changes are mapped to the user-facing statuses connecting,
// connected, disconnected, reconnecting and error, then fanned out to
// whatever needs them: retained MQTT messages, the API's WebSocket stream,
// InfluxDB and the log. The only guarantee is that one instance's
// transitions arrive in the order they happened.
package status
