package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementSession = "halink_session"
	measurementQueue   = "halink_queue"
	measurementSync    = "halink_registry_sync"
)

// RecordSessionState records a connection status transition for an instance.
// failures is the consecutive failure count at the time of the transition.
func (c *Client) RecordSessionState(instanceID int64, state string, failures int) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(sessionPoint(instanceID, state, failures, time.Now()))
}

// RecordQueueOutcome records how long a queued request took from enqueue to
// its terminal state.
func (c *Client) RecordQueueOutcome(instanceID int64, messageType, state string, latency time.Duration, events int) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(queuePoint(instanceID, messageType, state, latency, events, time.Now()))
}

// RecordSyncTally records the result of a bulk registry sync for one kind.
func (c *Client) RecordSyncTally(instanceID int64, kind string, created, updated, failed int) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(syncPoint(instanceID, kind, created, updated, failed, time.Now()))
}

// WritePoint writes a custom point.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

func instanceTag(id int64) string {
	return strconv.FormatInt(id, 10)
}

func sessionPoint(instanceID int64, state string, failures int, at time.Time) *write.Point {
	return write.NewPoint(measurementSession,
		map[string]string{"instance_id": instanceTag(instanceID), "state": state},
		map[string]any{"failures": failures},
		at,
	)
}

func queuePoint(instanceID int64, messageType, state string, latency time.Duration, events int, at time.Time) *write.Point {
	return write.NewPoint(measurementQueue,
		map[string]string{"instance_id": instanceTag(instanceID), "message_type": messageType, "state": state},
		map[string]any{"latency_ms": latency.Milliseconds(), "events": events},
		at,
	)
}

func syncPoint(instanceID int64, kind string, created, updated, failed int, at time.Time) *write.Point {
	return write.NewPoint(measurementSync,
		map[string]string{"instance_id": instanceTag(instanceID), "kind": kind},
		map[string]any{"created": created, "updated": updated, "failed": failed},
		at,
	)
}
