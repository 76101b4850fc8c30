// Package mqtt publishes HA Link notifications to the site MQTT broker.
//
// The worker uses it for two things: retained per-instance connection status
// (halink/instance/{id}/status) and local registry change notifications
// (halink/instance/{id}/registry/{kind}/{id}). The broker sees an offline
// status through the Last Will if the worker dies.
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	err = client.PublishJSON(client.Topics().InstanceStatus(3), transition, true)
package mqtt
