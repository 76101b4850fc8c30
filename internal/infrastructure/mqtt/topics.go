package mqtt

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultTopicPrefix is used when the config leaves topic_prefix empty.
const DefaultTopicPrefix = "halink"

// Topics builds HA Link MQTT topics under a common prefix.
//
//	topics := mqtt.NewTopics("halink")
//	topics.InstanceStatus(3)              // halink/instance/3/status
//	topics.RegistryChange(3, "area", "k") // halink/instance/3/registry/area/k
type Topics struct {
	Prefix string
}

// NewTopics returns a builder for prefix, falling back to DefaultTopicPrefix.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{Prefix: prefix}
}

func (t Topics) prefix() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// SystemStatus is the worker's online/offline topic (retained, LWT target).
//
// Example: halink/system/status
func (t Topics) SystemStatus() string {
	return t.prefix() + "/system/status"
}

// InstanceStatus carries connection status transitions for one instance.
//
// Example: halink/instance/3/status
func (t Topics) InstanceStatus(instanceID int64) string {
	return fmt.Sprintf("%s/instance/%d/status", t.prefix(), instanceID)
}

// RegistryChange announces a local change to a mirrored registry object.
// Object IDs are sanitised so MQTT wildcards cannot appear in the topic.
//
// Example: halink/instance/3/registry/device/abc123
func (t Topics) RegistryChange(instanceID int64, kind, objectID string) string {
	return fmt.Sprintf("%s/instance/%d/registry/%s/%s", t.prefix(), instanceID, kind, sanitiseLevel(objectID))
}

// AllInstanceStatus matches every instance status topic.
//
// Pattern: halink/instance/+/status
func (t Topics) AllInstanceStatus() string {
	return t.prefix() + "/instance/+/status"
}

// AllRegistryChanges matches every registry change for one instance.
//
// Pattern: halink/instance/3/registry/#
func (t Topics) AllRegistryChanges(instanceID int64) string {
	return fmt.Sprintf("%s/instance/%d/registry/#", t.prefix(), instanceID)
}

// ParseInstanceStatus extracts the instance ID from an InstanceStatus topic.
func (t Topics) ParseInstanceStatus(topic string) (int64, bool) {
	rest, ok := strings.CutPrefix(topic, t.prefix()+"/instance/")
	if !ok {
		return 0, false
	}
	idPart, ok := strings.CutSuffix(rest, "/status")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func sanitiseLevel(s string) string {
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}
