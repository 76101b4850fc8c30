package registrysync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-halink/internal/infrastructure/mqtt"
)

// Requester sends one-shot commands to the controller.
type Requester interface {
	SendJSON(ctx context.Context, msgType string, v any, out any) error
}

// Fetcher reads registry objects from the controller.
type Fetcher interface {
	// List returns the raw records of kind.
	List(ctx context.Context, kind Kind) ([]json.RawMessage, error)
}

// RemoteFetcher lists registries over the session.
type RemoteFetcher struct {
	req Requester
}

// NewRemoteFetcher creates a fetcher over req.
func NewRemoteFetcher(req Requester) *RemoteFetcher {
	return &RemoteFetcher{req: req}
}

// List sends config/<kind>_registry/list.
func (f *RemoteFetcher) List(ctx context.Context, kind Kind) ([]json.RawMessage, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	var records []json.RawMessage
	if err := f.req.SendJSON(ctx, kind.ListCommand(), nil, &records); err != nil {
		return nil, fmt.Errorf("listing %s registry: %w", kind, err)
	}
	return records, nil
}

// fetchOne lists kind and selects the record with key's ID.
func fetchOne(ctx context.Context, f Fetcher, key Key) (Object, error) {
	records, err := f.List(ctx, key.Kind)
	if err != nil {
		return Object{}, err
	}
	for _, raw := range records {
		obj, err := decodeObject(key.Kind, raw)
		if err != nil {
			continue
		}
		if obj.ID == key.ID {
			return obj, nil
		}
	}
	return Object{}, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
}

// ChangeNotifier announces local mirror changes.
type ChangeNotifier interface {
	RegistryChanged(instanceID int64, key Key, change Change)
}

// JSONPublisher is the part of the MQTT client the change notifier uses.
type JSONPublisher interface {
	PublishJSON(topic string, v any, retained bool) error
	IsConnected() bool
}

// ChangeMessage is the MQTT payload of a registry change notification.
type ChangeMessage struct {
	InstanceID int64     `json:"instance_id"`
	Kind       Kind      `json:"kind"`
	ID         string    `json:"id"`
	Action     Change    `json:"action"`
	At         time.Time `json:"at"`
}

// MQTTNotifier publishes change notifications on the instance's registry
// topics.
type MQTTNotifier struct {
	client JSONPublisher
	topics mqtt.Topics
	logger Logger
	now    func() time.Time
}

// NewMQTTNotifier creates an MQTT change notifier.
func NewMQTTNotifier(client JSONPublisher, topics mqtt.Topics) *MQTTNotifier {
	return &MQTTNotifier{client: client, topics: topics, logger: noopLogger{}, now: time.Now}
}

// SetLogger sets the logger.
func (n *MQTTNotifier) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	n.logger = logger
}

// RegistryChanged publishes the change, dropping it while the broker is down.
func (n *MQTTNotifier) RegistryChanged(instanceID int64, key Key, change Change) {
	if n.client == nil || !n.client.IsConnected() {
		return
	}
	msg := ChangeMessage{
		InstanceID: instanceID,
		Kind:       key.Kind,
		ID:         key.ID,
		Action:     change,
		At:         n.now().UTC(),
	}
	topic := n.topics.RegistryChange(instanceID, string(key.Kind), key.ID)
	if err := n.client.PublishJSON(topic, msg, false); err != nil {
		n.logger.Warn("publishing registry change failed",
			"instance_id", instanceID,
			"key", key.String(),
			"error", err,
		)
	}
}
