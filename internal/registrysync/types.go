package registrysync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nerrad567/gray-logic-halink/internal/remote"
)

// Domain errors.
var (
	ErrUnknownKind    = errors.New("registrysync: unknown registry kind")
	ErrInvalidKey     = errors.New("registrysync: invalid object key")
	ErrInvalidObject  = errors.New("registrysync: invalid registry object")
	ErrObjectNotFound = errors.New("registrysync: object not found")
)

// Kind is a registry kind mirrored from the controller.
type Kind string

// Registry kinds.
const (
	KindLabel  Kind = "label"
	KindArea   Kind = "area"
	KindDevice Kind = "device"
	KindEntity Kind = "entity"
)

// BulkOrder is the order bulk sync applies kinds in. Each kind may reference
// the kinds before it.
var BulkOrder = []Kind{KindLabel, KindArea, KindDevice, KindEntity}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindLabel, KindArea, KindDevice, KindEntity:
		return true
	}
	return false
}

// ListCommand is the controller command listing every object of the kind.
func (k Kind) ListCommand() string {
	return "config/" + string(k) + "_registry/list"
}

// idField is the object ID attribute in list results.
func (k Kind) idField() string {
	switch k {
	case KindLabel:
		return "label_id"
	case KindArea:
		return "area_id"
	case KindEntity:
		return "entity_id"
	default:
		return "id"
	}
}

// eventIDField is the object ID attribute in registry update events.
func (k Kind) eventIDField() string {
	if k == KindDevice {
		return "device_id"
	}
	return k.idField()
}

// KindForEvent maps a registry update event to its kind.
func KindForEvent(ev remote.EventKind) (Kind, bool) {
	switch ev {
	case remote.EventLabelRegistryUpdated:
		return KindLabel, true
	case remote.EventAreaRegistryUpdated:
		return KindArea, true
	case remote.EventDeviceRegistryUpdated:
		return KindDevice, true
	case remote.EventEntityRegistryUpdated:
		return KindEntity, true
	}
	return "", false
}

// Key identifies one registry object.
type Key struct {
	Kind Kind
	ID   string
}

// String returns the debounce key, "<kind>:<id>".
func (k Key) String() string {
	return string(k.Kind) + ":" + k.ID
}

// ParseKey parses "<kind>:<id>".
func ParseKey(s string) (Key, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Key{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	k := Key{Kind: Kind(kind), ID: id}
	if !k.Kind.Valid() {
		return Key{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return k, nil
}

// Change is a registry change action.
type Change string

// Change actions.
const (
	ChangeCreate Change = "create"
	ChangeUpdate Change = "update"
	ChangeRemove Change = "remove"
)

// Object is one registry record as mirrored locally.
type Object struct {
	Kind Kind            `json:"kind"`
	ID   string          `json:"id"`
	Name string          `json:"name,omitempty"`
	Data json.RawMessage `json:"data"`
}

// Key returns the object's key.
func (o Object) Key() Key {
	return Key{Kind: o.Kind, ID: o.ID}
}

// decodeObject extracts ID and name from one list element, keeping the raw
// record as Data.
func decodeObject(kind Kind, raw json.RawMessage) (Object, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Object{}, fmt.Errorf("%w: %w", ErrInvalidObject, err)
	}
	var id string
	if err := json.Unmarshal(fields[kind.idField()], &id); err != nil || id == "" {
		return Object{}, fmt.Errorf("%w: %s record without %s", ErrInvalidObject, kind, kind.idField())
	}

	obj := Object{Kind: kind, ID: id, Data: raw}
	for _, field := range []string{"name", "original_name"} {
		var name *string
		if json.Unmarshal(fields[field], &name) == nil && name != nil && *name != "" {
			obj.Name = *name
			break
		}
	}
	return obj, nil
}

// Tally counts the outcome of applying a batch of records.
type Tally struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// Add accumulates o into t.
func (t *Tally) Add(o Tally) {
	t.Created += o.Created
	t.Updated += o.Updated
	t.Failed += o.Failed
}

// Result is the outcome of a bulk sync.
type Result struct {
	Total  Tally          `json:"total"`
	ByKind map[Kind]Tally `json:"by_kind"`
}
