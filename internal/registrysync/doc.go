// Package registrysync mirrors the controller's label, area, device and
// entity registries into the local remote_registry table.
//
// Registry update events are debounced per object key ("<kind>:<id>"): a
// create or update schedules a fetch-and-apply 500ms after the last
// notification for that key, and a remove is applied immediately. After every
// successful connect a bulk sync lists each kind in order (label, area,
// device, entity), applying each record in its own transaction and returning
// a created/updated/failed tally.
//
// Every local change is announced on MQTT:
//
//	halink/instance/<id>/registry/<kind>/<object id>
package registrysync
