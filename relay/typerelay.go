// Package relay implements the two fan-out/fan-in shapes spec.md §4.F/§4.G
// describe: a local, in-process tap that republishes matching events onto
// per-event-type sub-streams (EventTypeRelays), and a remote long-poll
// client that pulls events from an upstream node with reconnect and gap
// recovery.
package relay

import (
	"strings"
	"sync"

	"github.com/fleetsignal/drivestream/event"
	"github.com/fleetsignal/drivestream/stream"
)

// NodeFactory creates a child stream.Node for a given path. Relays use this
// instead of constructing *stream.Node directly so the owning process can
// apply its own default Options (buffering time, ring capacity, ...).
type NodeFactory func(path string) *stream.Node

// TypeRelay taps a parent stream and republishes every event whose
// ApplicationID matches and whose EventType is in the configured set onto
// a read-only per-type sub-stream at "<parent>/type/<EventTypeNoSpaces>".
type TypeRelay struct {
	parent        *stream.Node
	applicationID string
	eventTypes    map[string]bool
	newNode       NodeFactory

	mu       sync.Mutex
	children map[string]*stream.Node
	cancel   func()
}

// NewTypeRelay creates a TypeRelay. Call Start to begin tapping parent.
func NewTypeRelay(parent *stream.Node, applicationID string, eventTypes []string, newNode NodeFactory) *TypeRelay {
	set := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		set[t] = true
	}
	return &TypeRelay{
		parent:        parent,
		applicationID: applicationID,
		eventTypes:    set,
		newNode:       newNode,
		children:      make(map[string]*stream.Node),
	}
}

// Start registers the tap. Safe to call once.
func (tr *TypeRelay) Start() {
	tr.cancel = tr.parent.Tap(tr.onPublish)
}

// Stop unregisters the tap. Child sub-streams are left running so any
// subscribers still draining them are not cut off.
func (tr *TypeRelay) Stop() {
	if tr.cancel != nil {
		tr.cancel()
	}
}

// Child returns the sub-stream for eventType, if one has been created.
func (tr *TypeRelay) Child(eventType string) (*stream.Node, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	n, ok := tr.children[eventType]
	return n, ok
}

func (tr *TypeRelay) onPublish(events []event.Event) {
	byType := make(map[string][]event.Event)
	for _, e := range events {
		if e.ApplicationID != tr.applicationID || !tr.eventTypes[e.EventType] {
			continue
		}
		byType[e.EventType] = append(byType[e.EventType], e)
	}
	for eventType, batch := range byType {
		child := tr.childFor(eventType)
		_ = child.Publish(batch)
	}
}

func (tr *TypeRelay) childFor(eventType string) *stream.Node {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if n, ok := tr.children[eventType]; ok {
		return n
	}
	path := tr.parent.Path() + "/type/" + NoSpaces(eventType)
	n := tr.newNode(path)
	tr.children[eventType] = n
	return n
}

// NoSpaces strips spaces from an event type to build its sub-stream path
// segment, e.g. "Vehicle Location" -> "VehicleLocation".
func NoSpaces(eventType string) string {
	return strings.ReplaceAll(eventType, " ", "")
}
