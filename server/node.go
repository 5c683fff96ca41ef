package server

import (
	"context"

	"github.com/edgeworks/uaserver/ua"
)

// Node is the narrow view of an address-space node consumed by the
// engine. The address space itself is owned elsewhere; monitored items
// hold a non-owning reference and must tolerate the node being disposed
// underneath them.
type Node interface {
	NodeID() ua.NodeID

	// ReadAttribute reads the current value of the attribute, restricted
	// to the given index range when non-nil.
	ReadAttribute(ctx context.Context, attributeID uint32, indexRange *ua.NumericRange) ua.DataValue

	// MinimumSamplingInterval returns the fastest rate in milliseconds at
	// which the node supports sampling, 0 for no limit.
	MinimumSamplingInterval() float64

	// SemanticVersion returns a counter that advances whenever the
	// node's engineering semantics (units, range) change. A change forces
	// delivery of the next value regardless of filters.
	SemanticVersion() uint32

	// EURange resolves the engineering unit range used by percent
	// deadband. ok is false when the node carries no EURange property.
	EURange() (rng ua.Range, ok bool)

	// OnDispose registers a callback invoked when the node is removed
	// from the address space. The returned function unregisters it.
	OnDispose(func()) (cancel func())
}

// EventSource is implemented by nodes that emit events. The event
// source applies the select and where clauses of the item's EventFilter
// and delivers the projected field list.
type EventSource interface {
	SubscribeEvents(filter ua.EventFilter, deliver func(fields []ua.Variant)) (cancel func())
}

// NodeResolver locates nodes for monitored item creation.
type NodeResolver interface {
	FindNode(id ua.NodeID) (Node, bool)
}
