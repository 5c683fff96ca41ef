package ua

import (
	"fmt"

	"github.com/google/uuid"
)

// NodeIDType is the kind of identifier held by a NodeID.
type NodeIDType byte

// NodeIDTypes
const (
	NodeIDTypeNumeric NodeIDType = iota
	NodeIDTypeString
	NodeIDTypeGUID
)

// NodeID identifies a node within a server namespace.
type NodeID struct {
	Namespace uint16
	Type      NodeIDType
	Numeric   uint32
	Text      string
	GUID      uuid.UUID
}

// NilNodeID is the nil value.
var NilNodeID = NodeID{}

// NewNodeIDNumeric constructs a NodeID with a numeric identifier.
func NewNodeIDNumeric(ns uint16, id uint32) NodeID {
	return NodeID{Namespace: ns, Type: NodeIDTypeNumeric, Numeric: id}
}

// NewNodeIDString constructs a NodeID with a string identifier.
func NewNodeIDString(ns uint16, id string) NodeID {
	return NodeID{Namespace: ns, Type: NodeIDTypeString, Text: id}
}

// NewNodeIDGUID constructs a NodeID with a GUID identifier.
func NewNodeIDGUID(ns uint16, id uuid.UUID) NodeID {
	return NodeID{Namespace: ns, Type: NodeIDTypeGUID, GUID: id}
}

// IsNil returns true for the zero NodeID.
func (n NodeID) IsNil() bool {
	return n == NilNodeID
}

func (n NodeID) String() string {
	switch n.Type {
	case NodeIDTypeNumeric:
		return fmt.Sprintf("ns=%d;i=%d", n.Namespace, n.Numeric)
	case NodeIDTypeString:
		return fmt.Sprintf("ns=%d;s=%s", n.Namespace, n.Text)
	default:
		return fmt.Sprintf("ns=%d;g=%s", n.Namespace, n.GUID)
	}
}
