package ua

// The attribute ids of a node.
const (
	AttributeIDNodeID        uint32 = 1
	AttributeIDNodeClass     uint32 = 2
	AttributeIDBrowseName    uint32 = 3
	AttributeIDDisplayName   uint32 = 4
	AttributeIDDescription   uint32 = 5
	AttributeIDEventNotifier uint32 = 12
	AttributeIDValue         uint32 = 13
	AttributeIDDataType      uint32 = 14
	AttributeIDAccessLevel   uint32 = 17
)
