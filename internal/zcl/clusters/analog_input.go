package clusters

import "zigbee-people-counter/internal/zcl"

// AnalogInput is where the people counter exposes its compound register:
// presentValue holds count.direction as a single float.
var AnalogInput = zcl.ClusterDef{
	ID:   zcl.ClusterAnalogInput,
	Name: "Analog Input",
	Attributes: []zcl.AttributeDef{
		{ID: 0x001C, Name: "description", Type: zcl.TypeCharStr, Access: zcl.AccessRead | zcl.AccessWrite},
		{ID: 0x0041, Name: "maxPresentValue", Type: zcl.TypeFloat32, Access: zcl.AccessRead | zcl.AccessWrite},
		{ID: 0x0045, Name: "minPresentValue", Type: zcl.TypeFloat32, Access: zcl.AccessRead | zcl.AccessWrite},
		{ID: 0x0051, Name: "outOfService", Type: zcl.TypeBool, Access: zcl.AccessRead | zcl.AccessWrite},
		{ID: 0x0055, Name: "presentValue", Type: zcl.TypeFloat32, Access: zcl.AccessRead | zcl.AccessWrite | zcl.AccessReport},
		{ID: 0x006F, Name: "statusFlags", Type: zcl.TypeBitmap8, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x0075, Name: "engineeringUnits", Type: zcl.TypeEnum16, Access: zcl.AccessRead | zcl.AccessWrite},
	},
}
