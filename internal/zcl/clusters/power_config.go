package clusters

import "zigbee-people-counter/internal/zcl"

// PowerConfiguration reports battery state. batteryPercentageRemaining is in
// half-percent steps (200 = 100%).
var PowerConfiguration = zcl.ClusterDef{
	ID:   zcl.ClusterPowerConfiguration,
	Name: "Power Configuration",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0020, Name: "batteryVoltage", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x0021, Name: "batteryPercentageRemaining", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: 0x0031, Name: "batterySize", Type: zcl.TypeEnum8, Access: zcl.AccessRead | zcl.AccessWrite},
		{ID: 0x0033, Name: "batteryQuantity", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessWrite},
		{ID: 0x0035, Name: "batteryAlarmMask", Type: zcl.TypeBitmap8, Access: zcl.AccessRead | zcl.AccessWrite},
	},
}
