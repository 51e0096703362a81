package peoplecounter

// DefaultBatteryThreshold is the alarm level in percent when the device has
// no batteryThreshold setting.
const DefaultBatteryThreshold = 20

// BatteryState is the published battery level and its alarm.
type BatteryState struct {
	Percent float64
	Alarm   bool
}

// EvaluateBattery scales batteryPercentageRemaining, which the device
// reports in half percent steps, and compares it with threshold.
func EvaluateBattery(rawPercent, threshold float64) BatteryState {
	percent := rawPercent / 2
	return BatteryState{Percent: percent, Alarm: percent < threshold}
}
