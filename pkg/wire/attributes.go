package wire

import "fmt"

// AttributeID identifies a spa attribute.
type AttributeID = uint16

// Spa attribute IDs.
const (
	// AttrWaterTemp is the current water temperature in tenths of a
	// degree Celsius.
	AttrWaterTemp AttributeID = 1

	// AttrTargetTemp is the setpoint in tenths of a degree Celsius.
	AttrTargetTemp AttributeID = 2

	// AttrHeating is 1 while the heater is running.
	AttrHeating AttributeID = 3

	// AttrPump1..AttrPump3 are pump speeds (0=off, 1=low, 2=high).
	AttrPump1 AttributeID = 4
	AttrPump2 AttributeID = 5
	AttrPump3 AttributeID = 6

	// AttrLight is 1 while the light is on.
	AttrLight AttributeID = 7

	// AttrWatercare is the active watercare mode (see WatercareMode).
	AttrWatercare AttributeID = 8
)

// AttributeName returns a readable name for an attribute ID.
func AttributeName(id AttributeID) string {
	switch id {
	case AttrWaterTemp:
		return "WaterTemp"
	case AttrTargetTemp:
		return "TargetTemp"
	case AttrHeating:
		return "Heating"
	case AttrPump1:
		return "Pump1"
	case AttrPump2:
		return "Pump2"
	case AttrPump3:
		return "Pump3"
	case AttrLight:
		return "Light"
	case AttrWatercare:
		return "Watercare"
	default:
		return fmt.Sprintf("Attr(%d)", id)
	}
}

// WatercareMode is a spa water treatment program.
type WatercareMode int32

const (
	WatercareAwayFromHome WatercareMode = iota
	WatercareStandard
	WatercareEnergySaving
	WatercareSuperEnergySaving
	WatercareWeekender
)

// String returns the watercare mode name.
func (m WatercareMode) String() string {
	switch m {
	case WatercareAwayFromHome:
		return "Away From Home"
	case WatercareStandard:
		return "Standard"
	case WatercareEnergySaving:
		return "Energy Saving"
	case WatercareSuperEnergySaving:
		return "Super Energy Saving"
	case WatercareWeekender:
		return "Weekender"
	default:
		return "UNKNOWN"
	}
}

// IsValid reports whether m is a known watercare mode.
func (m WatercareMode) IsValid() bool {
	return m >= WatercareAwayFromHome && m <= WatercareWeekender
}

// Pump speed values.
const (
	PumpOff  int32 = 0
	PumpLow  int32 = 1
	PumpHigh int32 = 2
)

// TempFromTenths converts an attribute value in tenths of a degree
// Celsius to degrees.
func TempFromTenths(v int32) float64 {
	return float64(v) / 10.0
}

// TempToTenths converts degrees Celsius to the attribute encoding.
func TempToTenths(deg float64) int32 {
	return int32(deg*10.0 + 0.5)
}

// clientIDFormat is the fixed prefix historically used by mobile
// clients; spas only check the overall shape, not the platform.
const clientIDFormat = "IOS%s"

// FormatClientIdentifier derives the wire client identity from a UUID
// string.
func FormatClientIdentifier(clientUUID string) []byte {
	return []byte(fmt.Sprintf(clientIDFormat, clientUUID))
}
