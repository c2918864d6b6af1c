// Package units provides shared constants, validation and conversion for
// rotational speed units
package units

import "math"

// Unit constants
const (
	RPM       = "rpm"
	RPS       = "rps"
	RadPerSec = "rad_s"
	DegPerSec = "deg_s"
)

// ValidUnits contains all valid unit values
var ValidUnits = []string{RPM, RPS, RadPerSec, DegPerSec}

// IsValid checks if the given unit is in the list of valid units
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for error messages
func GetValidUnitsString() string {
	return "rpm, rps, rad_s, deg_s"
}

// radPer returns how many rad/s one of unit is. Unknown units count as rad/s.
func radPer(unit string) float64 {
	switch unit {
	case RPM:
		return 2 * math.Pi / 60
	case RPS:
		return 2 * math.Pi
	case DegPerSec:
		return math.Pi / 180
	default:
		return 1
	}
}

// ToRadPerSec converts a speed in unit to radians per second.
// The motor controller is commanded in rad/s.
func ToRadPerSec(speed float64, unit string) float64 {
	return speed * radPer(unit)
}

// FromRadPerSec converts a speed in radians per second to unit.
func FromRadPerSec(speedRad float64, unit string) float64 {
	return speedRad / radPer(unit)
}

// Convert converts a speed between two units.
func Convert(speed float64, from, to string) float64 {
	if from == to {
		return speed
	}
	return FromRadPerSec(ToRadPerSec(speed, from), to)
}
