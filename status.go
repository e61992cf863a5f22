package hapwled

import "math"

const WLED_MAX_BRIGHTNESS = 255

// Semantic state derived from a single status response.
// Never cached: the device can be changed from any other control surface.
type DeviceState struct {
	PowerOn           bool
	BrightnessPercent int
	ActivePreset      int // 0 if no preset is active
}

// Interprets a parsed status record.
// WLED has no separate power bit: brightness 0 means off.
func Interpret(s *Status) DeviceState {
	raw := s.Int(FIELD_BRIGHTNESS)
	return DeviceState{
		PowerOn:           raw != 0,
		BrightnessPercent: BrightnessPercent(raw),
		ActivePreset:      s.Int(FIELD_PRESET),
	}
}

// Projects a raw 0-255 brightness onto 0-100.
func BrightnessPercent(raw int) int {
	return clamp(int(math.Round(float64(raw)/WLED_MAX_BRIGHTNESS*100)), 0, 100)
}

// Projects a 0-100 brightness onto the device-native 0-255 scale.
func BrightnessToRaw(percent int) int {
	return clamp(int(math.Round(float64(percent)*WLED_MAX_BRIGHTNESS/100)), 0, WLED_MAX_BRIGHTNESS)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
