package hapwled

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func statusOf(ac, ps string) *Status {
	return &Status{Fields: []Field{{"ac", ac}, {"cl", "255"}, {"ps", ps}}}
}

func TestInterpret(t *testing.T) {
	tests := []struct {
		ac, ps string
		want   DeviceState
	}{
		{"0", "0", DeviceState{false, 0, 0}},
		{"128", "2", DeviceState{true, 50, 2}},
		{"255", "7", DeviceState{true, 100, 7}},
		{"1", "0", DeviceState{true, 0, 0}},
		{" 64 ", "x3", DeviceState{true, 25, 3}},
		{"", "", DeviceState{false, 0, 0}},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Interpret(statusOf(tt.ac, tt.ps)), "ac=%q ps=%q", tt.ac, tt.ps)
	}
}

func TestInterpretBrightnessRange(t *testing.T) {
	for raw := 0; raw <= WLED_MAX_BRIGHTNESS; raw++ {
		s := Interpret(statusOf(fmt.Sprint(raw), "0"))
		assert.GreaterOrEqual(t, s.BrightnessPercent, 0)
		assert.LessOrEqual(t, s.BrightnessPercent, 100)
		assert.Equal(t, raw != 0, s.PowerOn, "raw %d", raw)
	}
}

func TestBrightnessToRaw(t *testing.T) {
	assert.Equal(t, 0, BrightnessToRaw(0))
	assert.Equal(t, 128, BrightnessToRaw(50))
	assert.Equal(t, 255, BrightnessToRaw(100))
	assert.Equal(t, 255, BrightnessToRaw(150))
	assert.Equal(t, 0, BrightnessToRaw(-3))

	// a percentage survives the round trip through the device scale
	for p := 0; p <= 100; p++ {
		assert.Equal(t, p, BrightnessPercent(BrightnessToRaw(p)), "percent %d", p)
	}
}
