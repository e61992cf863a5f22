package hapwled

import (
	"fmt"
	"math"
	"reflect"
)

// Implements a translator between a device property value and a Characteristic value.
//
//	Property  -- ToCharacteristicValue() -->  Characteristic
//	 Value       <--- ToPropertyValue() ---        Value
type MappingTranslator interface {
	ToCharacteristicValue(propertyValue any) (cValue any, err error)
	ToPropertyValue(cValue any) (propertyValue any, err error)
}

// Default pass-through "translator", where both property and Characteristic
// values are of the same type.
type PassthruTranslator struct{}

var defaultTranslator = &PassthruTranslator{}

func (p *PassthruTranslator) ToPropertyValue(v any) (any, error)       { return v, nil }
func (p *PassthruTranslator) ToCharacteristicValue(v any) (any, error) { return v, nil }

var ErrTranslationError = fmt.Errorf("cannot translate value")

// Translates a bool property value to specified Characteristic T/F values
type BoolTranslator struct{ TrueValue, FalseValue any }

func (t *BoolTranslator) ToPropertyValue(cVal any) (any, error) {
	// HAP controllers may send 0/1 for bool formats and vice versa
	if f, ok := numericValue(cVal); ok {
		if tf, ok := numericValue(t.TrueValue); ok && f == tf {
			return true, nil
		}
		if ff, ok := numericValue(t.FalseValue); ok && f == ff {
			return false, nil
		}
		return nil, ErrTranslationError
	}

	switch cVal {
	case t.TrueValue:
		return true, nil

	case t.FalseValue:
		return false, nil
	}
	return nil, ErrTranslationError
}

func (t *BoolTranslator) ToCharacteristicValue(pVal any) (any, error) {
	bVal, ok := pVal.(bool)
	if !ok {
		return nil, ErrTranslationError
	} else if bVal {
		return t.TrueValue, nil
	}
	return t.FalseValue, nil
}

// Translates numeric Characteristic values to int property values, rounding
// and clamping to [Min, Max]
type IntTranslator struct{ Min, Max int }

func (t *IntTranslator) ToPropertyValue(cVal any) (any, error) {
	f, ok := valToFloat64(cVal)
	if !ok {
		return nil, ErrTranslationError
	}
	return clamp(int(math.Round(f)), t.Min, t.Max), nil
}

func (t *IntTranslator) ToCharacteristicValue(pVal any) (any, error) {
	n, ok := pVal.(int)
	if !ok {
		return nil, ErrTranslationError
	}
	return clamp(n, t.Min, t.Max), nil
}

// Converts numeric values to float64, if possible
// Returns the converted float64 value and a bool indicating if it was successful.
func valToFloat64(v any) (float64, bool) {
	val := reflect.ValueOf(v)
	switch {
	case val.CanInt():
		return float64(val.Int()), true
	case val.CanUint():
		return float64(val.Uint()), true
	case val.CanFloat():
		return val.Float(), true
	}
	return 0, false
}

// Like valToFloat64, but also maps bools to 1 and 0
func numericValue(v any) (float64, bool) {
	if b, ok := v.(bool); ok {
		if b {
			return 1, true
		}
		return 0, true
	}
	return valToFloat64(v)
}
