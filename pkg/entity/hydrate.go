package entity

import (
	"fmt"
	"reflect"
	"strconv"
)

// HydrationError reports a column value that could not be converted to its
// declared field type.
type HydrationError struct {
	Column string
	Value  any
	Err    error
}

func (e *HydrationError) Error() string {
	return fmt.Sprintf("entity: hydrate column %q value %v: %v", e.Column, e.Value, e.Err)
}

func (e *HydrationError) Unwrap() error { return e.Err }

// Hydrate copies columnMap values into entity's mapped fields, converting
// scalars to the declared field type per the fixed conversion table below.
// An unknown column in columnMap is silently ignored; a conversion failure
// returns a *HydrationError immediately.
func (d *Descriptor) Hydrate(v reflect.Value, columnMap map[string]any) error {
	v = indirect(v)

	for name, raw := range columnMap {
		idx, ok := d.byName[name]
		if !ok {
			continue // unknown column is ignored, per spec.
		}

		field := v.Field(d.Columns[idx].FieldIndex)

		converted, err := convert(raw, field.Type())
		if err != nil {
			return &HydrationError{Column: name, Value: raw, Err: err}
		}

		field.Set(reflect.ValueOf(converted))
	}

	return nil
}

// convert implements the fixed conversion table: integer widening and
// string->bool where value is "1" or "true" (case-sensitive per spec).
func convert(raw any, target reflect.Type) (any, error) {
	if raw == nil {
		return reflect.Zero(target).Interface(), nil
	}

	rv := reflect.ValueOf(raw)
	if rv.Type().AssignableTo(target) {
		return raw, nil
	}

	switch target.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := toInt64(raw)
		if err != nil {
			return nil, err
		}

		return reflect.ValueOf(n).Convert(target).Interface(), nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := toInt64(raw)
		if err != nil {
			return nil, err
		}

		return reflect.ValueOf(uint64(n)).Convert(target).Interface(), nil

	case reflect.Float32, reflect.Float64:
		f, err := toFloat64(raw)
		if err != nil {
			return nil, err
		}

		return reflect.ValueOf(f).Convert(target).Interface(), nil

	case reflect.Bool:
		switch s := raw.(type) {
		case string:
			return s == "1" || s == "true", nil
		case bool:
			return s, nil
		default:
			return nil, fmt.Errorf("cannot convert %T to bool", raw)
		}

	case reflect.String:
		if s, ok := raw.(string); ok {
			return s, nil
		}

		return fmt.Sprintf("%v", raw), nil

	default:
		if rv.Type().ConvertibleTo(target) {
			return rv.Convert(target).Interface(), nil
		}

		return nil, fmt.Errorf("no conversion from %T to %s", raw, target)
	}
}

func toInt64(raw any) (int64, error) {
	switch n := raw.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to int64", raw)
	}
}

func toFloat64(raw any) (float64, error) {
	switch n := raw.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", raw)
	}
}
