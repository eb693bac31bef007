// Package normalize turns the payload shapes seen on the telemetry stream
// into flat vehicle records.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"livetraffic/internal/model"
)

// ErrMalformed is returned when a frame is not valid JSON or protobuf.
var ErrMalformed = errors.New("normalize: malformed frame")

// Shape is the classification of one decoded frame.
type Shape int

const (
	Unrecognized Shape = iota
	ArrayOfEntities
	WrappedEntities
	SingleEntity
)

func (s Shape) String() string {
	switch s {
	case ArrayOfEntities:
		return "array"
	case WrappedEntities:
		return "wrapped"
	case SingleEntity:
		return "single"
	default:
		return "unrecognized"
	}
}

// Result is the outcome of classifying a frame. Skipped counts entity
// elements that were dropped because they carried no usable id.
type Result struct {
	Shape    Shape
	Vehicles []model.VehicleState
	Skipped  int
}

// Decode parses a text frame and classifies it. Numbers are kept as
// json.Number so integer ids survive beyond float64 precision.
func Decode(data []byte) (Result, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return Result{}, fmt.Errorf("%w: trailing data after value", ErrMalformed)
	}
	return Classify(raw), nil
}

// Classify inspects a decoded JSON value. Shapes are tried in order: a bare
// array, an object with a "vehicles" array, an object with an "id".
func Classify(raw any) Result {
	switch v := raw.(type) {
	case []any:
		return fromElements(ArrayOfEntities, v)
	case map[string]any:
		if list, ok := v["vehicles"].([]any); ok {
			return fromElements(WrappedEntities, list)
		}
		if _, ok := v["id"]; ok {
			vs, ok := vehicleFrom(v)
			if !ok {
				return Result{Shape: SingleEntity, Skipped: 1}
			}
			return Result{Shape: SingleEntity, Vehicles: []model.VehicleState{vs}}
		}
	}
	return Result{Shape: Unrecognized}
}

func fromElements(shape Shape, elems []any) Result {
	res := Result{Shape: shape, Vehicles: make([]model.VehicleState, 0, len(elems))}
	for _, e := range elems {
		m, _ := e.(map[string]any)
		vs, ok := vehicleFrom(m)
		if !ok {
			res.Skipped++
			continue
		}
		res.Vehicles = append(res.Vehicles, vs)
	}
	return res
}

func vehicleFrom(m map[string]any) (model.VehicleState, bool) {
	if m == nil {
		return model.VehicleState{}, false
	}
	id := idFrom(m["id"])
	if id == "" {
		id = idFrom(m["vehicle_id"])
	}
	if id == "" {
		return model.VehicleState{}, false
	}
	return model.VehicleState{
		ID:    id,
		Lat:   floatFrom(m, "lat", "latitude"),
		Lon:   floatFrom(m, "lon", "longitude"),
		Speed: floatFrom(m, "speed"),
	}, true
}

func idFrom(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case json.Number:
		return id.String()
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return ""
	}
}

// floatFrom returns the first key present, accepting numbers and numeric strings.
func floatFrom(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			return v
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f
			}
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f
			}
		}
	}
	return 0
}
