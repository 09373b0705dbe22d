package vdc

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

const (
	maxNameLength     = 255
	maxKeyLength      = 128
	maxPropertyKeys   = 100
	maxStringValueLen = 1024
)

// MaxDeviceSize bounds the JSON encoding of one device, so any device fits
// in a single protocol frame.
const MaxDeviceSize = 32 * 1024

// Validate checks the spec before a container is created from it.
func (s ContainerSpec) Validate() error {
	if err := validateText("name", s.Name, true); err != nil {
		return err
	}
	if err := validateText("model", s.Model, true); err != nil {
		return err
	}
	for field, v := range map[string]string{
		"model_uid":         s.ModelUID,
		"model_version":     s.ModelVersion,
		"implementation_id": s.ImplementationID,
	} {
		if err := validateText(field, v, false); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the spec before a device is created from it. Property
// values are normalised in place.
func (s *DeviceSpec) Validate() error {
	if err := validateText("name", s.Name, true); err != nil {
		return err
	}
	if err := validateText("unique_id", s.UniqueID, false); err != nil {
		return err
	}
	if len(s.Properties) > maxPropertyKeys {
		return fmt.Errorf("%w: %d properties exceed limit of %d", ErrInvalidProperty, len(s.Properties), maxPropertyKeys)
	}
	for k, v := range s.Properties {
		nv, err := NormalizeProperty(k, v)
		if err != nil {
			return err
		}
		s.Properties[k] = nv
	}
	return nil
}

func checkDeviceSize(d *Device) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("%w: encoding device %s: %w", ErrInvalidProperty, d.Dsuid, err)
	}
	if len(data) > MaxDeviceSize {
		return fmt.Errorf("%w: device %s encodes to %d bytes, limit is %d",
			ErrInvalidProperty, d.Dsuid, len(data), MaxDeviceSize)
	}
	return nil
}

func validateText(field, v string, required bool) error {
	if required && strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidSpec, field)
	}
	if len(v) > maxNameLength {
		return fmt.Errorf("%w: %s exceeds %d characters", ErrInvalidSpec, field, maxNameLength)
	}
	return nil
}

// NormalizeProperty validates a property key and value and returns the
// value in canonical form.
//
// Values are restricted to scalars: nil, bool, string and numbers. Integral
// numbers become int64 and other numbers float64, so a value reads back with
// the same type whether it went through JSON, YAML or SQLite.
func NormalizeProperty(key string, value any) (any, error) {
	if key == "" || len(key) > maxKeyLength {
		return nil, fmt.Errorf("%w: key must be 1-%d characters", ErrInvalidProperty, maxKeyLength)
	}

	switch v := value.(type) {
	case nil, bool:
		return v, nil
	case string:
		if len(v) > maxStringValueLen {
			return nil, fmt.Errorf("%w: %s value exceeds %d characters", ErrInvalidProperty, key, maxStringValueLen)
		}
		return v, nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case int64:
		return v, nil
	case uint:
		return normalizeUnsigned(key, uint64(v))
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	case uint64:
		return normalizeUnsigned(key, v)
	case float32:
		return normalizeFloat(key, float64(v))
	case float64:
		return normalizeFloat(key, v)
	default:
		return nil, fmt.Errorf("%w: %s has unsupported type %T", ErrInvalidProperty, key, value)
	}
}

func normalizeUnsigned(key string, v uint64) (any, error) {
	if v > math.MaxInt64 {
		return nil, fmt.Errorf("%w: %s value %d out of range", ErrInvalidProperty, key, v)
	}
	return int64(v), nil
}

func normalizeFloat(key string, v float64) (any, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("%w: %s must be a finite number", ErrInvalidProperty, key)
	}
	if v == math.Trunc(v) && v >= math.MinInt64 && v < math.MaxInt64 {
		return int64(v), nil
	}
	return v, nil
}
