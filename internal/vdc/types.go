package vdc

import (
	"time"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/dsuid"
)

// Container is a virtual device connector (vDC): a named group of devices
// sharing one addressable identity.
type Container struct {
	Dsuid            dsuid.DSUID `json:"dsuid" yaml:"dsuid"`
	Name             string      `json:"name" yaml:"name"`
	Model            string      `json:"model" yaml:"model"`
	ModelUID         string      `json:"model_uid,omitempty" yaml:"model_uid,omitempty"`
	ModelVersion     string      `json:"model_version,omitempty" yaml:"model_version,omitempty"`
	ImplementationID string      `json:"implementation_id,omitempty" yaml:"implementation_id,omitempty"`
	CreatedAt        time.Time   `json:"created_at" yaml:"created_at"`
}

// Device is a virtual device (VdSD) owned by exactly one Container.
//
// Container is a lookup reference only. Removing the container removes the
// device.
type Device struct {
	Dsuid          dsuid.DSUID    `json:"dsuid" yaml:"dsuid"`
	Name           string         `json:"name" yaml:"name"`
	Container      dsuid.DSUID    `json:"container" yaml:"container"`
	UniqueID       string         `json:"unique_id,omitempty" yaml:"unique_id,omitempty"`
	SubDeviceIndex uint8          `json:"sub_device_index,omitempty" yaml:"sub_device_index,omitempty"`
	Properties     map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
	CreatedAt      time.Time      `json:"created_at" yaml:"created_at"`
}

// DeepCopy returns a copy of d that shares no mutable state with it.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}
	cpy := *d
	cpy.Properties = copyProperties(d.Properties)
	return &cpy
}

// ContainerSpec lists every field a caller may set when creating a vDC.
type ContainerSpec struct {
	Name             string `json:"name" yaml:"name"`
	Model            string `json:"model" yaml:"model"`
	ModelUID         string `json:"model_uid,omitempty" yaml:"model_uid,omitempty"`
	ModelVersion     string `json:"model_version,omitempty" yaml:"model_version,omitempty"`
	ImplementationID string `json:"implementation_id,omitempty" yaml:"implementation_id,omitempty"`
}

// DeviceSpec lists every field a caller may set when adding a device.
//
// When UniqueID is set the device dSUID is derived from the container
// dSUID and UniqueID, with SubDeviceIndex in the last byte. Without it the
// dSUID is random.
type DeviceSpec struct {
	Name           string         `json:"name" yaml:"name"`
	UniqueID       string         `json:"unique_id,omitempty" yaml:"unique_id,omitempty"`
	SubDeviceIndex uint8          `json:"sub_device_index,omitempty" yaml:"sub_device_index,omitempty"`
	Properties     map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// PropertyChange describes one applied UpdateDeviceProperty call.
type PropertyChange struct {
	Device    dsuid.DSUID `json:"device"`
	Container dsuid.DSUID `json:"container"`
	Key       string      `json:"key"`
	Value     any         `json:"value"`
	Previous  any         `json:"previous,omitempty"`
	Time      time.Time   `json:"time"`
}

// ContainerID returns the dSUID a container created from spec will get, or
// false when the spec has no ModelUID and the dSUID would be random.
func ContainerID(host dsuid.DSUID, spec ContainerSpec) (dsuid.DSUID, bool) {
	if spec.ModelUID == "" {
		return dsuid.Zero, false
	}
	return dsuid.FromName(host.Namespace(), "vdc:"+spec.ModelUID, 0), true
}

// DeviceID returns the dSUID a device created from spec inside container
// will get, or false when the spec has no UniqueID.
func DeviceID(container dsuid.DSUID, spec DeviceSpec) (dsuid.DSUID, bool) {
	if spec.UniqueID == "" {
		return dsuid.Zero, false
	}
	return dsuid.FromName(container.Namespace(), "vdsd:"+spec.UniqueID, spec.SubDeviceIndex), true
}

func copyProperties(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = v
	}
	return cpy
}
