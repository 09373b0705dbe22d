package vdc

import (
	"bytes"
	"net"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/dsuid"
)

// SnapshotVersion is the snapshot schema version written by this build.
// Older and newer versions are still read; unknown fields are ignored.
const SnapshotVersion = 1

// Snapshot is a point-in-time copy of the registry as persisted by a Store.
type Snapshot struct {
	Version    int         `json:"version" yaml:"version"`
	Host       HostRecord  `json:"host" yaml:"host"`
	Containers []Container `json:"containers" yaml:"containers"`
	Devices    []Device    `json:"devices" yaml:"devices"`
}

// HostRecord stores the host identity that produced the snapshot, so an
// address chosen at random can be reused on the next start.
type HostRecord struct {
	Dsuid    dsuid.DSUID `json:"dsuid,omitempty" yaml:"dsuid,omitempty"`
	MAC      string      `json:"mac,omitempty" yaml:"mac,omitempty"`
	VendorID string      `json:"vendor_id,omitempty" yaml:"vendor_id,omitempty"`
}

// IsEmpty reports whether the snapshot holds no containers and no devices.
func (s Snapshot) IsEmpty() bool {
	return len(s.Containers) == 0 && len(s.Devices) == 0
}

// RestoreStats summarises a Restore call.
type RestoreStats struct {
	Containers int
	Devices    int
	Skipped    int
}

// ParseMAC returns the hardware address stored in the host record, or nil
// if it is absent or unusable.
func (h HostRecord) ParseMAC() net.HardwareAddr {
	mac, err := net.ParseMAC(h.MAC)
	if err != nil || len(mac) != 6 || bytes.Equal(mac, make([]byte, 6)) {
		return nil
	}
	return mac
}
