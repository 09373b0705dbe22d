package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is used when the configuration leaves the prefix empty.
const DefaultTopicPrefix = "vdchost"

// Topics builds the topic tree of one vDC host:
//
//	{prefix}/{host}/status                     online/offline, retained, LWT
//	{prefix}/{host}/announce                   host announcement, retained
//	{prefix}/{host}/vdc/{vdc}                  one vDC, retained
//	{prefix}/{host}/device/{device}/state/{key} property value, retained
//	{prefix}/{host}/device/{device}/set/{key}   property commands
//
// Host is the host dSUID in its 34-character hex form.
type Topics struct {
	Prefix string
	Host   string
}

// NewTopics returns the topic tree for host under prefix.
func NewTopics(prefix, host string) Topics {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{Prefix: strings.TrimSuffix(prefix, "/"), Host: host}
}

func (t Topics) base() string {
	return fmt.Sprintf("%s/%s", t.Prefix, t.Host)
}

// Status returns the host status topic. It also carries the Last Will.
//
// Example: vdchost/5E1B.../status
func (t Topics) Status() string {
	return t.base() + "/status"
}

// Announce returns the host announcement topic.
func (t Topics) Announce() string {
	return t.base() + "/announce"
}

// Container returns the announcement topic of one vDC.
func (t Topics) Container(id string) string {
	return fmt.Sprintf("%s/vdc/%s", t.base(), id)
}

// DeviceState returns the topic carrying one device property.
func (t Topics) DeviceState(device, key string) string {
	return fmt.Sprintf("%s/device/%s/state/%s", t.base(), device, key)
}

// DeviceSet returns the command topic for one device property.
func (t Topics) DeviceSet(device, key string) string {
	return fmt.Sprintf("%s/device/%s/set/%s", t.base(), device, key)
}

// AllDeviceSets matches every property command addressed to this host.
//
// Pattern: {prefix}/{host}/device/+/set/+
func (t Topics) AllDeviceSets() string {
	return t.base() + "/device/+/set/+"
}

// AllHosts matches the status topic of every host under the prefix.
//
// Pattern: {prefix}/+/status
func (t Topics) AllHosts() string {
	return t.Prefix + "/+/status"
}

// ParseDeviceSet extracts the device and key from a command topic.
func (t Topics) ParseDeviceSet(topic string) (device, key string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.base()+"/device/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] != "set" || parts[0] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[0], parts[2], true
}
