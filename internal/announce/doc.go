// Package announce makes a vDC host visible on an MQTT broker.
//
// An Announcer publishes a retained description of the host and of each
// vDC, mirrors every device property change to a retained state topic and
// turns messages on the per-property set topics into registry updates.
// Withdraw clears the retained topics when the host stops.
package announce
