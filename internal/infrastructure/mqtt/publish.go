package mqtt

import (
	"fmt"
)

// maxPayloadSize caps one message at 1 MiB.
const maxPayloadSize = 1 << 20

// Publish sends payload to topic and waits for the broker to acknowledge.
//
// Retained messages are replayed to every new subscriber; the host uses
// them for status, announcements and property state. An empty retained
// payload clears the topic.
//
// Parameters:
//   - topic: destination topic, no wildcards
//   - payload: message body, at most 1 MiB
//   - qos: delivery QoS (0, 1 or 2)
//   - retained: whether the broker keeps the message
//
// Returns:
//   - error: ErrInvalidTopic, ErrInvalidQoS, ErrPayloadTooLarge or
//     ErrNotConnected before contacting the broker; an *OpError for a
//     rejected or unacknowledged publish
//
// Example:
//
//	topic := client.Topics().DeviceState(device.String(), "on")
//	err := client.Publish(topic, []byte(`{"value":true}`), 1, true)
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := checkTopic(topic, qos); err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return await("publish", topic, c.paho.Publish(topic, qos, retained, payload))
}

// PublishRetained publishes a retained message with the configured QoS.
func (c *Client) PublishRetained(topic string, payload []byte) error {
	return c.Publish(topic, payload, byte(c.cfg.QoS), true) //nolint:gosec // QoS validated to 0-2
}
