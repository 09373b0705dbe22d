// Package mqtt connects the vDC host to an MQTT broker.
//
// The host uses the broker to announce itself and its vDCs to consumers
// that do not speak the session protocol, to publish device property
// changes, and to accept property commands. Everything lives below one
// per-host topic tree (see Topics).
//
// # Offline detection
//
// A retained online status is published on every (re)connect. Close
// replaces it with a graceful offline status; if the host disappears
// without closing, the broker publishes the Last Will instead.
//
// # Usage
//
//	topics := mqtt.NewTopics(cfg.MQTT.TopicPrefix, host.String())
//	client, err := mqtt.Connect(cfg.MQTT, topics)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.PublishRetained(topics.Announce(), payload)
package mqtt
