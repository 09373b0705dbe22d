package mqtt

// Subscribe routes messages matching filter to handler. The route is kept
// and re-subscribed on every reconnect until Unsubscribe removes it.
// Subscribing the same filter again replaces its handler.
//
// Parameters:
//   - filter: topic filter, + and # wildcards allowed
//   - qos: maximum delivery QoS (0, 1 or 2)
//   - handler: called once per message
//
// Returns:
//   - error: ErrInvalidTopic, ErrInvalidQoS, ErrNoHandler or
//     ErrNotConnected for calls that never reach the broker; an *OpError
//     when the broker rejects or does not acknowledge the subscription
//
// Example:
//
//	topics := client.Topics()
//	err := client.Subscribe(topics.AllDeviceSets(), 1,
//	    func(topic string, payload []byte) error {
//	        device, key, _ := topics.ParseDeviceSet(topic)
//	        return apply(device, key, payload)
//	    })
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) error {
	if err := checkTopic(filter, qos); err != nil {
		return err
	}
	if handler == nil {
		return ErrNoHandler
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.mu.Lock()
	previous, replaced := c.routes[filter]
	c.routes[filter] = route{qos: qos, handler: handler}
	c.mu.Unlock()

	err := await("subscribe", filter, c.paho.Subscribe(filter, qos, c.deliverTo(handler)))
	if err != nil {
		c.mu.Lock()
		if replaced {
			c.routes[filter] = previous
		} else {
			delete(c.routes, filter)
		}
		c.mu.Unlock()
	}
	return err
}

// Unsubscribe drops the route for filter. Messages already in flight may
// still reach the old handler.
//
// Returns:
//   - error: ErrInvalidTopic or ErrNotConnected before contacting the
//     broker; an *OpError if the broker does not acknowledge
func (c *Client) Unsubscribe(filter string) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.mu.Lock()
	delete(c.routes, filter)
	c.mu.Unlock()

	return await("unsubscribe", filter, c.paho.Unsubscribe(filter))
}
