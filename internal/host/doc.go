// Package host composes the vDC host: identity, registry, persistence,
// the protocol listener and the optional MQTT and InfluxDB integrations.
//
// Typical use:
//
//	h, err := host.New(host.Options{Config: cfg, Store: backend, Logger: log})
//	if err != nil {
//	    return err
//	}
//	if err := h.Start(ctx, cfg.Host.Address, cfg.Host.Port); err != nil {
//	    return err
//	}
//	defer h.Stop(context.Background())
//
// A failure to bind the listening port does not fail Start. The host keeps
// serving its registry and reports StatusDegraded from Status.
package host
