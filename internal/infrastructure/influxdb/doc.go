// Package influxdb records the history of device property changes in
// InfluxDB v2.
//
// Every change becomes one point of the vdc_property measurement tagged
// with the device, its vDC and the property key. Writes are batched by the
// client library and never block the registry.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.SetOnError(func(err error) { log.Warn("history write failed", "error", err) })
//	client.WritePropertyChange(change)
package influxdb
