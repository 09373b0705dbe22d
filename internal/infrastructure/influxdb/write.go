package influxdb

import (
	"context"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/vdc"
)

// MeasurementProperty is the measurement holding device property history.
const MeasurementProperty = "vdc_property"

// WritePropertyChange records one property change. The write is batched
// and sent asynchronously; failures reach the SetOnError callback.
//
// Values are stored in a field named after their type (bool, number,
// string) so one key can change type without a field type conflict. A
// cleared property is recorded as cleared=true.
//
// Parameters:
//   - change: device, container, key and new value; the first three
//     become tags
//
// The call is a no-op after Close.
func (c *Client) WritePropertyChange(change vdc.PropertyChange) {
	if !c.IsConnected() {
		return
	}
	c.queued.Add(1)
	c.writer.WritePoint(propertyPoint(change))
}

// PropertyChanged adapts WritePropertyChange to the host's change sink
// interface.
func (c *Client) PropertyChanged(_ context.Context, change vdc.PropertyChange) error {
	if !c.IsConnected() {
		return ErrClosed
	}
	c.WritePropertyChange(change)
	return nil
}

func propertyPoint(change vdc.PropertyChange) *write.Point {
	ts := change.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	return write.NewPoint(
		MeasurementProperty,
		map[string]string{
			"device": change.Device.String(),
			"vdc":    change.Container.String(),
			"key":    change.Key,
		},
		propertyFields(change.Value),
		ts,
	)
}

func propertyFields(value any) map[string]any {
	switch v := value.(type) {
	case nil:
		return map[string]any{"cleared": true}
	case bool:
		return map[string]any{"bool": v}
	case string:
		return map[string]any{"string": v}
	case int64:
		return map[string]any{"number": float64(v)}
	case float64:
		return map[string]any{"number": v}
	case int:
		return map[string]any{"number": float64(v)}
	default:
		// NormalizeProperty only admits the types above.
		return map[string]any{"cleared": true}
	}
}
