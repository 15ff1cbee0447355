package order

import "github.com/example/ec-eventsourcing/internal/infrastructure/schema"

// Schemas returns the payload definitions of the order events.
func Schemas() []schema.Definition {
	return []schema.Definition{
		{
			EventType: EventOrderPlaced,
			Fields: map[string]schema.Kind{
				"orderId":  schema.String,
				"userId":   schema.String,
				"items":    schema.Array,
				"total":    schema.Number,
				"placedAt": schema.String,
			},
		},
		{
			EventType: EventOrderPaid,
			Fields: map[string]schema.Kind{
				"orderId": schema.String,
				"amount":  schema.Number,
				"paidAt":  schema.String,
			},
		},
		{
			EventType: EventOrderShipped,
			Fields: map[string]schema.Kind{
				"orderId":   schema.String,
				"shippedAt": schema.String,
			},
		},
		{
			EventType: EventOrderCancelled,
			Fields: map[string]schema.Kind{
				"orderId":     schema.String,
				"cancelledAt": schema.String,
			},
			Optional: map[string]schema.Kind{
				"reason": schema.String,
			},
		},
	}
}
