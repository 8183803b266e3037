package domain

import "fmt"

// UnknownAggregateID is returned for event types the resolver does not know.
// Unknown events are still logged so that newer producers stay compatible
// with older consumers; projections that do not list the type ignore them.
const UnknownAggregateID = "unknown"

// resolution maps an event type to its aggregate category and the payload
// field(s) that identify the aggregate instance.
type resolution struct {
	aggregateType string
	extract       func(payload map[string]interface{}) string
}

var resolutions = map[string]resolution{
	OrderCreated:       {AggregateOrder, prefixedField("order", "orderId")},
	OrderStatusChanged: {AggregateOrder, prefixedField("order", "orderId")},
	OrderItemAdded:     {AggregateOrder, prefixedField("order", "orderId")},
	UserRegistered:     {AggregateUser, prefixedField("user", "userId")},
	UserEmailChanged:   {AggregateUser, prefixedField("user", "userId")},
	PaymentInitiated:   {AggregatePayment, prefixedField("payment", "paymentId")},
	PaymentCompleted:   {AggregatePayment, prefixedField("payment", "paymentId")},
	PaymentFailed:      {AggregatePayment, prefixedField("payment", "paymentId")},
}

// Resolve maps an event type and payload to the identity and category of the
// aggregate the event belongs to. Unrecognized event types resolve to the
// unknown sentinel rather than failing.
func Resolve(eventType string, payload map[string]interface{}) (aggregateID, aggregateType string) {
	r, ok := resolutions[eventType]
	if !ok {
		return UnknownAggregateID, AggregateUnknown
	}

	id := r.extract(payload)
	if id == "" {
		return UnknownAggregateID, AggregateUnknown
	}
	return id, r.aggregateType
}

// prefixedField builds an extraction rule that reads one payload field and
// prefixes it, e.g. orderId 42 -> "order-42".
func prefixedField(prefix, field string) func(map[string]interface{}) string {
	return func(payload map[string]interface{}) string {
		value, ok := payload[field]
		if !ok || value == nil {
			return ""
		}

		switch v := value.(type) {
		case string:
			if v == "" {
				return ""
			}
			return prefix + "-" + v
		case float64:
			// JSON numbers decode as float64.
			return fmt.Sprintf("%s-%d", prefix, int64(v))
		case int:
			return fmt.Sprintf("%s-%d", prefix, v)
		case int64:
			return fmt.Sprintf("%s-%d", prefix, v)
		default:
			return fmt.Sprintf("%s-%v", prefix, v)
		}
	}
}
