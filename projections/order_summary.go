package projections

import (
	"example.com/orderhub/domain"
)

// OrderSummary materializes one row per order with its current status, the
// full status history in event order, and the items added so far.
func OrderSummary() Projection {
	return Projection{
		Name: "order-summary",
		EventTypes: []string{
			domain.OrderCreated,
			domain.OrderStatusChanged,
			domain.OrderItemAdded,
		},
		Fold: foldOrderSummary,
	}
}

func foldOrderSummary(eventType string, payload map[string]interface{}, aggregateID string, prev map[string]interface{}) (map[string]interface{}, error) {
	switch eventType {
	case domain.OrderCreated:
		status := stringField(payload, "status")
		if status == "" {
			status = "created"
		}
		return map[string]interface{}{
			"orderId":       payload["orderId"],
			"customerId":    payload["customerId"],
			"status":        status,
			"total":         payload["total"],
			"items":         []interface{}{},
			"statusHistory": []interface{}{status},
		}, nil

	case domain.OrderStatusChanged:
		// A status change before the order exists has nothing to fold into.
		if prev == nil {
			return nil, nil
		}
		next := cloneState(prev)
		status := stringField(payload, "status")
		next["status"] = status
		next["statusHistory"] = append(sliceField(prev, "statusHistory"), status)
		return next, nil

	case domain.OrderItemAdded:
		if prev == nil {
			return nil, nil
		}
		next := cloneState(prev)
		next["items"] = append(sliceField(prev, "items"), map[string]interface{}{
			"productId": payload["productId"],
			"quantity":  payload["quantity"],
			"price":     payload["price"],
		})
		if total, ok := numberField(prev, "total"); ok {
			if price, ok := numberField(payload, "price"); ok {
				quantity, hasQuantity := numberField(payload, "quantity")
				if !hasQuantity {
					quantity = 1
				}
				next["total"] = total + price*quantity
			}
		}
		return next, nil
	}

	return nil, nil
}
