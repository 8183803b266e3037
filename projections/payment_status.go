package projections

import (
	"example.com/orderhub/domain"
)

// PaymentStatus materializes one row per payment with its latest outcome.
func PaymentStatus() Projection {
	return Projection{
		Name: "payment-status",
		EventTypes: []string{
			domain.PaymentInitiated,
			domain.PaymentCompleted,
			domain.PaymentFailed,
		},
		Fold: foldPaymentStatus,
	}
}

func foldPaymentStatus(eventType string, payload map[string]interface{}, aggregateID string, prev map[string]interface{}) (map[string]interface{}, error) {
	switch eventType {
	case domain.PaymentInitiated:
		return map[string]interface{}{
			"paymentId": payload["paymentId"],
			"orderId":   payload["orderId"],
			"amount":    payload["amount"],
			"status":    "initiated",
		}, nil

	case domain.PaymentCompleted:
		if prev == nil {
			return nil, nil
		}
		next := cloneState(prev)
		next["status"] = "completed"
		next["transactionId"] = payload["transactionId"]
		return next, nil

	case domain.PaymentFailed:
		if prev == nil {
			return nil, nil
		}
		next := cloneState(prev)
		next["status"] = "failed"
		next["failureReason"] = payload["reason"]
		return next, nil
	}

	return nil, nil
}
