package domain

// Aggregate types
const (
	AggregateOrder   = "Order"
	AggregateUser    = "User"
	AggregatePayment = "Payment"
	AggregateUnknown = "Unknown"
)

// Order event types
const (
	OrderCreated       = "order.created"
	OrderStatusChanged = "order.status_changed"
	OrderItemAdded     = "order.item_added"
)

// User event types
const (
	UserRegistered   = "user.registered"
	UserEmailChanged = "user.email_changed"
)

// Payment event types
const (
	PaymentInitiated = "payment.initiated"
	PaymentCompleted = "payment.completed"
	PaymentFailed    = "payment.failed"
)
