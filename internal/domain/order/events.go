package order

import "time"

const (
	EventOrderPlaced    = "OrderPlaced"
	EventOrderPaid      = "OrderPaid"
	EventOrderShipped   = "OrderShipped"
	EventOrderCancelled = "OrderCancelled"
)

type OrderItem struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	Price     int    `json:"price"`
}

type OrderPlaced struct {
	OrderID  string      `json:"orderId"`
	UserID   string      `json:"userId"`
	Items    []OrderItem `json:"items"`
	Total    int         `json:"total"`
	PlacedAt time.Time   `json:"placedAt"`
}

type OrderPaid struct {
	OrderID string    `json:"orderId"`
	Amount  int       `json:"amount"`
	PaidAt  time.Time `json:"paidAt"`
}

type OrderShipped struct {
	OrderID   string    `json:"orderId"`
	ShippedAt time.Time `json:"shippedAt"`
}

type OrderCancelled struct {
	OrderID     string    `json:"orderId"`
	Reason      string    `json:"reason"`
	CancelledAt time.Time `json:"cancelledAt"`
}
