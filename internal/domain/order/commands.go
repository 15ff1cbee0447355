package order

const (
	CommandPlaceOrder  = "PlaceOrder"
	CommandPayOrder    = "PayOrder"
	CommandShipOrder   = "ShipOrder"
	CommandCancelOrder = "CancelOrder"
)

type PlaceOrder struct {
	Items []OrderItem `json:"items"`
}

type CancelOrder struct {
	Reason string `json:"reason"`
}
