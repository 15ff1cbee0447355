package order

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/example/ec-eventsourcing/internal/domain/aggregate"
	"github.com/example/ec-eventsourcing/internal/infrastructure/store"
)

const AggregateType = "Order"

type Status string

const (
	StatusNone      Status = ""
	StatusPlaced    Status = "PLACED"
	StatusPaid      Status = "PAID"
	StatusShipped   Status = "SHIPPED"
	StatusCancelled Status = "CANCELLED"
)

var (
	ErrUnknownCommand   = fmt.Errorf("%w: unknown order command", aggregate.ErrCommandValidation)
	ErrMissingOrderID   = fmt.Errorf("%w: order id is required", aggregate.ErrCommandValidation)
	ErrEmptyOrder       = fmt.Errorf("%w: order must have at least one item", aggregate.ErrCommandValidation)
	ErrInvalidItem      = fmt.Errorf("%w: invalid order item", aggregate.ErrCommandValidation)
	ErrOrderNotFound    = fmt.Errorf("%w: order not found", aggregate.ErrStateConflict)
	ErrOrderExists      = fmt.Errorf("%w: order already exists", aggregate.ErrStateConflict)
	ErrInvalidStatus    = fmt.Errorf("%w: invalid order status transition", aggregate.ErrStateConflict)
	ErrOrderAlreadyPaid = fmt.Errorf("%w: order is already paid", aggregate.ErrStateConflict)
	ErrOrderNotPaid     = fmt.Errorf("%w: order must be paid before shipping", aggregate.ErrStateConflict)
	ErrOrderShipped     = fmt.Errorf("%w: cannot cancel shipped order", aggregate.ErrStateConflict)
	ErrOrderCancelled   = fmt.Errorf("%w: order is already cancelled", aggregate.ErrStateConflict)
)

// validTransitions defines allowed state transitions
var validTransitions = map[Status][]Status{
	StatusPlaced:    {StatusPaid, StatusCancelled},
	StatusPaid:      {StatusShipped, StatusCancelled},
	StatusShipped:   {}, // terminal state
	StatusCancelled: {}, // terminal state
}

// commandTargets maps each state-changing command to the status it moves to.
var commandTargets = map[string]Status{
	CommandPayOrder:    StatusPaid,
	CommandShipOrder:   StatusShipped,
	CommandCancelOrder: StatusCancelled,
}

type Order struct {
	ID           string      `json:"orderId"`
	UserID       string      `json:"userId"`
	Items        []OrderItem `json:"items"`
	Total        int         `json:"total"`
	Status       Status      `json:"status"`
	CancelReason string      `json:"cancelReason,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
	Version      int         `json:"version"` // Current event version
}

// Exists reports whether the order has been placed.
func (o Order) Exists() bool { return o.Status != StatusNone }

// CanTransitionTo checks if the order can transition to the target status
func (o Order) CanTransitionTo(target Status) bool {
	return slices.Contains(validTransitions[o.Status], target)
}

// transitionError returns an appropriate error for an invalid transition
func (o Order) transitionError(target Status) error {
	switch {
	case o.Status == StatusCancelled:
		return ErrOrderCancelled
	case o.Status == StatusShipped && target == StatusCancelled:
		return ErrOrderShipped
	case (o.Status == StatusPaid || o.Status == StatusShipped) && target == StatusPaid:
		return ErrOrderAlreadyPaid
	case o.Status == StatusPlaced && target == StatusShipped:
		return ErrOrderNotPaid
	default:
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidStatus, o.Status, target)
	}
}

// Aggregate implements aggregate.Aggregate[Order].
type Aggregate struct {
	now func() time.Time
}

var _ aggregate.Aggregate[Order] = (*Aggregate)(nil)

func New() *Aggregate {
	return &Aggregate{now: time.Now}
}

func (a *Aggregate) Type() string { return AggregateType }

func (a *Aggregate) InitialState() Order { return Order{} }

func (a *Aggregate) ValidateCommand(cmd aggregate.Command) error {
	if cmd.AggregateID == "" {
		return ErrMissingOrderID
	}

	switch cmd.CommandType {
	case CommandPlaceOrder:
		var p PlaceOrder
		if err := cmd.DecodePayload(&p); err != nil {
			return err
		}
		if len(p.Items) == 0 {
			return ErrEmptyOrder
		}
		for i, item := range p.Items {
			if item.ProductID == "" || item.Quantity <= 0 || item.Price < 0 {
				return fmt.Errorf("%w: item %d", ErrInvalidItem, i)
			}
		}
	case CommandCancelOrder:
		if len(cmd.Payload) > 0 {
			var p CancelOrder
			if err := cmd.DecodePayload(&p); err != nil {
				return err
			}
		}
	case CommandPayOrder, CommandShipOrder:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.CommandType)
	}
	return nil
}

func (a *Aggregate) ValidateAgainstState(o Order, cmd aggregate.Command) error {
	if cmd.CommandType == CommandPlaceOrder {
		if o.Exists() {
			return ErrOrderExists
		}
		return nil
	}

	if !o.Exists() {
		return ErrOrderNotFound
	}
	target := commandTargets[cmd.CommandType]
	if !o.CanTransitionTo(target) {
		return o.transitionError(target)
	}
	return nil
}

func (a *Aggregate) Execute(o Order, cmd aggregate.Command) ([]aggregate.DraftEvent, error) {
	at := cmd.Timestamp
	if at.IsZero() {
		at = a.now()
	}
	at = at.UTC()

	switch cmd.CommandType {
	case CommandPlaceOrder:
		var p PlaceOrder
		if err := cmd.DecodePayload(&p); err != nil {
			return nil, err
		}
		var total int
		for _, item := range p.Items {
			total += item.Price * item.Quantity
		}
		return []aggregate.DraftEvent{{
			EventType: EventOrderPlaced,
			Timestamp: at,
			Payload: OrderPlaced{
				OrderID:  cmd.AggregateID,
				UserID:   cmd.Metadata.UserID,
				Items:    p.Items,
				Total:    total,
				PlacedAt: at,
			},
		}}, nil

	case CommandPayOrder:
		return []aggregate.DraftEvent{{
			EventType: EventOrderPaid,
			Timestamp: at,
			Payload:   OrderPaid{OrderID: cmd.AggregateID, Amount: o.Total, PaidAt: at},
		}}, nil

	case CommandShipOrder:
		return []aggregate.DraftEvent{{
			EventType: EventOrderShipped,
			Timestamp: at,
			Payload:   OrderShipped{OrderID: cmd.AggregateID, ShippedAt: at},
		}}, nil

	case CommandCancelOrder:
		var p CancelOrder
		if len(cmd.Payload) > 0 {
			if err := cmd.DecodePayload(&p); err != nil {
				return nil, err
			}
		}
		return []aggregate.DraftEvent{{
			EventType: EventOrderCancelled,
			Timestamp: at,
			Payload:   OrderCancelled{OrderID: cmd.AggregateID, Reason: p.Reason, CancelledAt: at},
		}}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.CommandType)
}

// Apply applies a single event to the order state
func (a *Aggregate) Apply(o Order, event store.DomainEvent) (Order, error) {
	switch event.EventType {
	case EventOrderPlaced:
		var data OrderPlaced
		if err := json.Unmarshal(event.Payload, &data); err != nil {
			return o, err
		}
		o.ID = data.OrderID
		o.UserID = data.UserID
		o.Items = slices.Clone(data.Items)
		o.Total = data.Total
		o.Status = StatusPlaced
		o.CreatedAt = data.PlacedAt
		o.UpdatedAt = data.PlacedAt
	case EventOrderPaid:
		var data OrderPaid
		if err := json.Unmarshal(event.Payload, &data); err != nil {
			return o, err
		}
		o.Status = StatusPaid
		o.UpdatedAt = data.PaidAt
	case EventOrderShipped:
		var data OrderShipped
		if err := json.Unmarshal(event.Payload, &data); err != nil {
			return o, err
		}
		o.Status = StatusShipped
		o.UpdatedAt = data.ShippedAt
	case EventOrderCancelled:
		var data OrderCancelled
		if err := json.Unmarshal(event.Payload, &data); err != nil {
			return o, err
		}
		o.Status = StatusCancelled
		o.CancelReason = data.Reason
		o.UpdatedAt = data.CancelledAt
	default:
		return o, fmt.Errorf("unknown order event type %q", event.EventType)
	}
	o.Version = event.AggregateVersion
	return o, nil
}
