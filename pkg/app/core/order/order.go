package order

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidSize   = errors.New("order size must be positive")
	ErrInvalidSide   = errors.New("order side must be buy or sell")
	ErrInvalidType   = errors.New("order type must be market or limit")
	ErrInvalidLimit  = errors.New("limit order requires a positive limit price")
	ErrMissingSymbol = errors.New("order symbol is required")
	ErrInvalidPrice  = errors.New("fill price must be positive")
)

// Side is the direction of an order or fill.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

// SideFor returns the side that moves a position by a signed quantity.
func SideFor(signedQty float64) Side {
	if signedQty < 0 {
		return Sell
	}
	return Buy
}

type Type string

const (
	Market Type = "market"
	Limit  Type = "limit"
)

// Order is an immutable trade instruction. Size is always positive;
// Side carries the direction.
type Order struct {
	ID         string         `json:"id,omitempty"`
	Symbol     string         `json:"symbol"`
	Side       Side           `json:"side"`
	Size       float64        `json:"size"`
	Type       Type           `json:"order_type"`
	LimitPrice float64        `json:"limit_price,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewMarket builds a validated market order.
func NewMarket(symbol string, side Side, size float64) (Order, error) {
	o := Order{Symbol: symbol, Side: side, Size: size, Type: Market}
	if err := o.Validate(); err != nil {
		return Order{}, err
	}
	return o, nil
}

// NewLimit builds a validated limit order.
func NewLimit(symbol string, side Side, size, limitPrice float64) (Order, error) {
	o := Order{Symbol: symbol, Side: side, Size: size, Type: Limit, LimitPrice: limitPrice}
	if err := o.Validate(); err != nil {
		return Order{}, err
	}
	return o, nil
}

// Flatten builds the market order that closes a signed position quantity.
// A flat quantity yields ok=false.
func Flatten(symbol string, qty float64) (Order, bool) {
	if qty == 0 || math.IsNaN(qty) {
		return Order{}, false
	}
	return Order{
		Symbol:   symbol,
		Side:     SideFor(-qty),
		Size:     math.Abs(qty),
		Type:     Market,
		Metadata: map[string]any{"source": "kill_switch_flatten"},
	}, true
}

// Validate reports configuration errors; these are never recoverable.
func (o Order) Validate() error {
	if o.Symbol == "" {
		return ErrMissingSymbol
	}
	if !o.Side.Valid() {
		return fmt.Errorf("%w: got %q", ErrInvalidSide, o.Side)
	}
	if !(o.Size > 0) || math.IsInf(o.Size, 0) {
		return fmt.Errorf("%w: got %v", ErrInvalidSize, o.Size)
	}
	switch o.Type {
	case Market, "":
	case Limit:
		if !(o.LimitPrice > 0) {
			return fmt.Errorf("%w: got %v", ErrInvalidLimit, o.LimitPrice)
		}
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidType, o.Type)
	}
	return nil
}

func (o Order) IsLimit() bool { return o.Type == Limit }

// SignedSize is Size with the side's sign applied.
func (o Order) SignedSize() float64 { return o.Side.Sign() * o.Size }

// WithID returns a copy carrying id.
func (o Order) WithID(id string) Order {
	o.ID = id
	return o
}

// WithSize returns a copy with a new size. The caller validates.
func (o Order) WithSize(size float64) Order {
	o.Size = size
	return o
}
