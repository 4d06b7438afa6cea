package markers

import (
	"strings"
	"time"
)

// EventType is the closed set of domain events that can be drawn on a chart.
// Adding a value requires a palette row; the palette test enforces it.
type EventType int

const (
	EventUnknown EventType = iota
	EventEntry
	EventScaleIn
	EventExit
	EventStopLoss
	EventTakeProfit
	EventStrategyStart
	EventStrategyEnd
	EventSignal
	EventInfo

	numEventTypes
)

var eventTypeNames = [numEventTypes]string{
	EventUnknown:       "unknown",
	EventEntry:         "entry",
	EventScaleIn:       "scale_in",
	EventExit:          "exit",
	EventStopLoss:      "stop_loss",
	EventTakeProfit:    "take_profit",
	EventStrategyStart: "strategy_start",
	EventStrategyEnd:   "strategy_end",
	EventSignal:        "signal",
	EventInfo:          "info",
}

func (t EventType) String() string {
	if t < 0 || t >= numEventTypes {
		return eventTypeNames[EventUnknown]
	}
	return eventTypeNames[t]
}

// ParseEventType maps backend event names onto EventType. Names used by the strategy
// event log (order_filled, trade_closed, ...) are accepted as aliases.
func ParseEventType(s string) EventType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "entry", "initial_entry", "order_filled", "open":
		return EventEntry
	case "scale_in", "add":
		return EventScaleIn
	case "exit", "close", "trade_closed":
		return EventExit
	case "stop_loss", "sl":
		return EventStopLoss
	case "take_profit", "tp":
		return EventTakeProfit
	case "strategy_start", "start", "run_started":
		return EventStrategyStart
	case "strategy_end", "end", "run_stopped":
		return EventStrategyEnd
	case "signal":
		return EventSignal
	case "info", "order_submitted", "note":
		return EventInfo
	default:
		return EventUnknown
	}
}

// Direction is the side of a trade-related event.
type Direction int

const (
	DirectionNone Direction = iota
	DirectionLong
	DirectionShort

	numDirections
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "long"
	case DirectionShort:
		return "short"
	default:
		return "none"
	}
}

// ParseDirection accepts buy/sell and long/short spellings in any case.
func ParseDirection(s string) Direction {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long":
		return DirectionLong
	case "sell", "short":
		return DirectionShort
	default:
		return DirectionNone
	}
}

// Kind is the marker category used for visibility grouping.
type Kind int

const (
	KindInfo Kind = iota
	KindBuy
	KindSell
	KindInitialEntry
	KindClose
	KindStart
	KindEnd
)

func (k Kind) String() string {
	switch k {
	case KindBuy:
		return "buy"
	case KindSell:
		return "sell"
	case KindInitialEntry:
		return "initial-entry"
	case KindClose:
		return "close"
	case KindStart:
		return "start"
	case KindEnd:
		return "end"
	default:
		return "info"
	}
}

// MarshalText renders Kind by name in JSON.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// IsTrade reports whether k belongs to the trade visibility group.
func (k Kind) IsTrade() bool {
	return k == KindBuy || k == KindSell || k == KindInitialEntry || k == KindClose
}

// IsBoundary reports whether k belongs to the start/end visibility group.
func (k Kind) IsBoundary() bool { return k == KindStart || k == KindEnd }

// Shape is the glyph a marker is drawn with.
type Shape int

const (
	ShapeCircle Shape = iota
	ShapeTriangleUp
	ShapeTriangleDown
	ShapeDiamond
)

func (s Shape) String() string {
	switch s {
	case ShapeTriangleUp:
		return "triangle-up"
	case ShapeTriangleDown:
		return "triangle-down"
	case ShapeDiamond:
		return "diamond"
	default:
		return "circle"
	}
}

func (s Shape) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Event is a domain event (trade, strategy event) as delivered by the backend.
type Event struct {
	ID        string
	Time      time.Time
	Price     *float64
	Type      EventType
	Direction Direction
	Metadata  map[string]string
}

// Visual describes how a marker is drawn.
type Visual struct {
	Shape   Shape  `json:"shape"`
	Color   string `json:"color"`
	Label   string `json:"label"`
	Tooltip string `json:"tooltip"`
}

// Marker is an immutable chart annotation. Date is used for display alignment only
// and need not equal any candle time.
type Marker struct {
	ID     string    `json:"id"`
	Date   time.Time `json:"date"`
	Price  float64   `json:"price"`
	Kind   Kind      `json:"kind"`
	Visual Visual    `json:"visual"`
}
