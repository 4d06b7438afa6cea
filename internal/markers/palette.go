package markers

// rule is one palette cell.
type rule struct {
	kind  Kind
	shape Shape
	color string
	label string
}

var fallback = rule{kind: KindInfo, shape: ShapeDiamond, color: "#9e9e9e", label: "Event"}

// palette is indexed by [EventType][Direction]. Every cell must be filled.
var palette = [numEventTypes][numDirections]rule{
	EventUnknown: {
		DirectionNone:  fallback,
		DirectionLong:  fallback,
		DirectionShort: fallback,
	},
	EventEntry: {
		DirectionNone:  {KindInitialEntry, ShapeDiamond, "#607d8b", "Entry"},
		DirectionLong:  {KindInitialEntry, ShapeTriangleUp, "#2e7d32", "Long entry"},
		DirectionShort: {KindInitialEntry, ShapeTriangleDown, "#c62828", "Short entry"},
	},
	EventScaleIn: {
		DirectionNone:  {KindInfo, ShapeDiamond, "#90a4ae", "Scale in"},
		DirectionLong:  {KindBuy, ShapeTriangleUp, "#81c784", "Long scale-in"},
		DirectionShort: {KindSell, ShapeTriangleDown, "#ef9a9a", "Short scale-in"},
	},
	EventExit: {
		DirectionNone:  {KindClose, ShapeCircle, "#1565c0", "Close"},
		DirectionLong:  {KindClose, ShapeCircle, "#1565c0", "Close long"},
		DirectionShort: {KindClose, ShapeCircle, "#1565c0", "Close short"},
	},
	EventStopLoss: {
		DirectionNone:  {KindClose, ShapeCircle, "#d84315", "Stop loss"},
		DirectionLong:  {KindClose, ShapeCircle, "#d84315", "Stop loss (long)"},
		DirectionShort: {KindClose, ShapeCircle, "#d84315", "Stop loss (short)"},
	},
	EventTakeProfit: {
		DirectionNone:  {KindClose, ShapeCircle, "#00897b", "Take profit"},
		DirectionLong:  {KindClose, ShapeCircle, "#00897b", "Take profit (long)"},
		DirectionShort: {KindClose, ShapeCircle, "#00897b", "Take profit (short)"},
	},
	EventStrategyStart: {
		DirectionNone:  {KindStart, ShapeCircle, "#6a1b9a", "Start"},
		DirectionLong:  {KindStart, ShapeCircle, "#6a1b9a", "Start"},
		DirectionShort: {KindStart, ShapeCircle, "#6a1b9a", "Start"},
	},
	EventStrategyEnd: {
		DirectionNone:  {KindEnd, ShapeCircle, "#4a148c", "End"},
		DirectionLong:  {KindEnd, ShapeCircle, "#4a148c", "End"},
		DirectionShort: {KindEnd, ShapeCircle, "#4a148c", "End"},
	},
	EventSignal: {
		DirectionNone:  {KindInfo, ShapeDiamond, "#f9a825", "Signal"},
		DirectionLong:  {KindBuy, ShapeTriangleUp, "#43a047", "Buy signal"},
		DirectionShort: {KindSell, ShapeTriangleDown, "#e53935", "Sell signal"},
	},
	EventInfo: {
		DirectionNone:  {KindInfo, ShapeDiamond, "#78909c", "Info"},
		DirectionLong:  {KindInfo, ShapeDiamond, "#78909c", "Info"},
		DirectionShort: {KindInfo, ShapeDiamond, "#78909c", "Info"},
	},
}

// lookup never fails: out-of-range values get the neutral fallback.
func lookup(t EventType, d Direction) rule {
	if t < 0 || t >= numEventTypes || d < 0 || d >= numDirections {
		return fallback
	}
	return palette[t][d]
}
