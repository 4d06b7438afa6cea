package db

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"fx-dashboard/internal/markers"
)

// priceKeys are the details fields that may carry an event's price, in order of
// preference.
var priceKeys = []string{"price", "fillPrice", "entryPrice", "exitPrice"}

// EventsFromRows converts strategy events to marker events. Rows without a price
// keep a nil Price and are dropped later by the aligner.
func EventsFromRows(rows []StrategyEventRow) []markers.Event {
	out := make([]markers.Event, 0, len(rows))
	for _, r := range rows {
		details := decodeDetails(r.Details)
		price := r.Price
		if price == nil {
			price = detailPrice(details)
		}

		dir := markers.ParseDirection(r.Signal)
		if dir == markers.DirectionNone {
			dir = markers.ParseDirection(details["side"])
		}

		meta := details
		meta["strategy"] = r.Strategy
		if r.Signal != "" {
			meta["signal"] = r.Signal
		}

		out = append(out, markers.Event{
			ID:        fmt.Sprintf("ev-%d", r.ID),
			Time:      r.TS,
			Price:     price,
			Type:      markers.ParseEventType(r.EventType),
			Direction: dir,
			Metadata:  meta,
		})
	}
	return out
}

// TradesToEvents converts trade rows to marker events.
func TradesToEvents(rows []TradeRow) []markers.Event {
	out := make([]markers.Event, 0, len(rows))
	for _, r := range rows {
		details := decodeDetails(r.Details)
		price := r.Price
		if price == nil {
			price = detailPrice(details)
		}
		meta := details
		if r.Amount != 0 {
			meta["amount"] = strconv.FormatFloat(r.Amount, 'f', -1, 64)
		}
		if r.RunID != "" {
			meta["run"] = r.RunID
		}
		out = append(out, markers.Event{
			ID:        fmt.Sprintf("trade-%d", r.ID),
			Time:      r.TS,
			Price:     price,
			Type:      markers.ParseEventType(r.Action),
			Direction: markers.ParseDirection(r.Side),
			Metadata:  meta,
		})
	}
	return out
}

// decodeDetails flattens a JSON object's scalar fields to strings. Anything that
// is not an object yields an empty map.
func decodeDetails(raw json.RawMessage) map[string]string {
	out := make(map[string]string)
	if len(raw) == 0 {
		return out
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return out
	}
	for k, v := range fields {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = s
			continue
		}
		text := strings.TrimSpace(string(v))
		if text == "null" || strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
			continue
		}
		out[k] = text
	}
	return out
}

func detailPrice(details map[string]string) *float64 {
	for _, k := range priceKeys {
		v, ok := details[k]
		if !ok {
			continue
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return &f
		}
	}
	return nil
}
