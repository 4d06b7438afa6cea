package api

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"fx-dashboard/internal/candles"
)

const (
	defaultGranularity = "H1"
	defaultWidth       = 960
	defaultHeight      = 480
	maxDimension       = 4000
	maxEventLimit      = 5000
)

// Validator turns query strings into typed requests.
type Validator struct {
	instrumentRegex *regexp.Regexp
}

var (
	validatorInstance *Validator
	validatorOnce     sync.Once
)

// GetValidator returns the singleton validator instance.
func GetValidator() *Validator {
	validatorOnce.Do(func() {
		validatorInstance = &Validator{
			// EUR_USD, EURUSD, eur_usd
			instrumentRegex: regexp.MustCompile(`^[A-Za-z]{3}_?[A-Za-z]{3}$`),
		}
	})
	return validatorInstance
}

// CandleQuery holds the raw candle query parameters.
type CandleQuery struct {
	Instrument  string
	Granularity string
	From        string
	To          string
	Count       string
}

// ValidateCandleQuery builds a candles.Request. Either from+to or count is required.
func (v *Validator) ValidateCandleQuery(q CandleQuery) (candles.Request, error) {
	instrument := sanitizeInput(q.Instrument)
	if instrument == "" {
		return candles.Request{}, errors.New("instrument parameter is required")
	}
	if !v.instrumentRegex.MatchString(instrument) {
		return candles.Request{}, fmt.Errorf("invalid instrument %q, expected e.g. EUR_USD", instrument)
	}

	granularity := strings.ToUpper(sanitizeInput(q.Granularity))
	if granularity == "" {
		granularity = defaultGranularity
	}
	if _, ok := candles.GranularityDuration(granularity); !ok {
		return candles.Request{}, fmt.Errorf("unsupported granularity %q", granularity)
	}

	req := candles.Request{Instrument: strings.ToUpper(instrument), Granularity: granularity}

	from, to := sanitizeInput(q.From), sanitizeInput(q.To)
	if from != "" || to != "" {
		if from == "" || to == "" {
			return candles.Request{}, errors.New("from and to must be given together")
		}
		var err error
		if req.Range.From, err = parseTime(from); err != nil {
			return candles.Request{}, fmt.Errorf("invalid from: %w", err)
		}
		if req.Range.To, err = parseTime(to); err != nil {
			return candles.Request{}, fmt.Errorf("invalid to: %w", err)
		}
	}

	if count := sanitizeInput(q.Count); count != "" {
		n, err := strconv.Atoi(count)
		if err != nil {
			return candles.Request{}, errors.New("count must be a valid number")
		}
		req.Count = n
	}

	// Range/count rules and the count cap live with the request type.
	if err := req.Validate(); err != nil {
		return candles.Request{}, err
	}
	return req, nil
}

// ValidateDimensions parses chart width and height, defaulting when absent.
func (v *Validator) ValidateDimensions(width, height string) (int, int, error) {
	w, err := parseBounded(width, defaultWidth, maxDimension)
	if err != nil {
		return 0, 0, fmt.Errorf("width %w", err)
	}
	h, err := parseBounded(height, defaultHeight, maxDimension)
	if err != nil {
		return 0, 0, fmt.Errorf("height %w", err)
	}
	return w, h, nil
}

// Navigation is a chart pan/zoom/reset request, applied in that order after a reset.
type Navigation struct {
	Reset  bool
	Pan    time.Duration
	Zoom   float64
	Anchor time.Time
}

// ValidateNavigation parses the chart navigation parameters. pan is a Go duration
// ("-2h"), zoom a positive factor (> 1 zooms in) and anchor an optional zoom centre.
func (v *Validator) ValidateNavigation(reset, pan, zoom, anchor string) (Navigation, error) {
	nav := Navigation{Reset: parseBool(reset)}
	if pan = sanitizeInput(pan); pan != "" {
		d, err := time.ParseDuration(pan)
		if err != nil {
			return Navigation{}, fmt.Errorf("invalid pan %q, expected a duration like -2h", pan)
		}
		nav.Pan = d
	}
	if zoom = sanitizeInput(zoom); zoom != "" {
		f, err := strconv.ParseFloat(zoom, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
			return Navigation{}, fmt.Errorf("invalid zoom %q, expected a positive factor", zoom)
		}
		nav.Zoom = f
	}
	if anchor = sanitizeInput(anchor); anchor != "" {
		t, err := parseTime(anchor)
		if err != nil {
			return Navigation{}, fmt.Errorf("invalid anchor: %w", err)
		}
		nav.Anchor = t
	}
	return nav, nil
}

// ValidateLimit parses an event/log limit. Zero means the store default.
func (v *Validator) ValidateLimit(limit string) (int, error) {
	if sanitizeInput(limit) == "" {
		return 0, nil
	}
	n, err := parseBounded(limit, 0, maxEventLimit)
	if err != nil {
		return 0, fmt.Errorf("limit %w", err)
	}
	return n, nil
}

// ValidateID checks a task, run or execution id from the path.
func (v *Validator) ValidateID(id string) (string, error) {
	id = sanitizeInput(id)
	if id == "" {
		return "", errors.New("id is required")
	}
	if strings.ContainsAny(id, "/?#") {
		return "", fmt.Errorf("invalid id %q", id)
	}
	return id, nil
}

func parseBounded(s string, def, max int) (int, error) {
	s = sanitizeInput(s)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New("must be a valid number")
	}
	if n < 1 || n > max {
		return 0, fmt.Errorf("must be between 1 and %d", max)
	}
	return n, nil
}

// parseTime accepts RFC 3339 or unix seconds.
func parseTime(s string) (time.Time, error) {
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.New("expected RFC 3339 or unix seconds")
	}
	return t.UTC(), nil
}

// sanitizeInput trims whitespace, strips control characters and caps the length.
func sanitizeInput(input string) string {
	input = strings.TrimSpace(input)
	input = strings.Map(func(r rune) rune {
		if r < 32 {
			return -1
		}
		return r
	}, input)
	if len(input) > 100 {
		input = input[:100]
	}
	return input
}

// parseBool treats "1", "true", "yes" as true.
func parseBool(s string) bool {
	switch strings.ToLower(sanitizeInput(s)) {
	case "1", "true", "yes":
		return true
	}
	return false
}
