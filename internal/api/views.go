package api

import (
	"sync"
	"time"

	"fx-dashboard/internal/candles"
	"fx-dashboard/internal/chart"
)

const (
	// ChartViewIdle drops a chart session nobody has rendered for this long.
	ChartViewIdle = 30 * time.Minute
	maxChartViews = 256
)

type viewKey struct {
	id          string
	instrument  string
	granularity string
}

type viewEntry struct {
	view     *chart.View
	lastUsed time.Time
}

// viewRegistry keeps the chart views of browser sessions, so pan and zoom accumulate
// across /chart.svg requests that carry the same view_id.
type viewRegistry struct {
	mu      sync.Mutex
	idle    time.Duration
	max     int
	now     func() time.Time
	entries map[viewKey]*viewEntry
}

func newViewRegistry(idle time.Duration, max int) *viewRegistry {
	return &viewRegistry{
		idle:    idle,
		max:     max,
		now:     time.Now,
		entries: make(map[viewKey]*viewEntry),
	}
}

// get returns the session's view, creating it at initial. The second result is false
// for a newly created view.
func (r *viewRegistry) get(key viewKey, initial candles.Range) (*chart.View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.evictLocked(now)
	if e, ok := r.entries[key]; ok {
		e.lastUsed = now
		return e.view, true
	}
	if len(r.entries) >= r.max {
		r.evictOldestLocked()
	}
	v := chart.NewView(initial)
	r.entries[key] = &viewEntry{view: v, lastUsed: now}
	return v, false
}

func (r *viewRegistry) evictLocked(now time.Time) {
	for k, e := range r.entries {
		if now.Sub(e.lastUsed) > r.idle {
			delete(r.entries, k)
		}
	}
}

func (r *viewRegistry) evictOldestLocked() {
	var oldest viewKey
	var at time.Time
	for k, e := range r.entries {
		if at.IsZero() || e.lastUsed.Before(at) {
			oldest, at = k, e.lastUsed
		}
	}
	delete(r.entries, oldest)
}

func (r *viewRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
