// Package stats aggregates request statistics per scenario and per outcome.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prasenjit/translucent/internal/models"
)

// Defaults
const (
	DefaultMaxErrors = 100
	// HoursReported is the length of the requests-by-hour series.
	HoursReported = 24
	// TopScenarios is how many of the busiest scenarios Global lists.
	TopScenarios = 10
)

// Sample is one served request.
type Sample struct {
	// ScenarioID is empty when no scenario matched.
	ScenarioID string
	// Method and Path describe the scenario, or the request when unmatched.
	Method string
	Path   string
	// RequestPath is the path as sent, kept with error entries.
	RequestPath string
	Outcome     models.Outcome
	Status      int
	Latency     time.Duration
	Err         string
}

// Options configure a Collector. Zero values select the defaults.
type Options struct {
	MaxErrors int
	Now       func() time.Time
}

// Collector is safe for concurrent use. Connection gauges are lock-free so
// the server's ConnState hook never waits on request accounting.
type Collector struct {
	mu       sync.RWMutex
	now      func() time.Time
	since    time.Time
	tallies  map[string]*tally
	outcomes map[models.Outcome]int64
	errors   errorRing
	hours    [HoursReported]hourBucket

	connsActive atomic.Int64
	connsTotal  atomic.Int64
}

// NewCollector creates an empty collector.
func NewCollector(opts Options) *Collector {
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = DefaultMaxErrors
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Collector{now: opts.Now, errors: errorRing{buf: make([]models.ErrorStat, opts.MaxErrors)}}
	c.clear()
	return c
}

func (c *Collector) clear() {
	c.since = c.now()
	c.tallies = make(map[string]*tally)
	c.outcomes = make(map[models.Outcome]int64)
	c.errors.reset()
	c.hours = [HoursReported]hourBucket{}
}

// ConnOpened counts a newly accepted connection.
func (c *Collector) ConnOpened() {
	c.connsActive.Add(1)
	c.connsTotal.Add(1)
}

// ConnClosed counts a closed or hijacked connection.
func (c *Collector) ConnClosed() {
	c.connsActive.Add(-1)
}

// ActiveConnections returns the number of open connections.
func (c *Collector) ActiveConnections() int64 {
	return c.connsActive.Load()
}

// Observe accounts for one served request. Error outcomes are also kept in
// the recent-errors list.
func (c *Collector) Observe(s Sample) {
	at := c.now()
	failed := s.Outcome.IsError()

	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tallies[s.ScenarioID]
	if !ok {
		t = &tally{method: s.Method, path: s.Path, outcomes: make(map[models.Outcome]int64)}
		c.tallies[s.ScenarioID] = t
	}
	t.add(s.Outcome, failed, s.Latency, at)
	c.outcomes[s.Outcome]++
	c.hourAt(at).add(failed)

	if failed {
		c.errors.push(models.ErrorStat{
			Timestamp:  at,
			ScenarioID: s.ScenarioID,
			Path:       s.RequestPath,
			Method:     s.Method,
			StatusCode: s.Status,
			Error:      s.Err,
		})
	}
}

// Global summarizes everything observed since start or the last Reset.
func (c *Collector) Global(generation uint64, totalScenarios int) *models.GlobalStats {
	now := c.now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	out := &models.GlobalStats{
		ActiveConnections: c.connsActive.Load(),
		TotalConnections:  c.connsTotal.Load(),
		Generation:        generation,
		TotalScenarios:    totalScenarios,
		StartTime:         c.since,
		Uptime:            formatDuration(now.Sub(c.since)),
		Outcomes:          make(map[models.Outcome]int64, len(c.outcomes)),
		RecentErrors:      c.errors.list(),
		RequestsByHour:    c.series(now),
	}
	for k, v := range c.outcomes {
		out.Outcomes[k] = v
	}

	var totalNs int64
	all := c.snapshotLocked()
	for _, t := range c.tallies {
		out.TotalRequests += t.requests
		out.TotalErrors += t.errors
		totalNs += t.totalNs
	}
	if out.TotalRequests > 0 {
		out.AvgResponseTimeMs = float64(totalNs) / float64(out.TotalRequests) / 1e6
	}
	if up := now.Sub(c.since).Seconds(); up > 0 {
		out.RequestsPerSecond = float64(out.TotalRequests) / up
	}

	// Busiest first; ids break ties so the listing is stable.
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].TotalRequests > all[j].TotalRequests
	})
	if len(all) > TopScenarios {
		all = all[:TopScenarios]
	}
	out.TopScenarios = all
	return out
}

// Scenario returns the statistics of one scenario, or nil when it has not
// been seen. Unmatched requests are kept under the empty id.
func (c *Collector) Scenario(id string) *models.ScenarioStat {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.tallies[id]
	if !ok {
		return nil
	}
	stat := t.snapshot(id)
	return &stat
}

// Scenarios returns every scenario seen, ordered by id.
func (c *Collector) Scenarios() []models.ScenarioStat {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *Collector) snapshotLocked() []models.ScenarioStat {
	out := make([]models.ScenarioStat, 0, len(c.tallies))
	for id, t := range c.tallies {
		out = append(out, t.snapshot(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScenarioID < out[j].ScenarioID })
	return out
}

// Reset forgets every observation. Connection gauges are kept.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clear()
}

// tally accumulates one scenario; the collector lock guards it.
type tally struct {
	method, path     string
	requests, errors int64
	totalNs          int64
	minNs, maxNs     int64
	last             time.Time
	outcomes         map[models.Outcome]int64
}

func (t *tally) add(outcome models.Outcome, failed bool, latency time.Duration, at time.Time) {
	ns := latency.Nanoseconds()
	if t.requests == 0 || ns < t.minNs {
		t.minNs = ns
	}
	if ns > t.maxNs {
		t.maxNs = ns
	}
	t.requests++
	t.totalNs += ns
	t.last = at
	t.outcomes[outcome]++
	if failed {
		t.errors++
	}
}

func (t *tally) snapshot(id string) models.ScenarioStat {
	stat := models.ScenarioStat{
		ScenarioID:        id,
		Method:            t.method,
		Path:              t.path,
		TotalRequests:     t.requests,
		TotalErrors:       t.errors,
		Outcomes:          make(map[models.Outcome]int64, len(t.outcomes)),
		MinResponseTimeMs: float64(t.minNs) / 1e6,
		MaxResponseTimeMs: float64(t.maxNs) / 1e6,
	}
	if t.requests > 0 {
		stat.AvgResponseTimeMs = float64(t.totalNs) / float64(t.requests) / 1e6
	}
	if !t.last.IsZero() {
		stat.LastRequestTime = t.last.Format(time.RFC3339)
	}
	for k, v := range t.outcomes {
		stat.Outcomes[k] = v
	}
	return stat
}

// hourBucket counts one clock hour. Buckets are reused round-robin; a
// bucket whose start is not the wanted hour holds stale counts.
type hourBucket struct {
	start            time.Time
	requests, errors int64
}

func (b *hourBucket) add(failed bool) {
	b.requests++
	if failed {
		b.errors++
	}
}

func hourSlot(h time.Time) int {
	return int((h.Unix() / 3600) % HoursReported)
}

// hourAt returns the bucket for the hour containing at, recycling it when
// it still holds an older hour.
func (c *Collector) hourAt(at time.Time) *hourBucket {
	h := at.Truncate(time.Hour)
	b := &c.hours[hourSlot(h)]
	if !b.start.Equal(h) {
		*b = hourBucket{start: h}
	}
	return b
}

// series lists the last HoursReported hours, oldest first.
func (c *Collector) series(now time.Time) []models.HourlyStat {
	current := now.Truncate(time.Hour)
	out := make([]models.HourlyStat, 0, HoursReported)
	for i := HoursReported - 1; i >= 0; i-- {
		h := current.Add(-time.Duration(i) * time.Hour)
		stat := models.HourlyStat{Hour: h.Format("15:00")}
		if b := c.hours[hourSlot(h)]; b.start.Equal(h) {
			stat.Requests, stat.Errors = b.requests, b.errors
		}
		out = append(out, stat)
	}
	return out
}

// errorRing keeps the most recent errors in a fixed buffer.
type errorRing struct {
	buf  []models.ErrorStat
	next int
	full bool
}

func (r *errorRing) push(e models.ErrorStat) {
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *errorRing) reset() {
	for i := range r.buf {
		r.buf[i] = models.ErrorStat{}
	}
	r.next, r.full = 0, false
}

// list returns the kept errors, oldest first.
func (r *errorRing) list() []models.ErrorStat {
	if !r.full {
		return append(make([]models.ErrorStat, 0, r.next), r.buf[:r.next]...)
	}
	out := make([]models.ErrorStat, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// formatDuration formats a duration in a human-readable format
func formatDuration(d time.Duration) string {
	switch {
	case d >= time.Hour:
		return d.Round(time.Minute).String()
	case d >= time.Minute:
		return d.Round(time.Second).String()
	}
	return d.Round(time.Millisecond).String()
}
