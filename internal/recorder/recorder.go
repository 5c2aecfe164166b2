// Package recorder keeps a bounded, queryable history of served interactions.
package recorder

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/prasenjit/translucent/internal/models"
)

// Defaults
const (
	DefaultMaxInteractions = 1000
	DefaultRetention       = time.Hour
	DefaultMaxBodyBytes    = 64 * 1024
)

// Options configure a Recorder. Zero values select the defaults.
type Options struct {
	MaxInteractions int
	Retention       time.Duration
	MaxBodyBytes    int
	// Now overrides the clock used for timestamps and age eviction.
	Now func() time.Time
}

// Recorder stores interactions oldest first and evicts by count and by age.
type Recorder struct {
	mu           sync.RWMutex
	interactions []*models.Interaction
	byID         map[string]*models.Interaction
	subscribers  map[string]*subscription

	maxInteractions int
	retention       time.Duration
	maxBodyBytes    int
	now             func() time.Time
}

type subscription struct {
	ch     chan *models.Interaction
	filter *models.InteractionFilter
}

// New creates a new recorder
func New(opts Options) *Recorder {
	if opts.MaxInteractions <= 0 {
		opts.MaxInteractions = DefaultMaxInteractions
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Recorder{
		interactions:    make([]*models.Interaction, 0),
		byID:            make(map[string]*models.Interaction),
		subscribers:     make(map[string]*subscription),
		maxInteractions: opts.MaxInteractions,
		retention:       opts.Retention,
		maxBodyBytes:    opts.MaxBodyBytes,
		now:             opts.Now,
	}
}

// MaxBodyBytes returns the body capture limit.
func (r *Recorder) MaxBodyBytes() int {
	return r.maxBodyBytes
}

// Truncate converts body to a string of at most MaxBodyBytes bytes without
// splitting a UTF-8 sequence, reporting whether it was shortened.
func (r *Recorder) Truncate(body []byte) (string, bool) {
	if len(body) <= r.maxBodyBytes {
		return string(body), false
	}
	cut := r.maxBodyBytes
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return string(body[:cut]), true
}

// Record stores an interaction, assigning its ID and timestamp if unset,
// and notifies subscribers. The interaction must not be modified afterwards.
func (r *Recorder) Record(in *models.Interaction) {
	r.mu.Lock()

	// Generate ID if not set
	if in.ID == "" {
		in.ID = uuid.New().String()
	}

	// Set timestamp if not set
	now := r.now()
	if in.Timestamp.IsZero() {
		in.Timestamp = now
	}

	r.interactions = append(r.interactions, in)
	r.byID[in.ID] = in
	r.evictLocked(now)

	// Notify subscribers (non-blocking)
	for _, sub := range r.subscribers {
		if !sub.filter.Matches(in) {
			continue
		}
		select {
		case sub.ch <- in:
		default:
			// Channel full, skip
		}
	}

	r.mu.Unlock()
}

// evictLocked drops records beyond the count bound and records older than
// the retention window, oldest first.
func (r *Recorder) evictLocked(now time.Time) {
	drop := 0
	if over := len(r.interactions) - r.maxInteractions; over > 0 {
		drop = over
	}
	cutoff := now.Add(-r.retention)
	for drop < len(r.interactions) && r.interactions[drop].Timestamp.Before(cutoff) {
		drop++
	}
	if drop == 0 {
		return
	}
	for i, in := range r.interactions[:drop] {
		delete(r.byID, in.ID)
		r.interactions[i] = nil
	}
	r.interactions = r.interactions[drop:]
}

// Prune applies age eviction without recording.
func (r *Recorder) Prune() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked(r.now())
}

// List returns interactions matching the filter, newest first.
func (r *Recorder) List(filter *models.InteractionFilter) []*models.Interaction {
	r.mu.RLock()
	snapshot := make([]*models.Interaction, len(r.interactions))
	copy(snapshot, r.interactions)
	r.mu.RUnlock()

	cutoff := r.now().Add(-r.retention)
	result := make([]*models.Interaction, 0)
	for i := len(snapshot) - 1; i >= 0; i-- {
		in := snapshot[i]
		if in.Timestamp.Before(cutoff) {
			break
		}
		if !filter.Matches(in) {
			continue
		}

		result = append(result, in)

		// Apply limit
		if filter != nil && filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}

	return result
}

// Get returns a single interaction by ID
func (r *Recorder) Get(id string) (*models.Interaction, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	in, ok := r.byID[id]
	if !ok || in.Timestamp.Before(r.now().Add(-r.retention)) {
		return nil, false
	}
	return in, true
}

// Len returns the number of stored interactions.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.interactions)
}

// Clear removes all interactions
func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.interactions = make([]*models.Interaction, 0)
	r.byID = make(map[string]*models.Interaction)
}

// Subscribe creates a subscription for live interactions matching filter.
func (r *Recorder) Subscribe(filter *models.InteractionFilter) (string, <-chan *models.Interaction) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.New().String()
	ch := make(chan *models.Interaction, 100)
	r.subscribers[id] = &subscription{ch: ch, filter: filter}

	return id, ch
}

// Unsubscribe removes a subscription
func (r *Recorder) Unsubscribe(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.subscribers[id]; ok {
		close(sub.ch)
		delete(r.subscribers, id)
	}
}

// Stats returns recorder statistics
func (r *Recorder) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]interface{}{
		"totalInteractions": len(r.interactions),
		"maxInteractions":   r.maxInteractions,
		"retention":         r.retention.String(),
		"maxBodyBytes":      r.maxBodyBytes,
		"activeSubscribers": len(r.subscribers),
	}
}
