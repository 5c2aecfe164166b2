// Package session keeps named record/replay sessions. A session in record
// mode captures the pass-through exchanges made under its id; in replay mode
// it answers those requests from the captured exchanges instead.
package session

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Mode is what a session does with requests carrying its id.
type Mode string

// Session modes
const (
	ModeRecord Mode = "record"
	ModeReplay Mode = "replay"
)

// ParseMode accepts a mode name case-insensitively; empty means record.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeRecord:
		return ModeRecord, nil
	case ModeReplay:
		return ModeReplay, nil
	}
	return "", fmt.Errorf("%w %q: expected record or replay", ErrInvalidMode, s)
}

// Defaults
const (
	DefaultMaxExchanges = 500
	DefaultMaxBodyBytes = 1024 * 1024
	// MaxIDLength bounds session ids.
	MaxIDLength = 128
)

var (
	ErrExists      = errors.New("session already exists")
	ErrNotFound    = errors.New("session not found")
	ErrInvalidMode = errors.New("invalid session mode")
	ErrInvalidID   = errors.New("invalid session id")
)

// Exchange is one captured request/response pair.
type Exchange struct {
	Method     string      `json:"method"`
	Path       string      `json:"path"`
	RawQuery   string      `json:"query,omitempty"`
	Status     int         `json:"status"`
	Header     http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	RecordedAt time.Time   `json:"recordedAt"`
}

// Info describes a session.
type Info struct {
	ID        string    `json:"id"`
	Mode      Mode      `json:"mode"`
	CreatedAt time.Time `json:"createdAt"`
	Exchanges int       `json:"exchanges"`
	// Replayed counts requests answered from the capture.
	Replayed int64 `json:"replayed"`
}

type session struct {
	id        string
	mode      Mode
	createdAt time.Time
	exchanges []Exchange
	replayed  int64
}

func (s *session) info() Info {
	return Info{ID: s.id, Mode: s.mode, CreatedAt: s.createdAt, Exchanges: len(s.exchanges), Replayed: s.replayed}
}

// Options configure a Manager. Zero values select the defaults.
type Options struct {
	// MaxExchanges bounds each session; the oldest exchange is dropped first.
	MaxExchanges int
	// MaxBodyBytes is the largest response body a session captures.
	MaxBodyBytes int
	Now          func() time.Time
}

// Manager owns every session. It is safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session

	maxExchanges int
	maxBodyBytes int
	now          func() time.Time
}

// NewManager creates an empty manager.
func NewManager(opts Options) *Manager {
	if opts.MaxExchanges <= 0 {
		opts.MaxExchanges = DefaultMaxExchanges
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		sessions:     make(map[string]*session),
		maxExchanges: opts.MaxExchanges,
		maxBodyBytes: opts.MaxBodyBytes,
		now:          opts.Now,
	}
}

// MaxBodyBytes returns the largest body a session captures.
func (m *Manager) MaxBodyBytes() int {
	return m.maxBodyBytes
}

// Create adds a session. It fails with ErrExists when the id is taken.
func (m *Manager) Create(id string, mode Mode) (Info, error) {
	if err := validateID(id); err != nil {
		return Info{}, err
	}
	if mode != ModeRecord && mode != ModeReplay {
		return Info{}, fmt.Errorf("%w %q", ErrInvalidMode, mode)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		return Info{}, fmt.Errorf("%w: %s", ErrExists, id)
	}
	s := &session{id: id, mode: mode, createdAt: m.now()}
	m.sessions[id] = s
	return s.info(), nil
}

// Get describes one session.
func (m *Manager) Get(id string) (Info, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

// Mode returns the mode of the session, or "" when id is unknown.
func (m *Manager) Mode(id string) Mode {
	if id == "" {
		return ""
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[id]; ok {
		return s.mode
	}
	return ""
}

// SetMode switches a session between recording and replaying. Captured
// exchanges are kept.
func (m *Manager) SetMode(id string, mode Mode) (Info, error) {
	if mode != ModeRecord && mode != ModeReplay {
		return Info{}, fmt.Errorf("%w %q", ErrInvalidMode, mode)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.mode = mode
	return s.info(), nil
}

// Delete removes a session and its exchanges.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(m.sessions, id)
	return nil
}

// List returns every session ordered by id.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Exchanges returns a copy of the captured exchanges, oldest first.
func (m *Manager) Exchanges(id string) ([]Exchange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	out := make([]Exchange, len(s.exchanges))
	copy(out, s.exchanges)
	return out, nil
}

// Record captures ex under the session when it exists and is recording.
// Bodies over MaxBodyBytes are not captured. It reports whether ex was kept.
func (m *Manager) Record(id string, ex Exchange) bool {
	if id == "" || len(ex.Body) > m.maxBodyBytes {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.mode != ModeRecord {
		return false
	}
	if ex.RecordedAt.IsZero() {
		ex.RecordedAt = m.now()
	}
	ex.Method = strings.ToUpper(ex.Method)
	ex.Header = ex.Header.Clone()
	ex.Body = append([]byte(nil), ex.Body...)

	s.exchanges = append(s.exchanges, ex)
	if over := len(s.exchanges) - m.maxExchanges; over > 0 {
		for i := range s.exchanges[:over] {
			s.exchanges[i] = Exchange{}
		}
		s.exchanges = s.exchanges[over:]
	}
	return true
}

// Replay finds the captured answer for a request. An exchange with the same
// method, path and query wins; otherwise the earliest exchange with the same
// method and path is used.
func (m *Manager) Replay(id, method, path, rawQuery string) (Exchange, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.mode != ModeReplay {
		return Exchange{}, false
	}

	method = strings.ToUpper(method)
	found := -1
	for i, ex := range s.exchanges {
		if ex.Method != method || ex.Path != path {
			continue
		}
		if ex.RawQuery == rawQuery {
			found = i
			break
		}
		if found < 0 {
			found = i
		}
	}
	if found < 0 {
		return Exchange{}, false
	}
	s.replayed++
	ex := s.exchanges[found]
	ex.Header = ex.Header.Clone()
	return ex, true
}

func validateID(id string) error {
	if id == "" || len(id) > MaxIDLength {
		return fmt.Errorf("%w: must be 1 to %d characters", ErrInvalidID, MaxIDLength)
	}
	for _, r := range id {
		if r <= ' ' || r == '/' || r == 0x7f {
			return fmt.Errorf("%w %q: no spaces, slashes or control characters", ErrInvalidID, id)
		}
	}
	return nil
}
