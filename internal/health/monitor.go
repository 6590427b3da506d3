// Package health tracks a rolling window of call outcomes per provider. The
// result is advisory: it is reported, never used to gate calls.
package health

import (
	"sync"
	"time"
)

// Config holds the window size and the healthy thresholds
type Config struct {
	// WindowSize is the number of most recent outcomes kept
	WindowSize int
	// SuccessThreshold is the success rate the window must exceed (0..1)
	SuccessThreshold float64
	// LatencyCeiling is the bound the average latency must stay below
	LatencyCeiling time.Duration
}

// DefaultConfig returns a 20-call window, 50% success and a 10s latency ceiling
func DefaultConfig() Config {
	return Config{
		WindowSize:       20,
		SuccessThreshold: 0.5,
		LatencyCeiling:   10 * time.Second,
	}
}

// Status is a point-in-time view of one provider's window
type Status struct {
	Healthy        bool          `json:"healthy"`
	SuccessRate    float64       `json:"success_rate"`
	AverageLatency time.Duration `json:"average_latency"`
	SampleSize     int           `json:"sample_size"`
	LastChecked    time.Time     `json:"last_checked"`
}

type outcome struct {
	success bool
	latency time.Duration
}

// Record is the rolling window for a single provider. It is safe for concurrent use.
type Record struct {
	mu          sync.Mutex
	cfg         Config
	now         func() time.Time
	window      []outcome
	next        int
	filled      int
	lastChecked time.Time
}

// NewRecord creates an empty window. An empty window is reported healthy.
func NewRecord(cfg Config, now func() time.Time) *Record {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if now == nil {
		now = time.Now
	}
	return &Record{cfg: cfg, now: now, window: make([]outcome, cfg.WindowSize)}
}

// Observe appends an outcome, overwriting the oldest once the window is full
func (r *Record) Observe(success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.window[r.next] = outcome{success: success, latency: latency}
	r.next = (r.next + 1) % len(r.window)
	if r.filled < len(r.window) {
		r.filled++
	}
	r.lastChecked = r.now()
}

// Status computes the success rate and average latency over the window
func (r *Record) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Status{SampleSize: r.filled, LastChecked: r.lastChecked}
	if r.filled == 0 {
		st.Healthy = true
		return st
	}

	var successes int
	var total time.Duration
	for i := 0; i < r.filled; i++ {
		o := r.window[i]
		if o.success {
			successes++
		}
		total += o.latency
	}
	st.SuccessRate = float64(successes) / float64(r.filled)
	st.AverageLatency = total / time.Duration(r.filled)
	st.Healthy = st.SuccessRate > r.cfg.SuccessThreshold &&
		(r.cfg.LatencyCeiling <= 0 || st.AverageLatency < r.cfg.LatencyCeiling)
	return st
}

// IsHealthy reports the derived flag
func (r *Record) IsHealthy() bool {
	return r.Status().Healthy
}

// Reset empties the window
func (r *Record) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.window {
		r.window[i] = outcome{}
	}
	r.next = 0
	r.filled = 0
	r.lastChecked = time.Time{}
}

// Monitor owns one Record per configured provider. The provider set is fixed at
// construction, so lookups need no lock and providers never contend with each other.
type Monitor struct {
	records map[string]*Record
	order   []string
}

// NewMonitor creates a record for each name. A nil clock means time.Now.
func NewMonitor(cfg Config, names []string, now func() time.Time) *Monitor {
	m := &Monitor{records: make(map[string]*Record, len(names))}
	for _, name := range names {
		if _, dup := m.records[name]; dup {
			continue
		}
		m.records[name] = NewRecord(cfg, now)
		m.order = append(m.order, name)
	}
	return m
}

// Record returns the window for name, or nil when name is not configured
func (m *Monitor) Record(name string) *Record {
	return m.records[name]
}

// Observe records an outcome for name. Unknown names are ignored.
func (m *Monitor) Observe(name string, success bool, latency time.Duration) {
	if r := m.records[name]; r != nil {
		r.Observe(success, latency)
	}
}

// Snapshot returns every provider's status in configuration order
func (m *Monitor) Snapshot() []NamedStatus {
	out := make([]NamedStatus, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, NamedStatus{Name: name, Status: m.records[name].Status()})
	}
	return out
}

// NamedStatus pairs a provider name with its status
type NamedStatus struct {
	Name string
	Status
}
