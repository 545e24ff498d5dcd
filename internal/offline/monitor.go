package offline

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/xelth-com/eckstocktake/internal/utils"
)

const (
	pingTimeout    = 5 * time.Second
	maxHistorySize = 100
)

// Pinger is anything that can tell whether the remote store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusChange records a connectivity transition
type StatusChange struct {
	Online    bool      `json:"online"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Status is a snapshot of the monitor for the status endpoint
type Status struct {
	Online       bool           `json:"online"`
	LastCheck    time.Time      `json:"lastCheck"`
	LastSuccess  *time.Time     `json:"lastSuccess,omitempty"`
	LastFailure  *time.Time     `json:"lastFailure,omitempty"`
	FailureCount int            `json:"failureCount"`
	Pending      int            `json:"pending"`
	LastFlush    *FlushResult   `json:"lastFlush,omitempty"`
	History      []StatusChange `json:"history"`
}

// Monitor pings the remote store on an interval and flushes the queue when
// connectivity comes back
type Monitor struct {
	mu sync.RWMutex

	pinger Pinger
	queue  *Queue
	clock  utils.Clock

	isOnline     bool
	lastCheck    time.Time
	lastSuccess  *time.Time
	lastFailure  *time.Time
	failureCount int
	lastFlush    *FlushResult
	history      []StatusChange
	onRestore    []func(ctx context.Context)

	interval time.Duration
	running  bool
	stop     chan struct{}
}

// NewMonitor starts out offline, so the first successful check flushes
// whatever an earlier run left queued
func NewMonitor(pinger Pinger, queue *Queue, clock utils.Clock, interval time.Duration) *Monitor {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		pinger:   pinger,
		queue:    queue,
		clock:    clock,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// OnRestore registers fn to run after the queue is flushed on reconnect
func (m *Monitor) OnRestore(fn func(ctx context.Context)) {
	m.mu.Lock()
	m.onRestore = append(m.onRestore, fn)
	m.mu.Unlock()
}

// Start begins periodic checks
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	go m.loop()
}

// Stop ends periodic checks
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	m.running = false
	close(m.stop)
}

func (m *Monitor) loop() {
	m.Check(context.Background())

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Check(context.Background())
		case <-m.stop:
			return
		}
	}
}

// IsOnline reports the result of the last check
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isOnline
}

// Check pings once, records the result and flushes on an offline to online
// transition. It returns the new online state.
func (m *Monitor) Check(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	err := m.pinger.Ping(pingCtx)
	cancel()

	now := m.clock.Now()
	m.mu.Lock()
	m.lastCheck = now
	wasOnline := m.isOnline
	if err != nil {
		m.failureCount++
		m.lastFailure = &now
		m.isOnline = false
		if wasOnline {
			m.logChange(false, err.Error(), now)
		}
		m.mu.Unlock()
		return false
	}
	m.failureCount = 0
	m.lastSuccess = &now
	m.isOnline = true
	if !wasOnline {
		m.logChange(true, "remote store reachable", now)
	}
	hooks := append([]func(context.Context){}, m.onRestore...)
	m.mu.Unlock()

	if !wasOnline {
		m.restore(ctx, hooks)
	}
	return true
}

func (m *Monitor) restore(ctx context.Context, hooks []func(context.Context)) {
	if m.queue != nil {
		res, err := m.queue.Flush(ctx)
		if err != nil {
			log.Printf("❌ Offline: flush after reconnect failed: %v", err)
		} else {
			m.mu.Lock()
			m.lastFlush = &res
			m.mu.Unlock()
		}
	}
	for _, fn := range hooks {
		fn(ctx)
	}
}

// RecordFlush stores the result of a flush triggered outside the monitor
func (m *Monitor) RecordFlush(res FlushResult) {
	m.mu.Lock()
	m.lastFlush = &res
	m.mu.Unlock()
}

// logChange must be called with mu held
func (m *Monitor) logChange(online bool, reason string, at time.Time) {
	m.history = append(m.history, StatusChange{Online: online, Reason: reason, Timestamp: at})
	if len(m.history) > maxHistorySize {
		m.history = m.history[len(m.history)-maxHistorySize:]
	}
	if online {
		log.Printf("🌐 Connectivity restored: %s", reason)
	} else {
		log.Printf("⚠️ Connectivity lost: %s", reason)
	}
}

// Status returns a snapshot of the monitor and the queue
func (m *Monitor) Status() Status {
	m.mu.RLock()
	s := Status{
		Online:       m.isOnline,
		LastCheck:    m.lastCheck,
		LastSuccess:  m.lastSuccess,
		LastFailure:  m.lastFailure,
		FailureCount: m.failureCount,
		LastFlush:    m.lastFlush,
		History:      append([]StatusChange{}, m.history...),
	}
	m.mu.RUnlock()
	if m.queue != nil {
		s.Pending = m.queue.PendingCount()
	}
	return s
}
