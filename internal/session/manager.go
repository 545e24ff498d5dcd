package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xelth-com/eckstocktake/internal/localcache"
	"github.com/xelth-com/eckstocktake/internal/models"
	"github.com/xelth-com/eckstocktake/internal/store"
)

// Manager owns the sessions of this process and one Controller per device
// and session
type Manager struct {
	mu sync.Mutex

	deps            Deps
	sessions        store.SessionStore
	cache           localcache.Cache
	heartbeatWindow time.Duration
	controllers     map[string]*Controller
}

func NewManager(deps Deps, sessions store.SessionStore, cache localcache.Cache, heartbeatWindow time.Duration) *Manager {
	return &Manager{
		deps:            deps,
		sessions:        sessions,
		cache:           cache,
		heartbeatWindow: heartbeatWindow,
		controllers:     make(map[string]*Controller),
	}
}

func sessionCacheKey(id string) string { return "session:" + id }

// CreateSession opens a new stock-take session
func (m *Manager) CreateSession(ctx context.Context, st models.SessionType, date string) (*models.Session, error) {
	if !st.Valid() {
		return nil, fmt.Errorf("%w: session type must be FP or RM", ErrInvalidInput)
	}
	if date == "" {
		date = m.deps.Clock.Now().Format("2006-01-02")
	}
	s := &models.Session{
		ID:          uuid.New().String(),
		SessionType: st,
		Date:        date,
		Status:      models.SessionActive,
	}
	if err := m.sessions.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	m.cacheSession(*s)
	log.Printf("✅ Session %s (%s, %s) created", s.ID, s.SessionType, s.Date)
	return s, nil
}

// GetSession loads a session, falling back to the local cache while the
// remote store is unreachable
func (m *Manager) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s, err := m.sessions.GetSession(ctx, id)
	if err == nil {
		m.cacheSession(*s)
		return s, nil
	}
	if !errors.Is(err, store.ErrUnavailable) {
		return nil, err
	}
	var cached models.Session
	if cerr := localcache.GetJSON(m.cache, sessionCacheKey(id), &cached); cerr != nil {
		return nil, err
	}
	return &cached, nil
}

// SetStatus pauses, resumes or completes a session
func (m *Manager) SetStatus(ctx context.Context, id string, status models.SessionStatus) error {
	switch status {
	case models.SessionActive, models.SessionPaused, models.SessionCompleted:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	if err := m.sessions.UpdateSessionStatus(ctx, id, status); err != nil {
		return err
	}
	if s, err := m.sessions.GetSession(ctx, id); err == nil {
		m.cacheSession(*s)
	}
	return nil
}

// Heartbeat marks a device as present in a session
func (m *Manager) Heartbeat(ctx context.Context, sessionID, deviceID, userName string) error {
	return m.sessions.TouchDevice(ctx, models.SessionDevice{
		SessionID: sessionID,
		DeviceID:  deviceID,
		UserName:  userName,
		Status:    "active",
		LastSeen:  m.deps.Clock.Now(),
	})
}

// ActiveDevices lists the devices that sent a heartbeat within the window
func (m *Manager) ActiveDevices(ctx context.Context, sessionID string) ([]models.SessionDevice, error) {
	s, err := m.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	now := m.deps.Clock.Now()
	var active []models.SessionDevice
	for _, d := range s.Devices {
		if d.Active(now, m.heartbeatWindow) {
			active = append(active, d)
		}
	}
	return active, nil
}

// Controller returns the device's controller for a session, creating it on
// first use. Completed sessions accept no more scans.
func (m *Manager) Controller(ctx context.Context, sessionID, deviceID, userName string) (*Controller, error) {
	key := sessionID + "|" + deviceID

	m.mu.Lock()
	c, ok := m.controllers[key]
	m.mu.Unlock()
	if ok {
		return c, nil
	}

	s, err := m.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status == models.SessionCompleted {
		return nil, fmt.Errorf("%w: session %s is completed", ErrInvalidInput, sessionID)
	}
	if err := m.deps.Book.Refresh(ctx, sessionID); err != nil {
		log.Printf("⚠️ Session %s: using cached scans: %v", sessionID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.controllers[key]; ok {
		return c, nil
	}
	c = NewController(m.deps, s.ID, s.SessionType, deviceID, userName)
	m.controllers[key] = c
	return c, nil
}

// FlowController finds the device's controller that owns flowID
func (m *Manager) FlowController(flowID, deviceID string) (*Controller, error) {
	m.mu.Lock()
	controllers := make([]*Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		if c.DeviceID() == deviceID {
			controllers = append(controllers, c)
		}
	}
	m.mu.Unlock()

	for _, c := range controllers {
		if c.HasFlow(flowID) {
			return c, nil
		}
	}
	return nil, ErrFlowNotFound
}

// Book exposes the shared scan list
func (m *Manager) Book() *ScanBook { return m.deps.Book }

func (m *Manager) cacheSession(s models.Session) {
	s.Devices = nil
	if err := localcache.SetJSON(m.cache, sessionCacheKey(s.ID), s); err != nil {
		log.Printf("⚠️ Session %s: failed to cache: %v", s.ID, err)
	}
}
