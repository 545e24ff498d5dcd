package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xelth-com/eckstocktake/internal/models"
)

// MemoryStore is an in-process Store. It enforces the same keys as the
// PostgreSQL schema (scan id, and batch+pallet within a session) and can be
// switched offline to exercise fallback paths.
type MemoryStore struct {
	mu           sync.RWMutex
	offline      bool
	scans        map[string]models.ScanRecord
	products     map[string]models.Product
	rawMaterials map[string]models.RawMaterial // lower-cased stock code
	batches      map[string]models.RawMaterialBatch
	productTypes map[string]models.ProductType
	sessions     map[string]models.Session
	devices      map[string]models.SessionDevice

	// Counters so tests can assert which path a component took
	ScanQueries int
	CatalogPuts int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scans:        make(map[string]models.ScanRecord),
		products:     make(map[string]models.Product),
		rawMaterials: make(map[string]models.RawMaterial),
		batches:      make(map[string]models.RawMaterialBatch),
		productTypes: make(map[string]models.ProductType),
		sessions:     make(map[string]models.Session),
		devices:      make(map[string]models.SessionDevice),
	}
}

// SetOffline makes every call fail with ErrUnavailable while true
func (m *MemoryStore) SetOffline(offline bool) {
	m.mu.Lock()
	m.offline = offline
	m.mu.Unlock()
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.offline {
		return ErrUnavailable
	}
	return nil
}

func batchKey(stockCode, batch string) string {
	return strings.ToLower(stockCode) + "|" + strings.ToLower(batch)
}

// ============ SCANS ============

func (m *MemoryStore) InsertScan(ctx context.Context, rec *models.ScanRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrUnavailable
	}
	if _, ok := m.scans[rec.ID]; ok {
		return ErrDuplicateKey
	}
	if rec.PalletNumber != "" {
		for _, s := range m.scans {
			if s.SessionID == rec.SessionID && s.BatchNumber == rec.BatchNumber && s.PalletNumber == rec.PalletNumber {
				return ErrDuplicateKey
			}
		}
	}
	now := time.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now
	m.scans[rec.ID] = *rec
	return nil
}

func (m *MemoryStore) UpdateScan(ctx context.Context, rec *models.ScanRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrUnavailable
	}
	old, ok := m.scans[rec.ID]
	if !ok {
		return ErrNotFound
	}
	rec.CreatedAt = old.CreatedAt
	rec.UpdatedAt = time.Now().UTC()
	m.scans[rec.ID] = *rec
	return nil
}

func (m *MemoryStore) DeleteScan(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrUnavailable
	}
	if _, ok := m.scans[id]; !ok {
		return ErrNotFound
	}
	delete(m.scans, id)
	return nil
}

func (m *MemoryStore) GetScan(ctx context.Context, id string) (*models.ScanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.offline {
		return nil, ErrUnavailable
	}
	rec, ok := m.scans[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryStore) FindScans(ctx context.Context, f ScanFilter) ([]models.ScanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return nil, ErrUnavailable
	}
	m.ScanQueries++
	var out []models.ScanRecord
	for _, s := range m.scans {
		if f.Matches(s) {
			out = append(out, s)
		}
	}
	SortScans(out)
	return out, nil
}

func (m *MemoryStore) ListSessionScans(ctx context.Context, sessionID string) ([]models.ScanRecord, error) {
	return m.FindScans(ctx, ScanFilter{SessionID: sessionID})
}

// SortScans orders scans the way every store returns them: timestamp, then id
func SortScans(recs []models.ScanRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Timestamp.Equal(recs[j].Timestamp) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].Timestamp.Before(recs[j].Timestamp)
	})
}

// ============ CATALOG ============

func (m *MemoryStore) ListProducts(ctx context.Context) ([]models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.offline {
		return nil, ErrUnavailable
	}
	out := make([]models.Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchNumber < out[j].BatchNumber })
	return out, nil
}

func (m *MemoryStore) ListRawMaterials(ctx context.Context) ([]models.RawMaterial, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.offline {
		return nil, ErrUnavailable
	}
	out := make([]models.RawMaterial, 0, len(m.rawMaterials))
	for key, rm := range m.rawMaterials {
		rm.Batches = nil
		for bk, b := range m.batches {
			if strings.HasPrefix(bk, key+"|") {
				b.ExpiryDates = append([]string(nil), b.ExpiryDates...)
				rm.Batches = append(rm.Batches, b)
			}
		}
		sort.Slice(rm.Batches, func(i, j int) bool { return rm.Batches[i].BatchNumber < rm.Batches[j].BatchNumber })
		out = append(out, rm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StockCode < out[j].StockCode })
	return out, nil
}

func (m *MemoryStore) ListProductTypes(ctx context.Context) ([]models.ProductType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.offline {
		return nil, ErrUnavailable
	}
	out := make([]models.ProductType, 0, len(m.productTypes))
	for _, pt := range m.productTypes {
		out = append(out, pt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StockCode < out[j].StockCode })
	return out, nil
}

func (m *MemoryStore) UpsertProduct(ctx context.Context, p models.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrUnavailable
	}
	m.CatalogPuts++
	m.products[p.BatchNumber] = p
	return nil
}

func (m *MemoryStore) UpsertRawMaterial(ctx context.Context, rm models.RawMaterial) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrUnavailable
	}
	m.CatalogPuts++
	key := strings.ToLower(rm.StockCode)
	existing, ok := m.rawMaterials[key]
	if !ok {
		m.rawMaterials[key] = models.RawMaterial{StockCode: rm.StockCode, Description: rm.Description}
		return nil
	}
	if rm.Description != "" {
		existing.Description = rm.Description
		m.rawMaterials[key] = existing
	}
	return nil
}

func (m *MemoryStore) UpsertRawMaterialBatch(ctx context.Context, b models.RawMaterialBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrUnavailable
	}
	m.CatalogPuts++
	rmKey := strings.ToLower(b.StockCode)
	if _, ok := m.rawMaterials[rmKey]; !ok {
		m.rawMaterials[rmKey] = models.RawMaterial{StockCode: b.StockCode}
	}
	key := batchKey(b.StockCode, b.BatchNumber)
	existing, ok := m.batches[key]
	if !ok {
		b.ExpiryDates = MergeExpiryDates(nil, b.ExpiryDates...)
		m.batches[key] = b
		return nil
	}
	existing.ExpiryDates = MergeExpiryDates(existing.ExpiryDates, b.ExpiryDates...)
	m.batches[key] = existing
	return nil
}

func (m *MemoryStore) UpsertProductType(ctx context.Context, pt models.ProductType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrUnavailable
	}
	m.CatalogPuts++
	m.productTypes[strings.ToLower(pt.StockCode)] = pt
	return nil
}

// ============ SESSIONS ============

func (m *MemoryStore) CreateSession(ctx context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrUnavailable
	}
	if _, ok := m.sessions[s.ID]; ok {
		return ErrDuplicateKey
	}
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.offline {
		return nil, ErrUnavailable
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s.Devices = nil
	for _, d := range m.devices {
		if d.SessionID == id {
			s.Devices = append(s.Devices, d)
		}
	}
	sort.Slice(s.Devices, func(i, j int) bool { return s.Devices[i].DeviceID < s.Devices[j].DeviceID })
	return &s, nil
}

func (m *MemoryStore) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrUnavailable
	}
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	m.sessions[id] = s
	return nil
}

func (m *MemoryStore) TouchDevice(ctx context.Context, d models.SessionDevice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return ErrUnavailable
	}
	if _, ok := m.sessions[d.SessionID]; !ok {
		return ErrNotFound
	}
	m.devices[d.SessionID+"|"+d.DeviceID] = d
	return nil
}
