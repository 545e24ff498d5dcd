package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/xelth-com/eckstocktake/internal/localcache"
	"github.com/xelth-com/eckstocktake/internal/models"
	"github.com/xelth-com/eckstocktake/internal/offline"
	"github.com/xelth-com/eckstocktake/internal/store"
	"github.com/xelth-com/eckstocktake/internal/utils"
)

// Scan events pushed to devices of a session
const (
	EventScanSaved   = "SCAN_SAVED"
	EventScanUpdated = "SCAN_UPDATED"
	EventScanDeleted = "SCAN_DELETED"
)

// Publisher fans scan events out to the devices of a session
type Publisher interface {
	Publish(sessionID, event string, payload interface{})
}

type scanList struct {
	scans     map[string]models.ScanRecord
	refreshed time.Time
	loaded    bool
}

// ScanBook is the device-side list of a session's scans. Every write goes to
// the remote store when it can and to the offline queue when it cannot; the
// local copy and cache are updated either way.
type ScanBook struct {
	remote store.ScanStore
	cache  localcache.Cache
	queue  *offline.Queue
	clock  utils.Clock

	mu        sync.RWMutex
	lists     map[string]*scanList
	publisher Publisher
}

func NewScanBook(remote store.ScanStore, cache localcache.Cache, queue *offline.Queue, clock utils.Clock) *ScanBook {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	b := &ScanBook{
		remote: remote,
		cache:  cache,
		queue:  queue,
		clock:  clock,
		lists:  make(map[string]*scanList),
	}
	queue.OnResolved(b.reconcile)
	return b
}

// SetPublisher wires realtime notifications
func (b *ScanBook) SetPublisher(p Publisher) {
	b.mu.Lock()
	b.publisher = p
	b.mu.Unlock()
}

func scanKey(sessionID, id string) string {
	return "scans:" + sessionID + ":" + id
}

// list returns the session list, loading it from the cache on first use.
// Must be called with mu held for writing.
func (b *ScanBook) list(sessionID string) *scanList {
	l, ok := b.lists[sessionID]
	if !ok {
		l = &scanList{scans: make(map[string]models.ScanRecord)}
		b.lists[sessionID] = l
	}
	if l.loaded {
		return l
	}
	l.loaded = true
	entries, err := b.cache.List("scans:" + sessionID + ":")
	if err != nil {
		log.Printf("⚠️ ScanBook: failed to read cached scans of %s: %v", sessionID, err)
		return l
	}
	for _, e := range entries {
		var rec models.ScanRecord
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			log.Printf("⚠️ ScanBook: skipping unreadable %s: %v", e.Key, err)
			continue
		}
		l.scans[rec.ID] = rec
	}
	return l
}

// Refresh replaces the session list with the remote one. Scans with queued
// writes keep their local version.
func (b *ScanBook) Refresh(ctx context.Context, sessionID string) error {
	recs, err := b.remote.ListSessionScans(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("refresh scans of %s: %w", sessionID, err)
	}

	queued := b.queue.PendingIDs()

	b.mu.Lock()
	defer b.mu.Unlock()

	l := b.list(sessionID)
	fresh := make(map[string]models.ScanRecord, len(recs))
	for _, rec := range recs {
		if queued[rec.ID] {
			if local, ok := l.scans[rec.ID]; ok {
				fresh[rec.ID] = local
			}
			continue
		}
		fresh[rec.ID] = rec
	}
	for id, rec := range l.scans {
		if rec.IsOffline() && queued[id] {
			fresh[id] = rec
		}
	}

	for id := range l.scans {
		if _, ok := fresh[id]; !ok {
			_ = b.cache.Delete(scanKey(sessionID, id))
		}
	}
	for _, rec := range fresh {
		b.cacheScan(rec)
	}
	l.scans = fresh
	l.refreshed = b.clock.Now()
	return nil
}

// SessionScans returns the session's scans in timestamp order and when the
// list was last refreshed from the remote store
func (b *ScanBook) SessionScans(sessionID string) ([]models.ScanRecord, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	l := b.list(sessionID)
	out := make([]models.ScanRecord, 0, len(l.scans))
	for _, rec := range l.scans {
		out = append(out, rec)
	}
	store.SortScans(out)
	return out, l.refreshed
}

// Find looks a scan up locally first, then remotely
func (b *ScanBook) Find(ctx context.Context, sessionID, id string) (models.ScanRecord, error) {
	b.mu.Lock()
	rec, ok := b.list(sessionID).scans[id]
	b.mu.Unlock()
	if ok {
		return rec, nil
	}
	remote, err := b.remote.GetScan(ctx, id)
	if err != nil {
		return models.ScanRecord{}, err
	}
	if remote.SessionID != sessionID {
		return models.ScanRecord{}, store.ErrNotFound
	}
	return *remote, nil
}

// Insert saves a new scan. It reports whether the scan only reached the
// offline queue. A unique-index conflict is returned, not queued.
//
// A queued scan keeps the id of the failed attempt behind the offline prefix,
// so if that attempt did commit the flush collides with it instead of
// storing the count twice.
func (b *ScanBook) Insert(ctx context.Context, rec *models.ScanRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = utils.NewScanID()
	}
	now := b.clock.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	queued := false
	if err := b.remote.InsertScan(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return false, err
		}
		log.Printf("⚠️ ScanBook: scan %s not saved remotely, keeping it offline: %v", rec.ID, err)
		rec.ID = utils.OfflineScanID(rec.ID)
		if err := b.queue.Enqueue(*rec); err != nil {
			return false, err
		}
		queued = true
	}

	b.put(*rec)
	b.publish(rec.SessionID, EventScanSaved, *rec)
	return queued, nil
}

// Update overwrites an existing scan. A scan that never left this device has
// its queued insert rewritten instead.
func (b *ScanBook) Update(ctx context.Context, rec *models.ScanRecord) (bool, error) {
	rec.UpdatedAt = b.clock.Now()

	if rec.IsOffline() {
		found, err := b.queue.ReplaceInsert(*rec)
		if err != nil {
			return false, err
		}
		if found {
			b.put(*rec)
			b.publish(rec.SessionID, EventScanUpdated, *rec)
			return true, nil
		}
		// Already flushed under its remote id
		b.drop(rec.SessionID, rec.ID)
		rec.ID = utils.RemoteScanID(rec.ID)
	}

	queued := false
	if err := b.remote.UpdateScan(ctx, rec); err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrDuplicateKey) {
			return false, err
		}
		log.Printf("⚠️ ScanBook: update of %s not saved remotely, queueing: %v", rec.ID, err)
		if err := b.queue.EnqueueUpdate(*rec); err != nil {
			return false, err
		}
		queued = true
	}

	b.put(*rec)
	b.publish(rec.SessionID, EventScanUpdated, *rec)
	return queued, nil
}

// Delete removes a scan everywhere it is known
func (b *ScanBook) Delete(ctx context.Context, rec models.ScanRecord) (bool, error) {
	if rec.IsOffline() {
		n, err := b.queue.Remove(rec.ID)
		if err != nil {
			return false, err
		}
		if n > 0 {
			b.drop(rec.SessionID, rec.ID)
			b.publish(rec.SessionID, EventScanDeleted, rec)
			return false, nil
		}
		b.drop(rec.SessionID, rec.ID)
		rec.ID = utils.RemoteScanID(rec.ID)
	}

	queued := false
	if err := b.remote.DeleteScan(ctx, rec.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("⚠️ ScanBook: delete of %s not applied remotely, queueing: %v", rec.ID, err)
		if err := b.queue.EnqueueDelete(rec); err != nil {
			return false, err
		}
		queued = true
	}

	b.drop(rec.SessionID, rec.ID)
	b.publish(rec.SessionID, EventScanDeleted, rec)
	return queued, nil
}

// reconcile runs from the queue flush. It must not call back into the queue.
func (b *ScanBook) reconcile(localID string, rec models.ScanRecord, op offline.Op, outcome offline.Outcome) {
	switch {
	case op == offline.OpInsert && outcome == offline.OutcomeSynced:
		if localID != rec.ID {
			b.drop(rec.SessionID, localID)
		}
		b.put(rec)
		log.Printf("✅ ScanBook: offline scan %s synced as %s", localID, rec.ID)
	case op == offline.OpInsert && outcome == offline.OutcomeDuplicate:
		b.drop(rec.SessionID, localID)
		// same id: the original attempt committed after all
		if saved, err := b.remote.GetScan(context.Background(), rec.ID); err == nil && saved.SessionID == rec.SessionID {
			b.put(*saved)
			log.Printf("✅ ScanBook: offline scan %s had already reached the remote store as %s", localID, rec.ID)
			return
		}
		log.Printf("⚠️ ScanBook: offline scan %s was already recorded remotely, dropped", localID)
	case op == offline.OpUpdate && outcome == offline.OutcomeDiscarded:
		b.drop(rec.SessionID, localID)
		log.Printf("⚠️ ScanBook: scan %s was deleted remotely, local edit dropped", localID)
	}
}

func (b *ScanBook) put(rec models.ScanRecord) {
	b.mu.Lock()
	b.list(rec.SessionID).scans[rec.ID] = rec
	b.mu.Unlock()
	b.cacheScan(rec)
}

func (b *ScanBook) drop(sessionID, id string) {
	b.mu.Lock()
	delete(b.list(sessionID).scans, id)
	b.mu.Unlock()
	if err := b.cache.Delete(scanKey(sessionID, id)); err != nil && !errors.Is(err, localcache.ErrNotFound) {
		log.Printf("⚠️ ScanBook: failed to uncache %s: %v", id, err)
	}
}

func (b *ScanBook) cacheScan(rec models.ScanRecord) {
	if err := localcache.SetJSON(b.cache, scanKey(rec.SessionID, rec.ID), rec); err != nil {
		log.Printf("⚠️ ScanBook: failed to cache %s: %v", rec.ID, err)
	}
}

func (b *ScanBook) publish(sessionID, event string, rec models.ScanRecord) {
	b.mu.RLock()
	p := b.publisher
	b.mu.RUnlock()
	if p != nil {
		p.Publish(sessionID, event, rec)
	}
}
