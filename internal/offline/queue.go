// Package offline keeps scan writes that could not reach the remote store and
// replays them once it is reachable again.
package offline

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
	"github.com/xelth-com/eckstocktake/internal/store"
	"github.com/xelth-com/eckstocktake/internal/utils"
)

const keyPrefix = "offline:"

// Op is the remote write an entry replays
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Entry is one queued write. Entries are replayed in the order they were queued.
type Entry struct {
	Key        string            `json:"-"`
	Op         Op                `json:"op"`
	Record     models.ScanRecord `json:"record"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
	Attempts   int               `json:"attempts"`
	LastError  string            `json:"lastError,omitempty"`
}

// FlushResult counts what a flush did with each entry
type FlushResult struct {
	Synced            int `json:"synced"`
	Failed            int `json:"failed"`
	SkippedDuplicates int `json:"skippedDuplicates"`
	// Discarded counts updates whose target no longer exists remotely
	Discarded int `json:"discarded"`
}

// Outcome tells a Resolved hook what happened to a queued write
type Outcome string

const (
	OutcomeSynced    Outcome = "synced"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDiscarded Outcome = "discarded"
)

// Resolved is called after an entry left the queue. localID is the id the
// device used; rec carries the id the remote store knows it by.
type Resolved func(localID string, rec models.ScanRecord, op Op, outcome Outcome)

// Queue is a durable FIFO of pending scan writes stored in the local cache
type Queue struct {
	cache  localcache.Cache
	remote store.ScanStore
	clock  utils.Clock

	flushMu sync.Mutex
	seqMu   sync.Mutex
	seq     uint64

	hookMu   sync.RWMutex
	resolved Resolved
}

func NewQueue(cache localcache.Cache, remote store.ScanStore, clock utils.Clock) *Queue {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &Queue{cache: cache, remote: remote, clock: clock}
}

// OnResolved registers the hook run for every entry that leaves the queue
func (q *Queue) OnResolved(fn Resolved) {
	q.hookMu.Lock()
	q.resolved = fn
	q.hookMu.Unlock()
}

// Enqueue queues a scan insert
func (q *Queue) Enqueue(rec models.ScanRecord) error {
	return q.add(OpInsert, rec)
}

// EnqueueUpdate queues an overwrite of an existing remote scan
func (q *Queue) EnqueueUpdate(rec models.ScanRecord) error {
	return q.add(OpUpdate, rec)
}

// EnqueueDelete queues removal of a remote scan
func (q *Queue) EnqueueDelete(rec models.ScanRecord) error {
	return q.add(OpDelete, rec)
}

func (q *Queue) add(op Op, rec models.ScanRecord) error {
	now := q.clock.Now()
	q.seqMu.Lock()
	q.seq++
	key := fmt.Sprintf("%s%020d-%08d", keyPrefix, now.UnixNano(), q.seq)
	q.seqMu.Unlock()

	entry := Entry{Op: op, Record: rec, EnqueuedAt: now}
	if err := localcache.SetJSON(q.cache, key, entry); err != nil {
		return fmt.Errorf("queue %s of scan %s: %w", op, rec.ID, err)
	}
	log.Printf("📥 Offline: queued %s of scan %s", op, rec.ID)
	return nil
}

// Pending returns the queued entries in replay order
func (q *Queue) Pending() ([]Entry, error) {
	kvs, err := q.cache.List(keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list offline queue: %w", err)
	}
	entries := make([]Entry, 0, len(kvs))
	for _, kv := range kvs {
		var e Entry
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			log.Printf("❌ Offline: dropping unreadable entry %s: %v", kv.Key, err)
			_ = q.cache.Delete(kv.Key)
			continue
		}
		e.Key = kv.Key
		entries = append(entries, e)
	}
	return entries, nil
}

// PendingCount is the number of queued entries
func (q *Queue) PendingCount() int {
	kvs, err := q.cache.List(keyPrefix)
	if err != nil {
		log.Printf("⚠️ Offline: failed to count queue: %v", err)
		return 0
	}
	return len(kvs)
}

// ReplaceInsert rewrites the payload of a queued insert so edits made while
// offline go out with the original write. It reports whether one was found.
func (q *Queue) ReplaceInsert(rec models.ScanRecord) (bool, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	entries, err := q.Pending()
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Op != OpInsert || e.Record.ID != rec.ID {
			continue
		}
		e.Record = rec
		if err := localcache.SetJSON(q.cache, e.Key, e); err != nil {
			return false, fmt.Errorf("rewrite queued scan %s: %w", rec.ID, err)
		}
		return true, nil
	}
	return false, nil
}

// Remove drops every queued entry for the scan id and reports how many there were
func (q *Queue) Remove(id string) (int, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	entries, err := q.Pending()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.Record.ID != id {
			continue
		}
		if err := q.cache.Delete(e.Key); err != nil && !errors.Is(err, localcache.ErrNotFound) {
			return removed, fmt.Errorf("remove queued scan %s: %w", id, err)
		}
		removed++
	}
	return removed, nil
}

// Contains reports whether any entry for the scan id is queued
func (q *Queue) Contains(id string) bool {
	return q.PendingIDs()[id]
}

// PendingIDs returns the set of scan ids with queued entries
func (q *Queue) PendingIDs() map[string]bool {
	ids := make(map[string]bool)
	entries, err := q.Pending()
	if err != nil {
		log.Printf("⚠️ Offline: failed to read queue: %v", err)
		return ids
	}
	for _, e := range entries {
		ids[e.Record.ID] = true
	}
	return ids
}

// Flush replays the queue in order. Duplicate-key rejections mean another
// write already landed, so the entry is dropped and counted as skipped; any
// other failure leaves the entry for the next flush. Concurrent calls run
// one after another and each re-reads the queue.
func (q *Queue) Flush(ctx context.Context) (FlushResult, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	var res FlushResult
	entries, err := q.Pending()
	if err != nil {
		return res, err
	}
	if len(entries) == 0 {
		return res, nil
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		remoteRec := e.Record
		remoteRec.ID = utils.RemoteScanID(e.Record.ID)

		outcome, err := q.replay(ctx, e.Op, &remoteRec)
		if err != nil {
			res.Failed++
			e.Attempts++
			e.LastError = err.Error()
			if setErr := localcache.SetJSON(q.cache, e.Key, e); setErr != nil {
				log.Printf("⚠️ Offline: failed to record attempt for %s: %v", e.Key, setErr)
			}
			continue
		}

		switch outcome {
		case OutcomeSynced:
			res.Synced++
		case OutcomeDuplicate:
			res.SkippedDuplicates++
		case OutcomeDiscarded:
			res.Discarded++
		}
		if err := q.cache.Delete(e.Key); err != nil && !errors.Is(err, localcache.ErrNotFound) {
			log.Printf("⚠️ Offline: failed to remove %s: %v", e.Key, err)
		}
		q.notify(e.Record.ID, remoteRec, e.Op, outcome)
	}

	log.Printf("🔄 Offline: flush synced=%d failed=%d skipped=%d discarded=%d",
		res.Synced, res.Failed, res.SkippedDuplicates, res.Discarded)
	return res, nil
}

func (q *Queue) replay(ctx context.Context, op Op, rec *models.ScanRecord) (Outcome, error) {
	switch op {
	case OpInsert:
		err := q.remote.InsertScan(ctx, rec)
		if errors.Is(err, store.ErrDuplicateKey) {
			return OutcomeDuplicate, nil
		}
		return OutcomeSynced, err
	case OpUpdate:
		err := q.remote.UpdateScan(ctx, rec)
		if errors.Is(err, store.ErrNotFound) {
			return OutcomeDiscarded, nil
		}
		return OutcomeSynced, err
	case OpDelete:
		err := q.remote.DeleteScan(ctx, rec.ID)
		if errors.Is(err, store.ErrNotFound) {
			return OutcomeSynced, nil
		}
		return OutcomeSynced, err
	}
	return "", fmt.Errorf("unknown queued operation %q", op)
}

func (q *Queue) notify(localID string, rec models.ScanRecord, op Op, outcome Outcome) {
	q.hookMu.RLock()
	fn := q.resolved
	q.hookMu.RUnlock()
	if fn != nil {
		fn(localID, rec, op, outcome)
	}
}
