// Package duplicate decides whether a scan about to be saved is new, replaces
// an existing pallet, or might be an accidental double entry.
package duplicate

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xelth-com/eckstocktake/internal/models"
	"github.com/xelth-com/eckstocktake/internal/store"
	"github.com/xelth-com/eckstocktake/internal/utils"
)

// Directive tells the controller what to do with the pending scan
type Directive string

const (
	// DirectiveInsert means no conflict: save as a new record
	DirectiveInsert Directive = "INSERT"
	// DirectiveUpdate means the pallet was already counted: overwrite it after confirmation
	DirectiveUpdate Directive = "UPDATE"
	// DirectiveConfirm means the same item and quantity exist: insert only if the user insists
	DirectiveConfirm Directive = "CONFIRM"
)

// Source records where the decision data came from
type Source string

const (
	SourceRemote Source = "remote"
	SourceLocal  Source = "local"
)

// Result is the outcome of a duplicate check
type Result struct {
	Directive Directive          `json:"directive"`
	Existing  *models.ScanRecord `json:"existing,omitempty"`
	Source    Source             `json:"source"`
	// Stale is set when the local snapshot was older than the staleness window
	Stale bool `json:"stale,omitempty"`
}

// Candidate describes the scan being checked
type Candidate struct {
	SessionID    string
	SessionType  models.SessionType
	StockCode    string
	BatchNumber  string
	ExpiryDate   string
	PalletNumber string
	Quantity     decimal.Decimal
}

// LocalScans exposes the device's already-loaded scans of a session and when
// that list was last refreshed from the remote store
type LocalScans interface {
	SessionScans(sessionID string) ([]models.ScanRecord, time.Time)
}

// Resolver queries the remote store first and falls back to the local
// session list when it cannot be reached. Both paths select with
// store.ScanFilter so they agree on the same data.
type Resolver struct {
	remote    store.ScanStore
	local     LocalScans
	clock     utils.Clock
	staleness time.Duration
}

func NewResolver(remote store.ScanStore, local LocalScans, clock utils.Clock, staleness time.Duration) *Resolver {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &Resolver{remote: remote, local: local, clock: clock, staleness: staleness}
}

// Check applies the pallet rule to FP scans with a pallet number and the
// quantity rule to everything else
func (r *Resolver) Check(ctx context.Context, c Candidate) Result {
	if c.SessionType == models.SessionTypeFP && c.PalletNumber != "" {
		return r.CheckDuplicate(ctx, c.SessionID, c.SessionType, c.BatchNumber, c.StockCode, c.ExpiryDate, c.PalletNumber)
	}
	return r.CheckQuantityDuplicate(ctx, c.SessionID, c.SessionType, c.StockCode, c.BatchNumber, c.ExpiryDate, c.Quantity)
}

// CheckDuplicate looks for an FP scan of the same batch and pallet in the
// session. RM scans and manual FP entries have no pallet and never match here.
func (r *Resolver) CheckDuplicate(ctx context.Context, sessionID string, st models.SessionType, batch, stockCode, expiry, pallet string) Result {
	if st != models.SessionTypeFP || pallet == "" {
		return Result{Directive: DirectiveInsert, Source: SourceRemote}
	}
	filter := PalletFilter(sessionID, batch, pallet)
	return r.resolve(ctx, filter, DirectiveUpdate)
}

// CheckQuantityDuplicate looks for a scan of the same stock code and batch
// (and expiry for RM) with exactly the same quantity
func (r *Resolver) CheckQuantityDuplicate(ctx context.Context, sessionID string, st models.SessionType, stockCode, batch, expiry string, qty decimal.Decimal) Result {
	if batch == "" || stockCode == "" {
		return Result{Directive: DirectiveInsert, Source: SourceRemote}
	}
	filter := QuantityFilter(sessionID, st, stockCode, batch, expiry, qty)
	return r.resolve(ctx, filter, DirectiveConfirm)
}

// PalletFilter selects scans of one FP pallet
func PalletFilter(sessionID, batch, pallet string) store.ScanFilter {
	return store.ScanFilter{SessionID: sessionID, BatchNumber: batch, PalletNumber: pallet}
}

// QuantityFilter selects scans that would make a new entry a likely double count
func QuantityFilter(sessionID string, st models.SessionType, stockCode, batch, expiry string, qty decimal.Decimal) store.ScanFilter {
	q := qty.Round(2)
	return store.ScanFilter{
		SessionID:   sessionID,
		StockCode:   stockCode,
		BatchNumber: batch,
		ExpiryDate:  expiry,
		MatchExpiry: st == models.SessionTypeRM,
		Quantity:    &q,
	}
}

func (r *Resolver) resolve(ctx context.Context, filter store.ScanFilter, onMatch Directive) Result {
	if r.remote != nil {
		recs, err := r.remote.FindScans(ctx, filter)
		if err == nil {
			return decide(recs, onMatch, SourceRemote, false)
		}
		log.Printf("⚠️ Duplicate check: remote query failed, using local scans: %v", err)
	}

	var (
		scans     []models.ScanRecord
		refreshed time.Time
	)
	if r.local != nil {
		scans, refreshed = r.local.SessionScans(filter.SessionID)
	}
	stale := refreshed.IsZero() || r.clock.Now().Sub(refreshed) > r.staleness
	if stale {
		log.Printf("⚠️ Duplicate check: local scans for session %s are stale", filter.SessionID)
	}
	return decide(FilterScans(scans, filter), onMatch, SourceLocal, stale)
}

// FilterScans is the in-memory equivalent of store.ScanStore.FindScans
func FilterScans(scans []models.ScanRecord, filter store.ScanFilter) []models.ScanRecord {
	var out []models.ScanRecord
	for _, s := range scans {
		if filter.Matches(s) {
			out = append(out, s)
		}
	}
	store.SortScans(out)
	return out
}

func decide(recs []models.ScanRecord, onMatch Directive, src Source, stale bool) Result {
	if len(recs) == 0 {
		return Result{Directive: DirectiveInsert, Source: src, Stale: stale}
	}
	sorted := append([]models.ScanRecord(nil), recs...)
	store.SortScans(sorted)
	existing := sorted[0]
	return Result{Directive: onMatch, Existing: &existing, Source: src, Stale: stale}
}
