package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xelth-com/eckstocktake/internal/catalog"
	"github.com/xelth-com/eckstocktake/internal/duplicate"
	"github.com/xelth-com/eckstocktake/internal/localcache"
	"github.com/xelth-com/eckstocktake/internal/models"
	"github.com/xelth-com/eckstocktake/internal/offline"
	"github.com/xelth-com/eckstocktake/internal/scanner"
	"github.com/xelth-com/eckstocktake/internal/store"
	"github.com/xelth-com/eckstocktake/internal/utils"
)

var epoch = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type recordedEvent struct {
	sessionID string
	event     string
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *fakePublisher) Publish(sessionID, event string, payload interface{}) {
	p.mu.Lock()
	p.events = append(p.events, recordedEvent{sessionID, event})
	p.mu.Unlock()
}

func (p *fakePublisher) count(event string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.event == event {
			n++
		}
	}
	return n
}

type rig struct {
	remote    *store.MemoryStore
	cache     *localcache.Memory
	clock     *utils.ManualClock
	catalog   *catalog.Catalog
	queue     *offline.Queue
	book      *ScanBook
	publisher *fakePublisher
	deps      Deps
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		remote:    store.NewMemoryStore(),
		cache:     localcache.NewMemory(),
		clock:     utils.NewManualClock(epoch),
		publisher: &fakePublisher{},
	}
	r.catalog = catalog.New(r.cache, r.remote, r.clock, 30*time.Second)
	r.queue = offline.NewQueue(r.cache, r.remote, r.clock)
	r.book = NewScanBook(r.remote, r.cache, r.queue, r.clock)
	r.book.SetPublisher(r.publisher)
	r.deps = Deps{
		Catalog:  r.catalog,
		Parser:   scanner.NewParser(r.catalog, scanner.Options{}),
		Resolver: duplicate.NewResolver(r.remote, r.book, r.clock, 10*time.Second),
		Book:     r.book,
		Clock:    r.clock,
	}

	r.catalog.UpsertRawMaterial("ABC123", "Caster sugar", "B1", "2025-01-01")
	r.catalog.UpsertRawMaterial("ABC123", "", "B1", "2025-06-01")
	r.catalog.UpsertRawMaterial("ABC123", "", "LOT77", "2026-02-28")
	r.catalog.SetProductType("ABC123", models.ProductTypeIngredient, "Caster sugar")
	r.catalog.Wait()
	return r
}

func (r *rig) controller(st models.SessionType) *Controller {
	return NewController(r.deps, "S1", st, "dev-1", "alice")
}

func mustState(t *testing.T, f Flow, err error, want State) Flow {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error in %s: %v", f.State, err)
	}
	if f.State != want {
		t.Fatalf("state = %s, want %s (%+v)", f.State, want, f)
	}
	return f
}

func TestSecondDecodeOfSameItemIsRejected(t *testing.T) {
	r := newRig(t)
	c := r.controller(models.SessionTypeFP)
	ctx := context.Background()

	first, err := c.Decode(ctx, "0012300010005")
	mustState(t, first, err, StateReadyForQuantity)

	second, err := c.Decode(ctx, "0012300010005")
	if !errors.Is(err, ErrConcurrentScan) {
		t.Fatalf("expected ErrConcurrentScan, got %v", err)
	}
	if second.State != StateCancelled {
		t.Errorf("rejected flow state = %s", second.State)
	}
	if len(c.ActiveFlows()) != 1 {
		t.Errorf("rejected decode must not leave a flow behind")
	}

	other, err := c.Decode(ctx, "0012300020005")
	mustState(t, other, err, StateReadyForQuantity)

	done, err := c.SubmitQuantity(ctx, first.ID, QuantityInput{Quantity: "5"})
	mustState(t, done, err, StateDone)

	again, err := c.Decode(ctx, "0012300010005")
	mustState(t, again, err, StateReadyForQuantity)
}

func TestCancelReleasesKey(t *testing.T) {
	r := newRig(t)
	c := r.controller(models.SessionTypeFP)
	ctx := context.Background()

	f, err := c.Decode(ctx, "0012300010005")
	mustState(t, f, err, StateReadyForQuantity)
	if !c.inflight.Held("00123|0001") {
		t.Fatal("key should be registered on ReadyForQuantity")
	}

	cancelled, err := c.Cancel(f.ID)
	mustState(t, cancelled, err, StateCancelled)
	if c.inflight.Len() != 0 {
		t.Error("cancel must release the key")
	}
	if _, err := c.SubmitQuantity(ctx, f.ID, QuantityInput{Quantity: "5"}); !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("cancelled flow should be gone, got %v", err)
	}
	if recs, _ := r.remote.ListSessionScans(ctx, "S1"); len(recs) != 0 {
		t.Error("cancel must not persist anything")
	}
}

func TestFPUnknownProductIsLearned(t *testing.T) {
	r := newRig(t)
	c := r.controller(models.SessionTypeFP)
	ctx := context.Background()

	f, err := c.Decode(ctx, "0099900010012")
	f = mustState(t, f, err, StateReadyForQuantity)
	if !f.Parsed.IsUnknownProduct {
		t.Fatal("expected unknown product")
	}

	done, err := c.SubmitQuantity(ctx, f.ID, QuantityInput{
		Quantity: "12",
		Details:  Details{StockCode: "FP-999", Description: "Shortbread", Aisle: "A3"},
	})
	done = mustState(t, done, err, StateDone)
	if done.Record == nil || done.Queued {
		t.Fatalf("expected a remote save, got %+v", done)
	}
	rec := done.Record
	if rec.StockCode != "FP-999" || rec.PalletNumber != "0001" || rec.CasesOnPallet != 12 || rec.Aisle != "A3" {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.DeviceID != "dev-1" || rec.ScannedBy != "alice" || rec.UnitType != models.UnitCases {
		t.Errorf("device fields not set: %+v", rec)
	}

	r.catalog.Wait()
	if p, ok := r.catalog.LookupProduct("00999"); !ok || p.StockCode != "FP-999" {
		t.Errorf("product not learned: %+v", p)
	}
	if r.publisher.count(EventScanSaved) != 1 {
		t.Error("expected a SCAN_SAVED event")
	}
}

func TestPalletDuplicateOverwrites(t *testing.T) {
	r := newRig(t)
	c := r.controller(models.SessionTypeFP)
	ctx := context.Background()

	f, err := c.Decode(ctx, "0012300010005")
	mustState(t, f, err, StateReadyForQuantity)
	first, err := c.SubmitQuantity(ctx, f.ID, QuantityInput{Quantity: "5"})
	first = mustState(t, first, err, StateDone)

	r.clock.Advance(time.Minute)
	f, err = c.Decode(ctx, "0012300010005")
	mustState(t, f, err, StateReadyForQuantity)
	dup, err := c.SubmitQuantity(ctx, f.ID, QuantityInput{Quantity: "7"})
	dup = mustState(t, dup, err, StateAwaitingDuplicateConfirm)
	if dup.Duplicate == nil || dup.Duplicate.Directive != duplicate.DirectiveUpdate {
		t.Fatalf("expected UPDATE directive, got %+v", dup.Duplicate)
	}

	done, err := c.ConfirmDuplicate(ctx, f.ID, true)
	done = mustState(t, done, err, StateDone)
	if done.Record.ID != first.Record.ID {
		t.Errorf("overwrite should keep id %s, got %s", first.Record.ID, done.Record.ID)
	}
	recs, _ := r.remote.ListSessionScans(ctx, "S1")
	if len(recs) != 1 || !recs[0].ActualQuantity.Equal(decimal.NewFromInt(7)) {
		t.Errorf("expected one pallet with 7 cases, got %+v", recs)
	}
	if r.publisher.count(EventScanUpdated) != 1 {
		t.Error("expected a SCAN_UPDATED event")
	}
}

func TestDecliningDuplicateDiscards(t *testing.T) {
	r := newRig(t)
	c := r.controller(models.SessionTypeFP)
	ctx := context.Background()

	f, _ := c.Decode(ctx, "0012300010005")
	_, _ = c.SubmitQuantity(ctx, f.ID, QuantityInput{Quantity: "5"})

	f, _ = c.Decode(ctx, "0012300010005")
	dup, err := c.SubmitQuantity(ctx, f.ID, QuantityInput{Quantity: "9"})
	mustState(t, dup, err, StateAwaitingDuplicateConfirm)

	declined, err := c.ConfirmDuplicate(ctx, f.ID, false)
	mustState(t, declined, err, StateCancelled)
	if c.inflight.Len() != 0 {
		t.Error("declining must release the key")
	}
	recs, _ := r.remote.ListSessionScans(ctx, "S1")
	if len(recs) != 1 || !recs[0].ActualQuantity.Equal(decimal.NewFromInt(5)) {
		t.Errorf("declined scan changed the store: %+v", recs)
	}
}

func TestRMMultipleExpiriesNeedSelection(t *testing.T) {
	r := newRig(t)
	c := r.controller(models.SessionTypeRM)
	ctx := context.Background()

	f, err := c.Decode(ctx, "ABC123B1")
	f = mustState(t, f, err, StateNeedsExpirySelection)
	if len(f.Parsed.AvailableExpiryDates) != 2 {
		t.Fatalf("expected two dates, got %v", f.Parsed.AvailableExpiryDates)
	}

	if _, err := c.ConfirmExpiry(ctx, f.ID, "2025-03-03"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("date outside the offered ones should be rejected, got %v", err)
	}
	f, err = c.ConfirmExpiry(ctx, f.ID, "01/06/2025")
	f = mustState(t, f, err, StateReadyForQuantity)
	if f.Parsed.ExpiryDate != "2025-06-01" {
		t.Errorf("expiry = %q", f.Parsed.ExpiryDate)
	}

	done, err := c.SubmitQuantity(ctx, f.ID, QuantityInput{Quantity: "12.345"})
	done = mustState(t, done, err, StateDone)
	if done.Record.ActualQuantity.String() != "12.35" || done.Record.UnitType != models.UnitKg {
		t.Errorf("unexpected quantity %s %s", done.Record.ActualQuantity, done.Record.UnitType)
	}
}

func TestRMUnknownCodeWalksEveryConfirmation(t *testing.T) {
	r := newRig(t)
	c := r.controller(models.SessionTypeRM)
	ctx := context.Background()

	f, err := c.Decode(ctx, "XYZ-99 01/02/25")
	f = mustState(t, f, err, StateNeedsStockCode)

	f, err = c.SubmitStockCode(ctx, f.ID, "XYZ", "Foil rolls")
	f = mustState(t, f, err, StateNeedsBatchConfirm)
	if f.Parsed.BatchNumber != "99" {
		t.Errorf("guessed batch = %q", f.Parsed.BatchNumber)
	}

	if _, err := c.ConfirmBatch(ctx, f.ID, "  "); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("blank batch should be rejected, got %v", err)
	}
	f, err = c.ConfirmBatch(ctx, f.ID, "99")
	f = mustState(t, f, err, StateNeedsExpiryConfirm)
	if f.Parsed.ExtractedExpiry != "2025-02-01" {
		t.Errorf("label expiry = %q", f.Parsed.ExtractedExpiry)
	}

	f, err = c.ConfirmExpiry(ctx, f.ID, f.Parsed.ExtractedExpiry)
	f = mustState(t, f, err, StateReadyForQuantity)

	done, err := c.SubmitQuantity(ctx, f.ID, QuantityInput{Quantity: "3"})
	done = mustState(t, done, err, StateDone)
	if done.Record.StockCode != "XYZ" || done.Record.Description != "Foil rolls" || done.Record.ExpiryDate != "2025-02-01" {
		t.Errorf("unexpected record: %+v", done.Record)
	}

	r.catalog.Wait()
	rm, ok := r.catalog.LookupRawMaterial("xyz")
	if !ok || len(rm.Batches) != 1 || rm.Batches[0].BatchNumber != "99" || rm.Batches[0].ExpiryDates[0] != "2025-02-01" {
		t.Errorf("new raw material not learned: %+v", rm)
	}
}

func TestScannedStockCodeResolvesKnownBatch(t *testing.T) {
	r := newRig(t)
	c := r.controller(models.SessionTypeRM)
	ctx := context.Background()

	f, err := c.Decode(ctx, "QQQ-LOT77")
	f = mustState(t, f, err, StateNeedsStockCode)

	f, err = c.SubmitStockCode(ctx, f.ID, "abc123", "")
	f = mustState(t, f, err, StateReadyForQuantity)
	if f.Parsed.StockCode != "ABC123" || f.Parsed.BatchNumber != "LOT77" || f.Parsed.ExpiryDate != "2026-02-28" {
		t.Errorf("catalog data not applied: %+v", f.Parsed)
	}
}

func TestRMQuantityDuplicateNeedsConfirmation(t *testing.T) {
	r := newRig(t)
	c := r.controller(models.SessionTypeRM)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		f, err := c.Decode(ctx, "ABC123-LOT77")
		mustState(t, f, err, StateReadyForQuantity)
		res, err := c.SubmitQuantity(ctx, f.ID, QuantityInput{Quantity: "4.5"})
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			mustState(t, res, nil, StateDone)
			continue
		}
		mustState(t, res, nil, StateAwaitingDuplicateConfirm)
		if res.Duplicate.Directive != duplicate.DirectiveConfirm {
			t.Fatalf("directive = %s, want CONFIRM", res.Duplicate.Directive)
		}
		done, err := c.ConfirmDuplicate(ctx, f.ID, true)
		mustState(t, done, err, StateDone)
	}

	recs, _ := r.remote.ListSessionScans(ctx, "S1")
	if len(recs) != 2 {
		t.Errorf("confirmed duplicate should be inserted, have %d scans", len(recs))
	}
}

func TestManualFPEntry(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	rm := r.controller(models.SessionTypeRM)
	if _, err := rm.DecodeManual(ctx, "123"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("manual entry in an RM session should fail, got %v", err)
	}

	c := r.controller(models.SessionTypeFP)
	f, err := c.DecodeManual(ctx, " 123 ")
	f = mustState(t, f, err, StateReadyForQuantity)
	if f.Parsed.BatchNumber != "00123" || f.Parsed.PalletNumber != "" {
		t.Errorf("unexpected manual parse: %+v", f.Parsed)
	}
	done, err := c.SubmitQuantity(ctx, f.ID, QuantityInput{Quantity: "40"})
	mustState(t, done, err, StateDone)

	f, _ = c.DecodeManual(ctx, "123")
	res, err := c.SubmitQuantity(ctx, f.ID, QuantityInput{Quantity: "40"})
	res = mustState(t, res, err, StateAwaitingDuplicateConfirm)
	if res.Duplicate.Directive != duplicate.DirectiveConfirm {
		t.Errorf("manual entries use the quantity check, got %s", res.Duplicate.Directive)
	}
}

func TestMalformedCodeStartsNoFlow(t *testing.T) {
	r := newRig(t)
	c := r.controller(models.SessionTypeFP)

	f, err := c.Decode(context.Background(), "12345")
	if !errors.Is(err, scanner.ErrMalformedCode) {
		t.Fatalf("expected ErrMalformedCode, got %v", err)
	}
	if f.State != StateIdle || f.Message == "" {
		t.Errorf("unexpected flow: %+v", f)
	}
	if len(c.ActiveFlows()) != 0 {
		t.Error("malformed code must not start a flow")
	}
}

func TestWrongStateAndUnknownFlow(t *testing.T) {
	r := newRig(t)
	c := r.controller(models.SessionTypeFP)
	ctx := context.Background()

	f, _ := c.Decode(ctx, "0012300010005")
	if _, err := c.ConfirmBatch(ctx, f.ID, "B1"); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("batch confirm in ReadyForQuantity should be rejected, got %v", err)
	}
	if _, err := c.SubmitQuantity(ctx, f.ID, QuantityInput{Quantity: "abc"}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("bad quantity should be rejected, got %v", err)
	}
	if !c.HasFlow(f.ID) {
		t.Error("rejected input must keep the flow")
	}
	if _, err := c.Cancel("nope"); !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("expected ErrFlowNotFound, got %v", err)
	}
}

func TestRemoteOutageQueuesScan(t *testing.T) {
	r := newRig(t)
	c := r.controller(models.SessionTypeFP)
	ctx := context.Background()

	r.remote.SetOffline(true)
	f, _ := c.Decode(ctx, "0012300010005")
	done, err := c.SubmitQuantity(ctx, f.ID, QuantityInput{Quantity: "5"})
	done = mustState(t, done, err, StateDone)
	if !done.Queued || !strings.HasPrefix(done.Record.ID, models.OfflineIDPrefix) {
		t.Fatalf("expected an offline record, got %+v", done)
	}
	if done.Duplicate == nil || done.Duplicate.Source != duplicate.SourceLocal {
		t.Errorf("duplicate check should fall back to local scans: %+v", done.Duplicate)
	}
	if r.queue.PendingCount() != 1 {
		t.Fatalf("expected one queued scan, got %d", r.queue.PendingCount())
	}

	// The local list still catches a repeat while offline
	f, _ = c.Decode(ctx, "0012300010005")
	dup, err := c.SubmitQuantity(ctx, f.ID, QuantityInput{Quantity: "6"})
	mustState(t, dup, err, StateAwaitingDuplicateConfirm)
	_, _ = c.Cancel(f.ID)

	r.remote.SetOffline(false)
	res, err := r.queue.Flush(ctx)
	if err != nil || res.Synced != 1 {
		t.Fatalf("flush: %+v %v", res, err)
	}
	scans, _ := r.book.SessionScans("S1")
	if len(scans) != 1 || scans[0].ID != strings.TrimPrefix(done.Record.ID, models.OfflineIDPrefix) {
		t.Errorf("local list should hold the synced id, got %+v", scans)
	}
}

type panickyStore struct {
	store.ScanStore
}

func (panickyStore) FindScans(ctx context.Context, f store.ScanFilter) ([]models.ScanRecord, error) {
	panic("driver exploded")
}

func TestPanicReleasesKey(t *testing.T) {
	r := newRig(t)
	deps := r.deps
	deps.Resolver = duplicate.NewResolver(panickyStore{}, r.book, r.clock, time.Second)
	c := NewController(deps, "S1", models.SessionTypeFP, "dev-1", "alice")
	ctx := context.Background()

	f, err := c.Decode(ctx, "0012300010005")
	mustState(t, f, err, StateReadyForQuantity)

	out, err := c.SubmitQuantity(ctx, f.ID, QuantityInput{Quantity: "5"})
	if !errors.Is(err, ErrUnexpected) {
		t.Fatalf("expected ErrUnexpected, got %v", err)
	}
	if out.State != StateCancelled {
		t.Errorf("state = %s, want CANCELLED", out.State)
	}
	if c.inflight.Len() != 0 || c.HasFlow(f.ID) {
		t.Error("panic must release the key and drop the flow")
	}
}

func TestEditAndDeleteScan(t *testing.T) {
	r := newRig(t)
	c := r.controller(models.SessionTypeRM)
	ctx := context.Background()

	f, _ := c.Decode(ctx, "ABC123-LOT77")
	done, err := c.SubmitQuantity(ctx, f.ID, QuantityInput{Quantity: "2"})
	done = mustState(t, done, err, StateDone)
	id := done.Record.ID

	if _, _, err := c.EditScan(ctx, id, EditInput{}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty edit should be rejected, got %v", err)
	}
	edited, queued, err := c.EditScan(ctx, id, EditInput{Quantity: "2.75", ExpiryDate: "01/01/27"})
	if err != nil || queued {
		t.Fatalf("EditScan: queued=%v err=%v", queued, err)
	}
	if edited.ExpiryDate != "2027-01-01" {
		t.Errorf("expiry = %q", edited.ExpiryDate)
	}
	got, _ := r.remote.GetScan(ctx, id)
	if got.ActualQuantity.String() != "2.75" {
		t.Errorf("remote quantity = %s", got.ActualQuantity)
	}

	if _, err := c.DeleteScan(ctx, id); err != nil {
		t.Fatalf("DeleteScan: %v", err)
	}
	if _, err := r.remote.GetScan(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("scan should be deleted remotely, got %v", err)
	}
	if _, err := c.DeleteScan(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second delete should report not found, got %v", err)
	}
	if r.publisher.count(EventScanDeleted) != 1 {
		t.Error("expected a SCAN_DELETED event")
	}
}

func TestDeleteOfflineScanDropsQueuedInsert(t *testing.T) {
	r := newRig(t)
	c := r.controller(models.SessionTypeFP)
	ctx := context.Background()

	r.remote.SetOffline(true)
	f, _ := c.Decode(ctx, "0012300010005")
	done, _ := c.SubmitQuantity(ctx, f.ID, QuantityInput{Quantity: "5"})

	edited, queued, err := c.EditScan(ctx, done.Record.ID, EditInput{Quantity: "8"})
	if err != nil || !queued {
		t.Fatalf("offline edit: queued=%v err=%v", queued, err)
	}
	pending, _ := r.queue.Pending()
	if len(pending) != 1 || !pending[0].Record.ActualQuantity.Equal(edited.ActualQuantity) {
		t.Fatalf("queued insert should carry the edit: %+v", pending)
	}

	if _, err := c.DeleteScan(ctx, done.Record.ID); err != nil {
		t.Fatalf("DeleteScan: %v", err)
	}
	if r.queue.PendingCount() != 0 {
		t.Error("deleting an offline scan must drop its queued insert")
	}
	if scans, _ := r.book.SessionScans("S1"); len(scans) != 0 {
		t.Errorf("local list should be empty, got %+v", scans)
	}
}

func TestExpiryEnteredWithQuantityIsRekeyed(t *testing.T) {
	r := newRig(t)
	r.catalog.UpsertRawMaterial("ABC123", "", "NX9", "")
	r.catalog.Wait()
	c := r.controller(models.SessionTypeRM)
	ctx := context.Background()

	f, err := c.Decode(ctx, "ABC123-NX9")
	f = mustState(t, f, err, StateReadyForQuantity)
	if f.Parsed.ExpiryDate != "" {
		t.Fatalf("batch without catalog dates should have no expiry, got %q", f.Parsed.ExpiryDate)
	}
	open := scanner.ScanKey(models.SessionTypeRM, "ABC123", "NX9", "", "")
	final := scanner.ScanKey(models.SessionTypeRM, "ABC123", "NX9", "2026-02-28", "")
	if err := c.inflight.Acquire(final, "other-flow"); err != nil {
		t.Fatal(err)
	}

	res, err := c.SubmitQuantity(ctx, f.ID, QuantityInput{Quantity: "3", ExpiryDate: "2026-02-28"})
	if !errors.Is(err, ErrConcurrentScan) {
		t.Fatalf("expected ErrConcurrentScan for the completed key, got %v", err)
	}
	if res.State != StateCancelled {
		t.Errorf("rejected flow state = %s", res.State)
	}
	if c.inflight.Held(open) {
		t.Error("rejected flow kept its original key")
	}
	if recs, _ := r.remote.ListSessionScans(ctx, "S1"); len(recs) != 0 {
		t.Fatalf("rejected flow was saved: %+v", recs)
	}

	c.inflight.Release(final, "other-flow")
	f, err = c.Decode(ctx, "ABC123-NX9")
	mustState(t, f, err, StateReadyForQuantity)
	done, err := c.SubmitQuantity(ctx, f.ID, QuantityInput{Quantity: "3", ExpiryDate: "28/02/26"})
	done = mustState(t, done, err, StateDone)
	if done.Record.ExpiryDate != "2026-02-28" {
		t.Errorf("expiry = %q, want 2026-02-28", done.Record.ExpiryDate)
	}
	if c.inflight.Len() != 0 {
		t.Errorf("finished flow left %d keys registered", c.inflight.Len())
	}
}

// blindStore misses the next few duplicate lookups, like a check that ran
// just before another device's insert landed
type blindStore struct {
	*store.MemoryStore
	mu    sync.Mutex
	blind int
}

func (s *blindStore) FindScans(ctx context.Context, f store.ScanFilter) ([]models.ScanRecord, error) {
	s.mu.Lock()
	if s.blind > 0 {
		s.blind--
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()
	return s.MemoryStore.FindScans(ctx, f)
}

func TestPalletRaceAsksToOverwrite(t *testing.T) {
	r := newRig(t)
	remote := &blindStore{MemoryStore: r.remote}
	deps := r.deps
	deps.Book = NewScanBook(remote, r.cache, r.queue, r.clock)
	deps.Resolver = duplicate.NewResolver(remote, deps.Book, r.clock, 10*time.Second)
	c := NewController(deps, "S1", models.SessionTypeFP, "dev-1", "alice")
	ctx := context.Background()

	f, err := c.Decode(ctx, "0012300010005")
	f = mustState(t, f, err, StateReadyForQuantity)

	other := models.ScanRecord{
		ID:             "saved-by-dev-2",
		SessionID:      "S1",
		SessionType:    models.SessionTypeFP,
		BatchNumber:    f.Parsed.BatchNumber,
		PalletNumber:   f.Parsed.PalletNumber,
		ActualQuantity: decimal.NewFromInt(5),
		DeviceID:       "dev-2",
	}
	if err := r.remote.InsertScan(ctx, &other); err != nil {
		t.Fatal(err)
	}
	remote.blind = 1

	res, err := c.SubmitQuantity(ctx, f.ID, QuantityInput{Quantity: "7"})
	res = mustState(t, res, err, StateAwaitingDuplicateConfirm)
	if res.Duplicate == nil || res.Duplicate.Directive != duplicate.DirectiveUpdate {
		t.Fatalf("expected UPDATE after the collision, got %+v", res.Duplicate)
	}
	if res.Queued || r.queue.PendingCount() != 0 {
		t.Fatal("a pallet collision must not be queued as an offline scan")
	}

	done, err := c.ConfirmDuplicate(ctx, f.ID, true)
	done = mustState(t, done, err, StateDone)
	if done.Record.ID != other.ID {
		t.Errorf("overwrite should keep id %s, got %s", other.ID, done.Record.ID)
	}
	recs, _ := r.remote.ListSessionScans(ctx, "S1")
	if len(recs) != 1 || !recs[0].ActualQuantity.Equal(decimal.NewFromInt(7)) {
		t.Errorf("expected one pallet with 7 cases, got %+v", recs)
	}
}
