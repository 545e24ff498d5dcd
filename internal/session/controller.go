// Package session drives one device's scans through decoding, confirmation,
// quantity entry, duplicate checks and persistence.
//
// Each decoded code becomes a Flow that moves through explicit states. A flow
// waiting for user input simply stays in its state until the matching call
// arrives (SubmitStockCode, ConfirmBatch, ConfirmExpiry, SubmitQuantity,
// ConfirmDuplicate) or it is cancelled.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xelth-com/eckstocktake/internal/catalog"
	"github.com/xelth-com/eckstocktake/internal/duplicate"
	"github.com/xelth-com/eckstocktake/internal/models"
	"github.com/xelth-com/eckstocktake/internal/scanner"
	"github.com/xelth-com/eckstocktake/internal/store"
	"github.com/xelth-com/eckstocktake/internal/utils"
)

var (
	// ErrConcurrentScan rejects a decode of an item that is still being entered
	ErrConcurrentScan = errors.New("still processing this item")
	// ErrFlowNotFound is returned for unknown or finished flows
	ErrFlowNotFound = errors.New("scan flow not found")
	// ErrInvalidInput is returned for input the current state cannot accept
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnexpected wraps failures that aborted a flow
	ErrUnexpected = errors.New("unexpected scan failure")
)

// State is where a flow is in the scan lifecycle
type State string

const (
	StateIdle                     State = "IDLE"
	StateDecoded                  State = "DECODED"
	StateNeedsExpirySelection     State = "NEEDS_EXPIRY_SELECTION"
	StateNeedsStockCode           State = "NEEDS_STOCK_CODE"
	StateNeedsBatchConfirm        State = "NEEDS_BATCH_CONFIRM"
	StateNeedsExpiryConfirm       State = "NEEDS_EXPIRY_CONFIRM"
	StateReadyForQuantity         State = "READY_FOR_QUANTITY"
	StateDuplicateCheck           State = "DUPLICATE_CHECK"
	StateAwaitingDuplicateConfirm State = "AWAITING_DUPLICATE_CONFIRM"
	StatePendingPersist           State = "PENDING_PERSIST"
	StateDone                     State = "DONE"
	StateCancelled                State = "CANCELLED"
)

// Terminal reports whether no further input is accepted
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateIdle
}

type need int

const (
	needStockCode need = iota
	needBatch
	needExpiry
)

// Details are the optional fields a device sends with the quantity
type Details struct {
	// StockCode and Description name a finished product missing from the catalog
	StockCode   string `json:"stockCode,omitempty"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
	Site        string `json:"site,omitempty"`
	Aisle       string `json:"aisle,omitempty"`
	Rack        string `json:"rack,omitempty"`
}

// QuantityInput is what the device sends in ReadyForQuantity
type QuantityInput struct {
	Quantity string `json:"quantity"`
	// ExpiryDate is required only when the item still has none
	ExpiryDate string `json:"expiryDate,omitempty"`
	Details
}

// Flow is one scan on its way from decode to a saved record
type Flow struct {
	ID        string             `json:"flowId"`
	SessionID string             `json:"sessionId"`
	State     State              `json:"state"`
	Parsed    scanner.ParsedCode `json:"parsed"`
	Quantity  *decimal.Decimal   `json:"quantity,omitempty"`
	Duplicate *duplicate.Result  `json:"duplicate,omitempty"`
	Record    *models.ScanRecord `json:"record,omitempty"`
	Queued    bool               `json:"queued"`
	Message   string             `json:"message,omitempty"`

	resolved     map[need]bool
	scanKey      string
	details      Details
	stockLearned bool
}

func (f *Flow) snapshot() Flow {
	out := *f
	out.resolved = nil
	out.Parsed.AvailableExpiryDates = append([]string(nil), f.Parsed.AvailableExpiryDates...)
	return out
}

// Deps are the collaborators shared by every controller of a process
type Deps struct {
	Catalog  *catalog.Catalog
	Parser   *scanner.Parser
	Resolver *duplicate.Resolver
	Book     *ScanBook
	Clock    utils.Clock
}

// Controller runs the scan flows of one device in one session. Calls are
// serialized, so a device processes its scans strictly one step at a time.
type Controller struct {
	mu sync.Mutex

	sessionID   string
	sessionType models.SessionType
	deviceID    string
	userName    string

	deps     Deps
	inflight *InFlight
	flows    map[string]*Flow
}

func NewController(deps Deps, sessionID string, st models.SessionType, deviceID, userName string) *Controller {
	if deps.Clock == nil {
		deps.Clock = utils.SystemClock{}
	}
	return &Controller{
		sessionID:   sessionID,
		sessionType: st,
		deviceID:    deviceID,
		userName:    userName,
		deps:        deps,
		inflight:    NewInFlight(deps.Clock),
		flows:       make(map[string]*Flow),
	}
}

// SessionID returns the session this controller scans into
func (c *Controller) SessionID() string { return c.sessionID }

// DeviceID returns the device this controller belongs to
func (c *Controller) DeviceID() string { return c.deviceID }

// HasFlow reports whether flowID is an active flow of this controller
func (c *Controller) HasFlow(flowID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.flows[flowID]
	return ok
}

// ActiveFlows returns snapshots of the flows still waiting for input
func (c *Controller) ActiveFlows() []Flow {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Flow, 0, len(c.flows))
	for _, f := range c.flows {
		out = append(out, f.snapshot())
	}
	return out
}

// ============ STEPS ============

// Decode parses a scanned code and starts a flow for it
func (c *Controller) Decode(ctx context.Context, raw string) (Flow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start(c.deps.Parser.Parse(raw, c.sessionType))
}

// DecodeManual starts a flow for a hand-typed FP batch number
func (c *Controller) DecodeManual(ctx context.Context, batch string) (Flow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionType != models.SessionTypeFP {
		return Flow{State: StateIdle}, fmt.Errorf("%w: manual batch entry is for finished products", ErrInvalidInput)
	}
	return c.start(c.deps.Parser.ParseManualFP(strings.TrimSpace(batch)))
}

func (c *Controller) start(pc scanner.ParsedCode) (out Flow, err error) {
	if !pc.Valid {
		return Flow{SessionID: c.sessionID, State: StateIdle, Parsed: pc, Message: pc.Error}, pc.Err()
	}
	f := &Flow{
		ID:        uuid.New().String(),
		SessionID: c.sessionID,
		State:     StateDecoded,
		Parsed:    pc,
		resolved:  make(map[need]bool),
	}
	c.flows[f.ID] = f
	defer c.guard(f, &out, &err)

	if err := c.advance(f); err != nil {
		return f.snapshot(), err
	}
	return f.snapshot(), nil
}

// SubmitStockCode resolves NeedsStockCode with the stock code the user scanned
func (c *Controller) SubmitStockCode(ctx context.Context, flowID, stockCode, description string) (out Flow, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.flow(flowID, StateNeedsStockCode)
	if err != nil {
		return Flow{}, err
	}
	defer c.guard(f, &out, &err)

	code := strings.TrimSpace(stockCode)
	if code == "" {
		return f.snapshot(), fmt.Errorf("%w: stock code is required", ErrInvalidInput)
	}
	pc := f.Parsed
	if _, known := c.deps.Catalog.LookupRawMaterial(code); !known {
		f.stockLearned = true
	}
	pc.StockCode = code
	if d := strings.TrimSpace(description); d != "" {
		pc.Description = d
	}
	pc.NeedsStockCodeScan = false
	f.resolved[needStockCode] = true
	f.Parsed = c.reevaluate(f, pc)

	if err := c.advance(f); err != nil {
		return f.snapshot(), err
	}
	return f.snapshot(), nil
}

// ConfirmBatch resolves NeedsBatchConfirm with the batch the user accepted or typed
func (c *Controller) ConfirmBatch(ctx context.Context, flowID, batch string) (out Flow, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.flow(flowID, StateNeedsBatchConfirm)
	if err != nil {
		return Flow{}, err
	}
	defer c.guard(f, &out, &err)

	b := strings.TrimSpace(batch)
	if b == "" {
		return f.snapshot(), fmt.Errorf("%w: batch number is required", ErrInvalidInput)
	}
	pc := f.Parsed
	pc.BatchNumber = b
	f.resolved[needBatch] = true
	f.Parsed = c.reevaluate(f, pc)

	if err := c.advance(f); err != nil {
		return f.snapshot(), err
	}
	return f.snapshot(), nil
}

// ConfirmExpiry resolves either expiry state. In NeedsExpirySelection the
// date must be one of the offered dates; in NeedsExpiryConfirm any valid date
// is taken and an empty one records the item without expiry.
func (c *Controller) ConfirmExpiry(ctx context.Context, flowID, expiry string) (out Flow, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.flow(flowID, StateNeedsExpirySelection, StateNeedsExpiryConfirm)
	if err != nil {
		return Flow{}, err
	}
	defer c.guard(f, &out, &err)

	iso := ""
	if strings.TrimSpace(expiry) != "" {
		var ok bool
		if iso, ok = scanner.NormalizeDate(expiry); !ok {
			return f.snapshot(), fmt.Errorf("%w: %q is not a date", ErrInvalidInput, expiry)
		}
	}
	if f.State == StateNeedsExpirySelection && !contains(f.Parsed.AvailableExpiryDates, iso) {
		return f.snapshot(), fmt.Errorf("%w: choose one of %s", ErrInvalidInput, strings.Join(f.Parsed.AvailableExpiryDates, ", "))
	}

	f.Parsed.ExpiryDate = iso
	f.Parsed.NeedsExpiryConfirmation = false
	f.resolved[needExpiry] = true

	if err := c.advance(f); err != nil {
		return f.snapshot(), err
	}
	return f.snapshot(), nil
}

// SubmitQuantity takes the counted quantity and runs the duplicate check.
// Without a conflict the scan is saved straight away; otherwise the flow
// waits in AwaitingDuplicateConfirm.
func (c *Controller) SubmitQuantity(ctx context.Context, flowID string, in QuantityInput) (out Flow, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.flow(flowID, StateReadyForQuantity)
	if err != nil {
		return Flow{}, err
	}
	defer c.guard(f, &out, &err)

	qty, err := scanner.ParseQuantity(in.Quantity, f.Parsed.UnitType)
	if err != nil {
		return f.snapshot(), fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if f.Parsed.SessionType == models.SessionTypeRM && f.Parsed.ExpiryDate == "" && strings.TrimSpace(in.ExpiryDate) != "" {
		iso, ok := scanner.NormalizeDate(in.ExpiryDate)
		if !ok {
			return f.snapshot(), fmt.Errorf("%w: %q is not a date", ErrInvalidInput, in.ExpiryDate)
		}
		f.Parsed.ExpiryDate = iso
	}
	if f.Parsed.IsUnknownProduct {
		if code := strings.TrimSpace(in.StockCode); code != "" {
			f.Parsed.StockCode = code
			f.stockLearned = true
		}
		if d := strings.TrimSpace(in.Description); d != "" {
			f.Parsed.Description = d
		}
	}
	if err := c.rekey(f); err != nil {
		return f.snapshot(), err
	}
	f.Quantity = &qty
	f.details = in.Details

	if c.checkDuplicate(ctx, f) {
		return f.snapshot(), nil
	}
	return c.persist(ctx, f)
}

// checkDuplicate runs the duplicate rules and parks the flow in
// AwaitingDuplicateConfirm when they ask the user. It reports whether it did.
func (c *Controller) checkDuplicate(ctx context.Context, f *Flow) bool {
	f.State = StateDuplicateCheck
	res := c.deps.Resolver.Check(ctx, duplicate.Candidate{
		SessionID:    c.sessionID,
		SessionType:  f.Parsed.SessionType,
		StockCode:    f.Parsed.StockCode,
		BatchNumber:  f.Parsed.BatchNumber,
		ExpiryDate:   f.Parsed.ExpiryDate,
		PalletNumber: f.Parsed.PalletNumber,
		Quantity:     *f.Quantity,
	})
	f.Duplicate = &res

	switch res.Directive {
	case duplicate.DirectiveUpdate:
		f.State = StateAwaitingDuplicateConfirm
		f.Message = fmt.Sprintf("Pallet %s of batch %s is already counted (%s). Overwrite it?",
			f.Parsed.PalletNumber, f.Parsed.BatchNumber, res.Existing.ActualQuantity.String())
		return true
	case duplicate.DirectiveConfirm:
		f.State = StateAwaitingDuplicateConfirm
		f.Message = fmt.Sprintf("%s batch %s with quantity %s is already recorded. Record it again?",
			f.Parsed.StockCode, f.Parsed.BatchNumber, f.Quantity.String())
		return true
	}
	return false
}

// ConfirmDuplicate answers the duplicate prompt. Declining discards the scan.
func (c *Controller) ConfirmDuplicate(ctx context.Context, flowID string, accept bool) (out Flow, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.flow(flowID, StateAwaitingDuplicateConfirm)
	if err != nil {
		return Flow{}, err
	}
	defer c.guard(f, &out, &err)

	if !accept {
		c.discard(f, StateCancelled)
		f.Message = "Scan discarded"
		return f.snapshot(), nil
	}
	return c.persist(ctx, f)
}

// Cancel abandons a flow in any interactive state
func (c *Controller) Cancel(flowID string) (Flow, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.flows[flowID]
	if !ok {
		return Flow{}, ErrFlowNotFound
	}
	c.discard(f, StateCancelled)
	f.Message = "Scan cancelled"
	return f.snapshot(), nil
}

// ============ INTERNALS ============

func (c *Controller) flow(flowID string, allowed ...State) (*Flow, error) {
	f, ok := c.flows[flowID]
	if !ok {
		return nil, ErrFlowNotFound
	}
	for _, s := range allowed {
		if f.State == s {
			return f, nil
		}
	}
	return nil, fmt.Errorf("%w: flow is in state %s", ErrInvalidInput, f.State)
}

// advance moves a flow to the first unresolved need in priority order, or to
// ReadyForQuantity once nothing is left. Needs only ever get resolved, so
// repeated calls settle.
func (c *Controller) advance(f *Flow) error {
	pc := f.Parsed
	switch {
	case pc.NeedsExpiryConfirmation && len(pc.AvailableExpiryDates) > 1 && !f.resolved[needExpiry]:
		f.State = StateNeedsExpirySelection
	case pc.NeedsStockCodeScan && !f.resolved[needStockCode]:
		f.State = StateNeedsStockCode
	case pc.NeedsBatchConfirmation && !f.resolved[needBatch]:
		f.State = StateNeedsBatchConfirm
	case pc.NeedsExpiryConfirmation && !f.resolved[needExpiry]:
		f.State = StateNeedsExpiryConfirm
	default:
		key := pc.ScanKey()
		if err := c.inflight.Acquire(key, f.ID); err != nil {
			c.discard(f, StateCancelled)
			f.Message = "This item is still being processed"
			return err
		}
		f.scanKey = key
		f.State = StateReadyForQuantity
	}
	return nil
}

// rekey moves the flow's in-flight registration to its current scan key, for
// items whose identity was completed after ReadyForQuantity
func (c *Controller) rekey(f *Flow) error {
	key := f.Parsed.ScanKey()
	if key == f.scanKey {
		return nil
	}
	if err := c.inflight.Acquire(key, f.ID); err != nil {
		c.discard(f, StateCancelled)
		f.Message = "This item is still being processed"
		return err
	}
	if f.scanKey != "" {
		c.inflight.Release(f.scanKey, f.ID)
	}
	f.scanKey = key
	return nil
}

// reevaluate re-runs catalog resolution but keeps an expiry the user already chose
func (c *Controller) reevaluate(f *Flow, pc scanner.ParsedCode) scanner.ParsedCode {
	chosen := pc.ExpiryDate
	pc = c.deps.Parser.Reevaluate(pc)
	if f.resolved[needExpiry] {
		pc.ExpiryDate = chosen
	}
	return pc
}

func (c *Controller) persist(ctx context.Context, f *Flow) (Flow, error) {
	f.State = StatePendingPersist
	rec := c.buildRecord(f)

	var (
		queued bool
		err    error
	)
	if f.Duplicate != nil && f.Duplicate.Directive == duplicate.DirectiveUpdate && f.Duplicate.Existing != nil {
		existing := f.Duplicate.Existing
		rec.ID = existing.ID
		rec.CreatedAt = existing.CreatedAt
		queued, err = c.deps.Book.Update(ctx, &rec)
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("⚠️ Scan %s disappeared before overwrite, saving as new", rec.ID)
			rec.ID = ""
			queued, err = c.deps.Book.Insert(ctx, &rec)
		}
	} else {
		queued, err = c.deps.Book.Insert(ctx, &rec)
	}
	if errors.Is(err, store.ErrDuplicateKey) {
		// another device saved the same pallet first
		log.Printf("⚠️ Scan of %s collided with a saved scan, checking again", rec.BatchNumber)
		if c.checkDuplicate(ctx, f) {
			return f.snapshot(), nil
		}
	}
	if err != nil {
		c.discard(f, StateCancelled)
		f.Message = "Scan could not be saved"
		return f.snapshot(), fmt.Errorf("%w: %v", ErrUnexpected, err)
	}

	c.learn(f, rec)

	f.Record = &rec
	f.Queued = queued
	if queued {
		f.Message = "Saved on this device, will sync when online"
	} else {
		f.Message = "Saved"
	}
	c.discard(f, StateDone)
	return f.snapshot(), nil
}

func (c *Controller) buildRecord(f *Flow) models.ScanRecord {
	pc := f.Parsed
	rec := models.ScanRecord{
		SessionID:     c.sessionID,
		Timestamp:     c.deps.Clock.Now(),
		RawCode:       pc.Raw,
		SessionType:   pc.SessionType,
		BatchNumber:   pc.BatchNumber,
		PalletNumber:  pc.PalletNumber,
		CasesOnPallet: pc.CasesOnPallet,
		StockCode:     pc.StockCode,
		Description:   pc.Description,
		UnitType:      pc.UnitType,
		ExpiryDate:    pc.ExpiryDate,
		DeviceID:      c.deviceID,
		ScannedBy:     c.userName,
		Location:      f.details.Location,
		Site:          f.details.Site,
		Aisle:         f.details.Aisle,
		Rack:          f.details.Rack,
	}
	if f.Quantity != nil {
		rec.ActualQuantity = *f.Quantity
	}
	return rec
}

// learn adds what the user taught us to the catalog
func (c *Controller) learn(f *Flow, rec models.ScanRecord) {
	if rec.SessionType == models.SessionTypeFP {
		if f.Parsed.IsUnknownProduct && f.stockLearned {
			c.deps.Catalog.UpsertProduct(rec.BatchNumber, rec.StockCode, rec.Description)
		}
		return
	}
	if f.stockLearned || !f.Parsed.BatchFromDatabase || !c.knownExpiry(rec) {
		c.deps.Catalog.UpsertRawMaterial(rec.StockCode, rec.Description, rec.BatchNumber, rec.ExpiryDate)
	}
}

func (c *Controller) knownExpiry(rec models.ScanRecord) bool {
	if rec.ExpiryDate == "" {
		return true
	}
	rm, ok := c.deps.Catalog.LookupRawMaterial(rec.StockCode)
	if !ok {
		return false
	}
	for _, b := range rm.Batches {
		if strings.EqualFold(b.BatchNumber, rec.BatchNumber) {
			return contains(b.ExpiryDates, rec.ExpiryDate)
		}
	}
	return false
}

// discard ends a flow: its key is released and it is forgotten
func (c *Controller) discard(f *Flow, state State) {
	if f.scanKey != "" {
		c.inflight.Release(f.scanKey, f.ID)
	}
	delete(c.flows, f.ID)
	f.State = state
}

// guard turns a panic inside a step into ErrUnexpected without leaking the flow's key
func (c *Controller) guard(f *Flow, out *Flow, err *error) {
	r := recover()
	if r == nil {
		return
	}
	log.Printf("❌ Scan flow %s failed in %s: %v", f.ID, f.State, r)
	c.discard(f, StateCancelled)
	f.Message = "Unexpected error, please scan again"
	*out = f.snapshot()
	*err = fmt.Errorf("%w: %v", ErrUnexpected, r)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
