// Package catalog holds the reference data a scanner decodes against:
// finished-product batches, raw-material stock codes with their batches and
// expiry dates, and the product type that decides each stock code's unit.
//
// Reads are served from memory. Upserts are write-through: memory first, then
// the local cache, then a fire-and-forget push to the remote store. Entries
// are never pruned; remote loads merge into what the device already knows.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xelth-com/eckstocktake/internal/localcache"
	"github.com/xelth-com/eckstocktake/internal/models"
	"github.com/xelth-com/eckstocktake/internal/store"
	"github.com/xelth-com/eckstocktake/internal/utils"
)

const (
	productKeyPrefix  = "catalog:product:"
	rawKeyPrefix      = "catalog:rm:"
	unitTypeKeyPrefix = "catalog:pt:"

	pushTimeout = 15 * time.Second
)

// ProductEntry is a finished-product batch
type ProductEntry struct {
	BatchNumber string `json:"batchNumber"`
	StockCode   string `json:"stockCode"`
	Description string `json:"description"`
}

// BatchEntry is one known batch of a raw material
type BatchEntry struct {
	BatchNumber string   `json:"batchNumber"`
	ExpiryDates []string `json:"expiryDates,omitempty"`
}

// RawMaterialEntry is a raw-material stock code and its batches, ordered by batch number
type RawMaterialEntry struct {
	StockCode   string       `json:"stockCode"`
	Description string       `json:"description"`
	Batches     []BatchEntry `json:"batches,omitempty"`
}

// ProductTypeEntry classifies a stock code
type ProductTypeEntry struct {
	StockCode   string `json:"stockCode"`
	ProductType string `json:"productType"`
	Description string `json:"description"`
}

// UnitType is kg for ingredients and units for everything else
func (p ProductTypeEntry) UnitType() models.UnitType {
	return models.ProductType{ProductType: p.ProductType}.UnitType()
}

// Stats summarises catalog size for the status endpoint
type Stats struct {
	Products     int       `json:"products"`
	RawMaterials int       `json:"rawMaterials"`
	ProductTypes int       `json:"productTypes"`
	LastLoad     time.Time `json:"lastLoad"`
}

// Catalog is the in-memory reference catalog of one device
type Catalog struct {
	mu           sync.RWMutex
	products     map[string]ProductEntry
	rawMaterials map[string]RawMaterialEntry // lower-cased stock code
	productTypes map[string]ProductTypeEntry // lower-cased stock code
	codes        []string                    // RM stock codes, longest first

	cache    localcache.Cache
	remote   store.CatalogStore
	clock    utils.Clock
	throttle time.Duration

	loadMu   sync.Mutex
	lastLoad time.Time
	group    singleflight.Group
	pushes   sync.WaitGroup
}

// New creates an empty catalog. remote may be nil for a purely local catalog.
func New(cache localcache.Cache, remote store.CatalogStore, clock utils.Clock, throttle time.Duration) *Catalog {
	if clock == nil {
		clock = utils.SystemClock{}
	}
	return &Catalog{
		products:     make(map[string]ProductEntry),
		rawMaterials: make(map[string]RawMaterialEntry),
		productTypes: make(map[string]ProductTypeEntry),
		cache:        cache,
		remote:       remote,
		clock:        clock,
		throttle:     throttle,
	}
}

func fold(s string) string { return strings.ToLower(s) }

// ============ READS ============

// LookupProduct finds a finished product by its 5-digit batch
func (c *Catalog) LookupProduct(batch string) (ProductEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[batch]
	return p, ok
}

// LookupRawMaterial finds a raw material by stock code, ignoring case
func (c *Catalog) LookupRawMaterial(stockCode string) (RawMaterialEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rm, ok := c.rawMaterials[fold(stockCode)]
	if !ok {
		return RawMaterialEntry{}, false
	}
	return rm.clone(), true
}

// LookupUnitType returns the unit a stock code is counted in, units when unknown
func (c *Catalog) LookupUnitType(stockCode string) models.UnitType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if pt, ok := c.productTypes[fold(stockCode)]; ok {
		return pt.UnitType()
	}
	return models.UnitUnits
}

// RawMaterialCodes returns the known RM stock codes, longest first
func (c *Catalog) RawMaterialCodes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.codes...)
}

// Stats reports entry counts and the time of the last remote load
func (c *Catalog) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	return Stats{
		Products:     len(c.products),
		RawMaterials: len(c.rawMaterials),
		ProductTypes: len(c.productTypes),
		LastLoad:     c.lastLoad,
	}
}

func (rm RawMaterialEntry) clone() RawMaterialEntry {
	out := rm
	out.Batches = make([]BatchEntry, len(rm.Batches))
	for i, b := range rm.Batches {
		out.Batches[i] = BatchEntry{BatchNumber: b.BatchNumber, ExpiryDates: append([]string(nil), b.ExpiryDates...)}
	}
	return out
}

// rebuildCodes must be called with mu held
func (c *Catalog) rebuildCodes() {
	codes := make([]string, 0, len(c.rawMaterials))
	for _, rm := range c.rawMaterials {
		codes = append(codes, rm.StockCode)
	}
	sort.Slice(codes, func(i, j int) bool {
		if len(codes[i]) != len(codes[j]) {
			return len(codes[i]) > len(codes[j])
		}
		return codes[i] < codes[j]
	})
	c.codes = codes
}

// ============ UPSERTS ============

// UpsertProduct records a finished-product batch
func (c *Catalog) UpsertProduct(batch, stockCode, description string) {
	entry := ProductEntry{BatchNumber: batch, StockCode: stockCode, Description: description}

	c.mu.Lock()
	c.products[batch] = entry
	c.mu.Unlock()

	c.persist(productKeyPrefix+batch, entry)
	c.push(func(ctx context.Context) error {
		return c.remote.UpsertProduct(ctx, models.Product{BatchNumber: batch, StockCode: stockCode, Description: description})
	}, "product "+batch)
}

// UpsertRawMaterial records a stock code and, when given, a batch and an
// expiry date for it. Entries only grow: existing batches and dates are kept.
func (c *Catalog) UpsertRawMaterial(stockCode, description, batch, expiryDate string) {
	if stockCode == "" {
		return
	}

	c.mu.Lock()
	key := fold(stockCode)
	rm, ok := c.rawMaterials[key]
	if !ok {
		rm = RawMaterialEntry{StockCode: stockCode}
	} else {
		rm = rm.clone()
	}
	if description != "" {
		rm.Description = description
	}
	if batch != "" {
		idx := findBatch(rm.Batches, batch)
		if idx < 0 {
			rm.Batches = append(rm.Batches, BatchEntry{BatchNumber: batch})
			sortBatches(rm.Batches)
			idx = findBatch(rm.Batches, batch)
		}
		rm.Batches[idx].ExpiryDates = store.MergeExpiryDates(rm.Batches[idx].ExpiryDates, expiryDate)
	}
	c.rawMaterials[key] = rm
	if !ok {
		c.rebuildCodes()
	}
	snapshot := rm.clone()
	c.mu.Unlock()

	c.persist(rawKeyPrefix+key, snapshot)
	c.push(func(ctx context.Context) error {
		if err := c.remote.UpsertRawMaterial(ctx, models.RawMaterial{StockCode: snapshot.StockCode, Description: snapshot.Description}); err != nil {
			return err
		}
		if batch == "" {
			return nil
		}
		var dates []string
		if expiryDate != "" {
			dates = []string{expiryDate}
		}
		return c.remote.UpsertRawMaterialBatch(ctx, models.RawMaterialBatch{
			StockCode:   snapshot.StockCode,
			BatchNumber: batch,
			ExpiryDates: dates,
		})
	}, "raw material "+stockCode)
}

// SetProductType records how a stock code is classified
func (c *Catalog) SetProductType(stockCode, productType, description string) {
	entry := ProductTypeEntry{StockCode: stockCode, ProductType: productType, Description: description}

	c.mu.Lock()
	c.productTypes[fold(stockCode)] = entry
	c.mu.Unlock()

	c.persist(unitTypeKeyPrefix+fold(stockCode), entry)
	c.push(func(ctx context.Context) error {
		return c.remote.UpsertProductType(ctx, models.ProductType{StockCode: stockCode, ProductType: productType, Description: description})
	}, "product type "+stockCode)
}

func (c *Catalog) persist(key string, v interface{}) {
	if c.cache == nil {
		return
	}
	if err := localcache.SetJSON(c.cache, key, v); err != nil {
		log.Printf("⚠️ Catalog: failed to cache %s: %v", key, err)
	}
}

// push runs fn against the remote store in the background. Failures are
// logged only; the local catalog stays authoritative for this device.
func (c *Catalog) push(fn func(ctx context.Context) error, what string) {
	if c.remote == nil {
		return
	}
	c.pushes.Add(1)
	go func() {
		defer c.pushes.Done()
		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Printf("⚠️ Catalog: remote push of %s failed: %v", what, err)
		}
	}()
}

// Wait blocks until every background push has finished
func (c *Catalog) Wait() {
	c.pushes.Wait()
}

// ============ LOADING ============

// LoadFromRemote merges the remote catalog into the in-memory one. Remote
// values win for entries both sides hold; entries only this device knows are
// kept and pushed again. Calls within the throttle window of the last
// successful load are skipped unless forced; concurrent calls share one load.
// It reports whether a load ran.
func (c *Catalog) LoadFromRemote(ctx context.Context, force bool) (bool, error) {
	if c.remote == nil {
		return false, nil
	}
	if !force && c.recentlyLoaded() {
		return false, nil
	}

	v, err, _ := c.group.Do("load", func() (interface{}, error) {
		if !force && c.recentlyLoaded() {
			return false, nil
		}
		if err := c.load(ctx); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		log.Printf("⚠️ Catalog: remote load failed, keeping current catalog: %v", err)
		return false, err
	}
	return v.(bool), nil
}

func (c *Catalog) recentlyLoaded() bool {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()
	return !c.lastLoad.IsZero() && c.clock.Now().Sub(c.lastLoad) < c.throttle
}

// snapshot holds catalog entries keyed the way the in-memory maps are
type snapshot struct {
	products     map[string]ProductEntry
	rawMaterials map[string]RawMaterialEntry
	productTypes map[string]ProductTypeEntry
}

func newSnapshot() snapshot {
	return snapshot{
		products:     make(map[string]ProductEntry),
		rawMaterials: make(map[string]RawMaterialEntry),
		productTypes: make(map[string]ProductTypeEntry),
	}
}

func (c *Catalog) load(ctx context.Context) error {
	products, err := c.remote.ListProducts(ctx)
	if err != nil {
		return fmt.Errorf("list products: %w", err)
	}
	rms, err := c.remote.ListRawMaterials(ctx)
	if err != nil {
		return fmt.Errorf("list raw materials: %w", err)
	}
	pts, err := c.remote.ListProductTypes(ctx)
	if err != nil {
		return fmt.Errorf("list product types: %w", err)
	}

	remote := newSnapshot()
	for _, p := range products {
		remote.products[p.BatchNumber] = ProductEntry{BatchNumber: p.BatchNumber, StockCode: p.StockCode, Description: p.Description}
	}
	for _, rm := range rms {
		entry := RawMaterialEntry{StockCode: rm.StockCode, Description: rm.Description}
		for _, b := range rm.Batches {
			entry.Batches = append(entry.Batches, BatchEntry{
				BatchNumber: b.BatchNumber,
				ExpiryDates: store.MergeExpiryDates(nil, b.ExpiryDates...),
			})
		}
		sortBatches(entry.Batches)
		remote.rawMaterials[fold(rm.StockCode)] = entry
	}
	for _, pt := range pts {
		remote.productTypes[fold(pt.StockCode)] = ProductTypeEntry{StockCode: pt.StockCode, ProductType: pt.ProductType, Description: pt.Description}
	}

	c.mu.Lock()
	pending := c.pendingLocked(remote)
	for batch, p := range remote.products {
		c.products[batch] = p
	}
	for key, rm := range remote.rawMaterials {
		c.rawMaterials[key] = mergeRawMaterial(c.rawMaterials[key], rm)
	}
	for key, pt := range remote.productTypes {
		c.productTypes[key] = pt
	}
	c.rebuildCodes()
	merged := c.snapshotLocked()
	c.mu.Unlock()

	c.loadMu.Lock()
	c.lastLoad = c.clock.Now()
	c.loadMu.Unlock()

	c.cacheAll(merged)
	for _, p := range pending {
		c.push(p.fn, p.what)
	}
	log.Printf("✅ Catalog: loaded %d products, %d raw materials, %d product types (%d local entries re-pushed)",
		len(remote.products), len(remote.rawMaterials), len(remote.productTypes), len(pending))
	return nil
}

type pendingPush struct {
	fn   func(ctx context.Context) error
	what string
}

// pendingLocked lists what this device knows and the remote store does not.
// Must be called with mu held.
func (c *Catalog) pendingLocked(remote snapshot) []pendingPush {
	var out []pendingPush
	for batch, p := range c.products {
		if _, ok := remote.products[batch]; ok {
			continue
		}
		p := p
		out = append(out, pendingPush{what: "product " + batch, fn: func(ctx context.Context) error {
			return c.remote.UpsertProduct(ctx, models.Product{BatchNumber: p.BatchNumber, StockCode: p.StockCode, Description: p.Description})
		}})
	}
	for key, rm := range c.rawMaterials {
		theirs, known := remote.rawMaterials[key]
		missing := missingBatches(rm, theirs)
		if known && len(missing) == 0 {
			continue
		}
		rm := rm
		out = append(out, pendingPush{what: "raw material " + rm.StockCode, fn: func(ctx context.Context) error {
			if !known {
				if err := c.remote.UpsertRawMaterial(ctx, models.RawMaterial{StockCode: rm.StockCode, Description: rm.Description}); err != nil {
					return err
				}
			}
			for _, b := range missing {
				if err := c.remote.UpsertRawMaterialBatch(ctx, models.RawMaterialBatch{
					StockCode:   rm.StockCode,
					BatchNumber: b.BatchNumber,
					ExpiryDates: b.ExpiryDates,
				}); err != nil {
					return err
				}
			}
			return nil
		}})
	}
	for key, pt := range c.productTypes {
		if _, ok := remote.productTypes[key]; ok {
			continue
		}
		pt := pt
		out = append(out, pendingPush{what: "product type " + pt.StockCode, fn: func(ctx context.Context) error {
			return c.remote.UpsertProductType(ctx, models.ProductType{StockCode: pt.StockCode, ProductType: pt.ProductType, Description: pt.Description})
		}})
	}
	return out
}

// missingBatches returns the local batches, or expiry dates of them, the
// remote entry lacks
func missingBatches(local, remote RawMaterialEntry) []BatchEntry {
	var out []BatchEntry
	for _, b := range local.Batches {
		idx := findBatch(remote.Batches, b.BatchNumber)
		if idx < 0 {
			out = append(out, b)
			continue
		}
		if len(store.MergeExpiryDates(remote.Batches[idx].ExpiryDates, b.ExpiryDates...)) > len(remote.Batches[idx].ExpiryDates) {
			out = append(out, b)
		}
	}
	return out
}

// mergeRawMaterial unions two entries of the same stock code. incoming wins
// for the stock code spelling and a non-empty description.
func mergeRawMaterial(existing, incoming RawMaterialEntry) RawMaterialEntry {
	out := incoming.clone()
	if out.Description == "" {
		out.Description = existing.Description
	}
	for _, b := range existing.Batches {
		idx := findBatch(out.Batches, b.BatchNumber)
		if idx < 0 {
			out.Batches = append(out.Batches, BatchEntry{BatchNumber: b.BatchNumber, ExpiryDates: append([]string(nil), b.ExpiryDates...)})
			continue
		}
		out.Batches[idx].ExpiryDates = store.MergeExpiryDates(out.Batches[idx].ExpiryDates, b.ExpiryDates...)
	}
	sortBatches(out.Batches)
	return out
}

func findBatch(batches []BatchEntry, batch string) int {
	for i, b := range batches {
		if strings.EqualFold(b.BatchNumber, batch) {
			return i
		}
	}
	return -1
}

func sortBatches(batches []BatchEntry) {
	sort.Slice(batches, func(i, j int) bool { return batches[i].BatchNumber < batches[j].BatchNumber })
}

// snapshotLocked copies the in-memory catalog. Must be called with mu held.
func (c *Catalog) snapshotLocked() snapshot {
	s := newSnapshot()
	for k, v := range c.products {
		s.products[k] = v
	}
	for k, v := range c.rawMaterials {
		s.rawMaterials[k] = v.clone()
	}
	for k, v := range c.productTypes {
		s.productTypes[k] = v
	}
	return s
}

// cacheAll writes every entry to the local cache. Nothing is deleted: entries
// are only ever added or widened.
func (c *Catalog) cacheAll(s snapshot) {
	if c.cache == nil {
		return
	}
	for batch, p := range s.products {
		c.persist(productKeyPrefix+batch, p)
	}
	for key, rm := range s.rawMaterials {
		c.persist(rawKeyPrefix+key, rm)
	}
	for key, pt := range s.productTypes {
		c.persist(unitTypeKeyPrefix+key, pt)
	}
}

// LoadFromCache merges the locally cached catalog into memory, for starting
// without a reachable remote store. Entries already in memory are kept.
func (c *Catalog) LoadFromCache() error {
	if c.cache == nil {
		return nil
	}
	cached := newSnapshot()

	if err := decodeAll(c.cache, productKeyPrefix, func(data []byte) error {
		var p ProductEntry
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		cached.products[p.BatchNumber] = p
		return nil
	}); err != nil {
		return err
	}
	if err := decodeAll(c.cache, rawKeyPrefix, func(data []byte) error {
		var rm RawMaterialEntry
		if err := json.Unmarshal(data, &rm); err != nil {
			return err
		}
		cached.rawMaterials[fold(rm.StockCode)] = rm
		return nil
	}); err != nil {
		return err
	}
	if err := decodeAll(c.cache, unitTypeKeyPrefix, func(data []byte) error {
		var pt ProductTypeEntry
		if err := json.Unmarshal(data, &pt); err != nil {
			return err
		}
		cached.productTypes[fold(pt.StockCode)] = pt
		return nil
	}); err != nil {
		return err
	}

	c.mu.Lock()
	for batch, p := range cached.products {
		if _, ok := c.products[batch]; !ok {
			c.products[batch] = p
		}
	}
	for key, rm := range cached.rawMaterials {
		if existing, ok := c.rawMaterials[key]; ok {
			c.rawMaterials[key] = mergeRawMaterial(rm, existing)
		} else {
			c.rawMaterials[key] = rm
		}
	}
	for key, pt := range cached.productTypes {
		if _, ok := c.productTypes[key]; !ok {
			c.productTypes[key] = pt
		}
	}
	c.rebuildCodes()
	c.mu.Unlock()

	log.Printf("🔄 Catalog: restored %d products, %d raw materials from local cache", len(cached.products), len(cached.rawMaterials))
	return nil
}

func decodeAll(c localcache.Cache, prefix string, fn func([]byte) error) error {
	entries, err := c.List(prefix)
	if err != nil {
		return fmt.Errorf("list %s: %w", prefix, err)
	}
	for _, e := range entries {
		if err := fn(e.Value); err != nil {
			return fmt.Errorf("decode %s: %w", e.Key, err)
		}
	}
	return nil
}
