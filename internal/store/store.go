// Package store is the remote relational store shared by every device in a
// session. It owns the scans, products, raw materials, product types and
// sessions collections.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/xelth-com/eckstocktake/internal/models"
)

var (
	// ErrNotFound is returned when a record addressed by key does not exist
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateKey is returned when an insert violates a primary key or unique index
	ErrDuplicateKey = errors.New("duplicate key")
	// ErrUnavailable is returned when the store cannot be reached at all
	ErrUnavailable = errors.New("remote store unavailable")
)

// ScanFilter selects scans of one session. Empty string fields are ignored;
// ExpiryDate is compared only when MatchExpiry is set (an empty expiry then
// matches only scans without one).
type ScanFilter struct {
	SessionID    string
	BatchNumber  string
	PalletNumber string
	StockCode    string
	ExpiryDate   string
	MatchExpiry  bool
	Quantity     *decimal.Decimal
}

// Matches applies the filter to a single record. Every Store implementation
// and the in-memory fallback in the duplicate resolver select with these
// exact rules.
func (f ScanFilter) Matches(rec models.ScanRecord) bool {
	if rec.SessionID != f.SessionID {
		return false
	}
	if f.BatchNumber != "" && !strings.EqualFold(rec.BatchNumber, f.BatchNumber) {
		return false
	}
	if f.PalletNumber != "" && rec.PalletNumber != f.PalletNumber {
		return false
	}
	if f.StockCode != "" && !strings.EqualFold(rec.StockCode, f.StockCode) {
		return false
	}
	if f.MatchExpiry && rec.ExpiryDate != f.ExpiryDate {
		return false
	}
	if f.Quantity != nil && !rec.ActualQuantity.Round(2).Equal(f.Quantity.Round(2)) {
		return false
	}
	return true
}

// ScanStore persists scan records
type ScanStore interface {
	InsertScan(ctx context.Context, rec *models.ScanRecord) error
	UpdateScan(ctx context.Context, rec *models.ScanRecord) error
	DeleteScan(ctx context.Context, id string) error
	GetScan(ctx context.Context, id string) (*models.ScanRecord, error)
	FindScans(ctx context.Context, f ScanFilter) ([]models.ScanRecord, error)
	ListSessionScans(ctx context.Context, sessionID string) ([]models.ScanRecord, error)
}

// CatalogStore persists the reference catalog
type CatalogStore interface {
	ListProducts(ctx context.Context) ([]models.Product, error)
	ListRawMaterials(ctx context.Context) ([]models.RawMaterial, error)
	ListProductTypes(ctx context.Context) ([]models.ProductType, error)
	UpsertProduct(ctx context.Context, p models.Product) error
	UpsertRawMaterial(ctx context.Context, rm models.RawMaterial) error
	UpsertRawMaterialBatch(ctx context.Context, b models.RawMaterialBatch) error
	UpsertProductType(ctx context.Context, pt models.ProductType) error
}

// SessionStore persists sessions and their devices
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error
	TouchDevice(ctx context.Context, d models.SessionDevice) error
}

// Store is the full remote store contract
type Store interface {
	ScanStore
	CatalogStore
	SessionStore
	Ping(ctx context.Context) error
}

// MergeExpiryDates appends dates not already present, keeping first-seen order
func MergeExpiryDates(existing []string, add ...string) []string {
	out := append([]string(nil), existing...)
	for _, d := range add {
		if d == "" {
			continue
		}
		found := false
		for _, e := range out {
			if e == d {
				found = true
				break
			}
		}
		if !found {
			out = append(out, d)
		}
	}
	return out
}
