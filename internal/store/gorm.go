package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/xelth-com/eckstocktake/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostgreSQL error codes the store distinguishes
const (
	PgErrUniqueViolation     = "23505" // unique_violation
	PgErrConnectionException = "08000" // connection_exception
	PgErrConnectionFailure   = "08006" // connection_failure
	PgErrAdminShutdown       = "57P01" // admin_shutdown
)

// GormStore is the PostgreSQL-backed Store
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open GORM connection
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// classify maps driver errors onto the store's sentinel errors
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == PgErrUniqueViolation:
			return fmt.Errorf("%w: %s", ErrDuplicateKey, pgErr.Detail)
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == PgErrAdminShutdown:
			return fmt.Errorf("%w: %s", ErrUnavailable, pgErr.Message)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) || pgconn.SafeToRetry(err) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return classify(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// ============ SCANS ============

func (s *GormStore) InsertScan(ctx context.Context, rec *models.ScanRecord) error {
	return classify(s.db.WithContext(ctx).Create(rec).Error)
}

func (s *GormStore) UpdateScan(ctx context.Context, rec *models.ScanRecord) error {
	res := s.db.WithContext(ctx).Model(&models.ScanRecord{}).Where("id = ?", rec.ID).
		Select("*").Omit("id", "created_at").Updates(rec)
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) DeleteScan(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.ScanRecord{})
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) GetScan(ctx context.Context, id string) (*models.ScanRecord, error) {
	var rec models.ScanRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, classify(err)
	}
	return &rec, nil
}

// FindScans translates ScanFilter.Matches into SQL
func (s *GormStore) FindScans(ctx context.Context, f ScanFilter) ([]models.ScanRecord, error) {
	q := s.db.WithContext(ctx).Where("session_id = ?", f.SessionID)
	if f.BatchNumber != "" {
		q = q.Where("LOWER(batch_number) = LOWER(?)", f.BatchNumber)
	}
	if f.PalletNumber != "" {
		q = q.Where("pallet_number = ?", f.PalletNumber)
	}
	if f.StockCode != "" {
		q = q.Where("LOWER(stock_code) = LOWER(?)", f.StockCode)
	}
	if f.MatchExpiry {
		q = q.Where("expiry_date = ?", f.ExpiryDate)
	}
	if f.Quantity != nil {
		q = q.Where("ROUND(actual_quantity, 2) = ?", f.Quantity.Round(2))
	}
	var recs []models.ScanRecord
	if err := q.Order("timestamp ASC, id ASC").Find(&recs).Error; err != nil {
		return nil, classify(err)
	}
	return recs, nil
}

func (s *GormStore) ListSessionScans(ctx context.Context, sessionID string) ([]models.ScanRecord, error) {
	var recs []models.ScanRecord
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("timestamp ASC, id ASC").Find(&recs).Error
	if err != nil {
		return nil, classify(err)
	}
	return recs, nil
}

// ============ CATALOG ============

func (s *GormStore) ListProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	if err := s.db.WithContext(ctx).Find(&products).Error; err != nil {
		return nil, classify(err)
	}
	return products, nil
}

func (s *GormStore) ListRawMaterials(ctx context.Context) ([]models.RawMaterial, error) {
	var rms []models.RawMaterial
	if err := s.db.WithContext(ctx).Preload("Batches").Find(&rms).Error; err != nil {
		return nil, classify(err)
	}
	return rms, nil
}

func (s *GormStore) ListProductTypes(ctx context.Context) ([]models.ProductType, error) {
	var pts []models.ProductType
	if err := s.db.WithContext(ctx).Find(&pts).Error; err != nil {
		return nil, classify(err)
	}
	return pts, nil
}

func (s *GormStore) UpsertProduct(ctx context.Context, p models.Product) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "batch_number"}},
		DoUpdates: clause.AssignmentColumns([]string{"stock_code", "description", "updated_at"}),
	}).Create(&p).Error
	return classify(err)
}

// UpsertRawMaterial keeps the stored spelling of an existing stock code
func (s *GormStore) UpsertRawMaterial(ctx context.Context, rm models.RawMaterial) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.RawMaterial
		err := tx.Where("LOWER(stock_code) = LOWER(?)", rm.StockCode).First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Omit("Batches").Create(&models.RawMaterial{StockCode: rm.StockCode, Description: rm.Description}).Error
		}
		if err != nil {
			return err
		}
		if rm.Description == "" || rm.Description == existing.Description {
			return nil
		}
		return tx.Model(&existing).Update("description", rm.Description).Error
	})
	return classify(err)
}

// UpsertRawMaterialBatch merges expiry dates into the stored batch row
func (s *GormStore) UpsertRawMaterialBatch(ctx context.Context, b models.RawMaterialBatch) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.RawMaterialBatch
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("LOWER(stock_code) = LOWER(?) AND LOWER(batch_number) = LOWER(?)", b.StockCode, b.BatchNumber).
			First(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			b.ID = 0
			b.ExpiryDates = MergeExpiryDates(nil, b.ExpiryDates...)
			return tx.Create(&b).Error
		}
		if err != nil {
			return err
		}
		existing.ExpiryDates = MergeExpiryDates(existing.ExpiryDates, b.ExpiryDates...)
		existing.UpdatedAt = time.Now().UTC()
		return tx.Save(&existing).Error
	})
	return classify(err)
}

func (s *GormStore) UpsertProductType(ctx context.Context, pt models.ProductType) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "stock_code"}},
		DoUpdates: clause.AssignmentColumns([]string{"product_type", "description", "updated_at"}),
	}).Create(&pt).Error
	return classify(err)
}

// ============ SESSIONS ============

func (s *GormStore) CreateSession(ctx context.Context, sess *models.Session) error {
	return classify(s.db.WithContext(ctx).Create(sess).Error)
}

func (s *GormStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	if err := s.db.WithContext(ctx).Preload("Devices").Where("id = ?", id).First(&sess).Error; err != nil {
		return nil, classify(err)
	}
	return &sess, nil
}

func (s *GormStore) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error {
	res := s.db.WithContext(ctx).Model(&models.Session{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) TouchDevice(ctx context.Context, d models.SessionDevice) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_name", "status", "last_seen"}),
	}).Create(&d).Error
	return classify(err)
}
