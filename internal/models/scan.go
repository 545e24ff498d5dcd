package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SessionType distinguishes finished-product counts from raw-material counts
type SessionType string

const (
	SessionTypeFP SessionType = "FP" // Finished products, 13-digit pallet labels
	SessionTypeRM SessionType = "RM" // Raw materials, free-form supplier labels
)

// Valid reports whether t is a known session type
func (t SessionType) Valid() bool {
	return t == SessionTypeFP || t == SessionTypeRM
}

// UnitType is the unit a counted quantity is expressed in
type UnitType string

const (
	UnitCases UnitType = "cases"
	UnitKg    UnitType = "kg"
	UnitUnits UnitType = "units"
)

// ScanRecord is one counted line of a stock-take session.
// Convention: Go PascalCase -> DB snake_case (GORM auto) -> JSON camelCase
type ScanRecord struct {
	ID             string          `gorm:"primaryKey;type:varchar(64)" json:"id"`
	SessionID      string          `gorm:"type:varchar(64);not null;index" json:"sessionId"`
	Timestamp      time.Time       `gorm:"not null;index" json:"timestamp"`
	RawCode        string          `json:"rawCode"`
	SessionType    SessionType     `gorm:"type:varchar(2);not null" json:"sessionType"`
	BatchNumber    string          `gorm:"index" json:"batchNumber"`
	PalletNumber   string          `json:"palletNumber,omitempty"`
	CasesOnPallet  int             `json:"casesOnPallet"`
	ActualQuantity decimal.Decimal `gorm:"type:numeric(14,2)" json:"actualQuantity"`
	StockCode      string          `gorm:"index" json:"stockCode"`
	Description    string          `json:"description"`
	UnitType       UnitType        `gorm:"type:varchar(8)" json:"unitType"`
	ExpiryDate     string          `gorm:"type:varchar(10)" json:"expiryDate,omitempty"`
	DeviceID       string          `json:"deviceId"`
	ScannedBy      string          `json:"scannedBy"`
	Location       string          `json:"location,omitempty"`
	Site           string          `json:"site,omitempty"`
	Aisle          string          `json:"aisle,omitempty"`
	Rack           string          `json:"rack,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// TableName specifies the table name for ScanRecord
func (ScanRecord) TableName() string {
	return "scans"
}

// OfflineIDPrefix marks ids generated on a device while the remote store was unreachable
const OfflineIDPrefix = "offline_"

// IsOffline reports whether the record was captured without a remote round-trip
func (s ScanRecord) IsOffline() bool {
	return strings.HasPrefix(s.ID, OfflineIDPrefix)
}
