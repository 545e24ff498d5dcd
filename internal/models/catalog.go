package models

import (
	"time"

	"gorm.io/datatypes"
)

// Product maps a finished-product batch (always 5 digits) to its stock code
type Product struct {
	BatchNumber string    `gorm:"primaryKey;type:varchar(5)" json:"batchNumber"`
	StockCode   string    `gorm:"index" json:"stockCode"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (Product) TableName() string { return "products" }

// RawMaterial is a raw-material stock code with its known batches
type RawMaterial struct {
	StockCode   string             `gorm:"primaryKey" json:"stockCode"`
	Description string             `json:"description"`
	Batches     []RawMaterialBatch `gorm:"foreignKey:StockCode;references:StockCode" json:"batches,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

func (RawMaterial) TableName() string { return "raw_materials" }

// RawMaterialBatch holds the expiry dates seen for one batch of a raw material.
// Dates are ISO (YYYY-MM-DD).
type RawMaterialBatch struct {
	ID          uint                        `gorm:"primaryKey" json:"id"`
	StockCode   string                      `gorm:"not null;uniqueIndex:idx_rm_batch" json:"stockCode"`
	BatchNumber string                      `gorm:"not null;uniqueIndex:idx_rm_batch" json:"batchNumber"`
	ExpiryDates datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"expiryDates"`
	UpdatedAt   time.Time                   `json:"updatedAt"`
}

func (RawMaterialBatch) TableName() string { return "raw_material_batches" }

// Product types that drive the unit a raw material is counted in
const (
	ProductTypeIngredient    = "Ingredient"
	ProductTypeNonIngredient = "Non-Ingredient"
)

// ProductType classifies a stock code
type ProductType struct {
	StockCode   string    `gorm:"primaryKey" json:"stockCode"`
	ProductType string    `gorm:"type:varchar(32)" json:"productType"`
	Description string    `json:"description"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (ProductType) TableName() string { return "product_types" }

// UnitType returns kg for ingredients and units for everything else
func (p ProductType) UnitType() UnitType {
	if p.ProductType == ProductTypeIngredient {
		return UnitKg
	}
	return UnitUnits
}
