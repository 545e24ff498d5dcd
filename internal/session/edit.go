package session

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/xelth-com/eckstocktake/internal/models"
	"github.com/xelth-com/eckstocktake/internal/scanner"
)

var fpBatchPattern = regexp.MustCompile(`^\d{1,5}$`)

// EditInput changes a saved scan. Empty fields are left as they are.
type EditInput struct {
	Quantity    string `json:"quantity,omitempty"`
	BatchNumber string `json:"batchNumber,omitempty"`
	ExpiryDate  string `json:"expiryDate,omitempty"`
}

// EditScan corrects the quantity, batch or expiry of a saved scan. It
// reports whether the change only reached the offline queue.
func (c *Controller) EditScan(ctx context.Context, id string, in EditInput) (models.ScanRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.deps.Book.Find(ctx, c.sessionID, id)
	if err != nil {
		return models.ScanRecord{}, false, err
	}

	changed := false
	if q := strings.TrimSpace(in.Quantity); q != "" {
		unit := rec.UnitType
		if unit == "" {
			unit = models.UnitCases
		}
		qty, err := scanner.ParseQuantity(q, unit)
		if err != nil {
			return rec, false, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		rec.ActualQuantity = qty
		changed = true
	}
	if b := strings.TrimSpace(in.BatchNumber); b != "" {
		if rec.SessionType == models.SessionTypeFP {
			if !fpBatchPattern.MatchString(b) {
				return rec, false, fmt.Errorf("%w: batch numbers are 1 to 5 digits", ErrInvalidInput)
			}
			b = scanner.PadFPBatch(b)
		}
		rec.BatchNumber = b
		changed = true
	}
	if e := strings.TrimSpace(in.ExpiryDate); e != "" {
		iso, ok := scanner.NormalizeDate(e)
		if !ok {
			return rec, false, fmt.Errorf("%w: %q is not a date", ErrInvalidInput, e)
		}
		rec.ExpiryDate = iso
		changed = true
	}
	if !changed {
		return rec, false, fmt.Errorf("%w: nothing to change", ErrInvalidInput)
	}

	queued, err := c.deps.Book.Update(ctx, &rec)
	if err != nil {
		return rec, false, err
	}
	return rec, queued, nil
}

// DeleteScan removes a saved scan, including one still waiting in the offline queue
func (c *Controller) DeleteScan(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.deps.Book.Find(ctx, c.sessionID, id)
	if err != nil {
		return false, err
	}
	return c.deps.Book.Delete(ctx, rec)
}
