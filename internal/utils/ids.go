package utils

import (
	"strings"

	"github.com/google/uuid"
	"github.com/xelth-com/eckstocktake/internal/models"
)

// NewScanID returns an id for a scan persisted straight to the remote store
func NewScanID() string {
	return uuid.New().String()
}

// OfflineScanID returns the device-local id of a scan whose insert under id
// did not reach the remote store. RemoteScanID reverses it.
func OfflineScanID(id string) string {
	if strings.HasPrefix(id, models.OfflineIDPrefix) {
		return id
	}
	return models.OfflineIDPrefix + id
}

// RemoteScanID maps an offline id to the id it is stored under remotely.
// The mapping is deterministic so a replayed insert collides instead of duplicating.
func RemoteScanID(id string) string {
	return strings.TrimPrefix(id, models.OfflineIDPrefix)
}
