package models

import (
	"time"
)

// SessionStatus is the lifecycle state of a stock-take session
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
)

// Session is one stock-take run shared by any number of devices
type Session struct {
	ID          string          `gorm:"primaryKey;type:varchar(64)" json:"id"`
	SessionType SessionType     `gorm:"type:varchar(2);not null" json:"sessionType"`
	Date        string          `gorm:"type:varchar(10);index" json:"date"`
	Status      SessionStatus   `gorm:"type:varchar(16);default:'active'" json:"status"`
	Devices     []SessionDevice `gorm:"foreignKey:SessionID" json:"devices"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

func (Session) TableName() string { return "sessions" }

// SessionDevice records a scanner participating in a session
type SessionDevice struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	SessionID string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_session_device" json:"sessionId"`
	DeviceID  string    `gorm:"not null;uniqueIndex:idx_session_device" json:"deviceId"`
	UserName  string    `json:"userName"`
	Status    string    `gorm:"type:varchar(16)" json:"status"`
	LastSeen  time.Time `json:"lastSeen"`
}

func (SessionDevice) TableName() string { return "session_devices" }

// Active reports whether the device sent a heartbeat within window of now
func (d SessionDevice) Active(now time.Time, window time.Duration) bool {
	return !d.LastSeen.IsZero() && now.Sub(d.LastSeen) <= window
}
