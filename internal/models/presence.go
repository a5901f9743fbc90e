package models

import "time"

// UserPresence is the durable presence row backing the in-cache connection
// counters. IsOnline is denormalized from ActiveConnections so presence can
// be queried without touching the cache.
type UserPresence struct {
	UserID            uint      `gorm:"primarykey" json:"user_id"`
	IsOnline          bool      `gorm:"default:false;index" json:"is_online"`
	ActiveConnections int       `gorm:"default:0" json:"active_connections"`
	LastSeen          time.Time `json:"last_seen"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// PresenceUpdate is the outbound presence event.
type PresenceUpdate struct {
	Type     string    `json:"type"`
	UserID   uint      `json:"user_id"`
	IsOnline bool      `json:"is_online"`
	LastSeen time.Time `json:"last_seen"`
}

func NewPresenceUpdate(userID uint, online bool, lastSeen time.Time) PresenceUpdate {
	return PresenceUpdate{
		Type:     "presence_update",
		UserID:   userID,
		IsOnline: online,
		LastSeen: lastSeen,
	}
}
