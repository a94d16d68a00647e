package models

import (
	"time"
)

// WatchParty 表示一場觀影派對的持久化紀錄（由售票流程建立）
type WatchParty struct {
	ID         string    `gorm:"primaryKey;type:varchar(64)" json:"partyId"`
	HostUserID string    `gorm:"index;not null" json:"hostUserId"`
	MovieID    string    `gorm:"not null" json:"movieId"`
	ExpiresAt  time.Time `json:"expiresAt"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Expired 回傳派對紀錄在 now 時是否已過期；零值 ExpiresAt 代表永不過期
func (p *WatchParty) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}
