package model

import (
	"time"
)

// AppUser 注册用户表
// 一行代表一个 name <-> nostr pubkey 的绑定，以及该用户当前选择的联邦
type AppUser struct {
	ID     int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Pubkey string `gorm:"type:varchar(64);uniqueIndex;not null" json:"pubkey"`
	Name   string `gorm:"type:varchar(30);uniqueIndex;not null" json:"name"`
	// FederationID 当前选择的联邦（由 invite code 推导）
	FederationID         string `gorm:"type:varchar(64);index;not null" json:"federation_id"`
	FederationInviteCode string `gorm:"type:text;not null" json:"federation_invite_code"`
	// DisabledZaps 用户关闭到账通知后为 true
	DisabledZaps bool `gorm:"not null;default:false" json:"disabled_zaps"`
	// InvoiceIndex 单调递增的 invoice 序号，用于给收款打用户标记（tweak）
	InvoiceIndex int64     `gorm:"not null;default:0" json:"invoice_index"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (AppUser) TableName() string {
	return "app_user"
}
