package model

import (
	"time"
)

const (
	AlertStatusPending = "PENDING"
	AlertStatusSent    = "SENT"
	AlertStatusFailed  = "FAILED"
)

// DeliveryAlert 到账通知失败的告警记录
// watcher 不自动重试通知，失败事实写进这张表，由后台任务推给运维告警 topic
type DeliveryAlert struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	InvoiceID  int64     `gorm:"index;not null" json:"invoice_id"`
	Pubkey     string    `gorm:"type:varchar(64);not null" json:"pubkey"`
	Reason     string    `gorm:"type:text;not null" json:"reason"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (DeliveryAlert) TableName() string {
	return "delivery_alert"
}
