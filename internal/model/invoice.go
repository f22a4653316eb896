package model

import (
	"time"
)

const (
	InvoiceStatusPending   = "PENDING"
	InvoiceStatusSettled   = "SETTLED"
	InvoiceStatusCancelled = "CANCELLED"
)

// ValidStatusTransitions invoice 状态机
// SETTLED / CANCELLED 是终态，没有出边
var ValidStatusTransitions = map[string][]string{
	InvoiceStatusPending: {InvoiceStatusSettled, InvoiceStatusCancelled},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// Invoice 收款请求表，只追加不删除（审计需要）
type Invoice struct {
	ID        int64 `gorm:"primaryKey" json:"id"`
	AppUserID int64 `gorm:"index;not null" json:"app_user_id"`
	// FederationID + OpID 唯一定位一笔联邦内的收款操作
	FederationID string `gorm:"type:varchar(64);uniqueIndex:uk_federation_op;not null" json:"federation_id"`
	OpID         string `gorm:"type:varchar(64);uniqueIndex:uk_federation_op;not null" json:"op_id"`
	AmountMsat   int64  `gorm:"not null" json:"amount_msat"`
	Bolt11       string `gorm:"type:text;not null" json:"bolt11"`
	// FederationInviteCode 开票时所在联邦的 invite code
	// 进程重启后注册表是空的，恢复流程凭它重新加入联邦
	FederationInviteCode string `gorm:"type:text;not null" json:"federation_invite_code"`
	// Preimage 结算后联邦揭示的秘密，结算前为空
	Preimage string `gorm:"type:varchar(64)" json:"preimage"`
	// UserInvoiceIndex 本笔收款在该用户下的 tweak 序号
	UserInvoiceIndex int64 `gorm:"not null" json:"user_invoice_index"`
	// ZapRequest 付款方附带的已签名 zap request 原文，可为空
	ZapRequest string `gorm:"type:text" json:"zap_request"`
	Comment    string `gorm:"type:varchar(255)" json:"comment"`
	Status     string `gorm:"type:varchar(20);index;not null" json:"status"`
	// NotifiedAt 到账通知成功送出的时间，先于 SETTLED 落库，防止恢复后重复通知
	NotifiedAt *time.Time `json:"notified_at"`
	CreatedAt  time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Invoice) TableName() string {
	return "invoice"
}
