package federation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	// ErrFederationUnreachable join 失败或 invite code 无效
	ErrFederationUnreachable = errors.New("联邦不可达或 invite code 无效")
)

// ReceiveStatus 联邦上报的收款状态
type ReceiveStatus string

const (
	ReceiveStatusCreated           ReceiveStatus = "created"
	ReceiveStatusWaitingForPayment ReceiveStatus = "waiting_for_payment"
	ReceiveStatusFunded            ReceiveStatus = "funded"
	// ReceiveStatusClaimed 终态：款项已入账，preimage 揭示
	ReceiveStatusClaimed ReceiveStatus = "claimed"
	// ReceiveStatusCanceled 终态：invoice 过期或被联邦取消
	ReceiveStatusCanceled ReceiveStatus = "canceled"
)

// ReceiveState 收款状态流里的一个事件
type ReceiveState struct {
	Status   ReceiveStatus `json:"status"`
	Preimage string        `json:"preimage,omitempty"`
	Reason   string        `json:"reason,omitempty"`
}

// Terminal 是否终态
func (s ReceiveState) Terminal() bool {
	return s.Status == ReceiveStatusClaimed || s.Status == ReceiveStatusCanceled
}

// Client 一个联邦的活连接
//
// 真实实现走联邦网关守护进程（gateway.go），测试和本地联调用 FakeClient
type Client interface {
	FederationID() string
	InviteCode() string
	// IssueInvoice 向联邦开一张收款 invoice，tweakIndex 把这笔收款打上用户标记
	IssueInvoice(ctx context.Context, amountMsat int64, description string, expirySeconds int64, tweakIndex int64) (opID string, bolt11 string, err error)
	// SubscribeReceive 订阅指定操作的状态流
	// 事件按联邦上报顺序送达；终态之后通道关闭；通道异常关闭不代表取消
	SubscribeReceive(ctx context.Context, opID string) (<-chan ReceiveState, error)
}

// Dialer 按 invite code 建立一条联邦连接（含网络 join）
type Dialer func(ctx context.Context, inviteCode string) (Client, error)

// DeriveFederationID 由 invite code 确定性推导联邦标识
func DeriveFederationID(inviteCode string) string {
	sum := sha256.Sum256([]byte(inviteCode))
	return hex.EncodeToString(sum[:])
}
