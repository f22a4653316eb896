package notifier

import (
	"context"
	"fmt"
	"log"
	"sync"

	"fedipay/internal/infrastructure/mq"
	"fedipay/internal/model"
)

// Notifier 到账投递通道：给指定收款人发一条带凭据的私信
//
// 投递发生在行落 SETTLED 之前；投递失败不在这里重试，
// 由 watcher 写告警记录交给运维渠道
type Notifier interface {
	SendPaymentReceived(ctx context.Context, user *model.AppUser, invoice *model.Invoice) error
}

// PaymentReceivedMessage 投递载荷
//
// 收款人拿 inviteCode + tweakIndex 去对应联邦认领这笔款
type PaymentReceivedMessage struct {
	Pubkey       string `json:"pubkey"`
	Name         string `json:"name"`
	InviteCode   string `json:"inviteCode"`
	FederationID string `json:"federationId"`
	TweakIndex   int64  `json:"tweakIndex"`
	AmountMsat   int64  `json:"amountMsat"`
	Bolt11       string `json:"bolt11"`
	Preimage     string `json:"preimage"`
	ZapRequest   string `json:"zapRequest,omitempty"`
	Body         string `json:"body"`
}

// KafkaNotifier 把到账消息发到通知总线，下游的私信网关消费后推给用户
type KafkaNotifier struct {
	topic string
}

func NewKafkaNotifier(topic string) *KafkaNotifier {
	return &KafkaNotifier{topic: topic}
}

func (n *KafkaNotifier) SendPaymentReceived(ctx context.Context, user *model.AppUser, invoice *model.Invoice) error {
	msg := PaymentReceivedMessage{
		Pubkey:       user.Pubkey,
		Name:         user.Name,
		InviteCode:   user.FederationInviteCode,
		FederationID: invoice.FederationID,
		TweakIndex:   invoice.UserInvoiceIndex,
		AmountMsat:   invoice.AmountMsat,
		Bolt11:       invoice.Bolt11,
		Preimage:     invoice.Preimage,
		ZapRequest:   invoice.ZapRequest,
		Body:         fmt.Sprintf("你收到了一笔 %d msat 的付款，打开钱包认领。", invoice.AmountMsat),
	}

	// 按收款人 pubkey 做 key，同一用户的通知落同一分区保序
	if err := mq.SendJSON(n.topic, user.Pubkey, msg); err != nil {
		return fmt.Errorf("发送到账通知失败: %w", err)
	}

	log.Printf("[Notifier] 到账通知已发送: name=%s, opId=%s, amountMsat=%d",
		user.Name, invoice.OpID, invoice.AmountMsat)
	return nil
}

// FakeNotifier 记录调用，测试断言投递次数和内容
type FakeNotifier struct {
	mu    sync.Mutex
	calls []PaymentReceivedMessage
	// Err 非 nil 时每次投递都失败
	Err error
}

func NewFakeNotifier() *FakeNotifier {
	return &FakeNotifier{}
}

func (n *FakeNotifier) SendPaymentReceived(ctx context.Context, user *model.AppUser, invoice *model.Invoice) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.Err != nil {
		return n.Err
	}
	n.calls = append(n.calls, PaymentReceivedMessage{
		Pubkey:     user.Pubkey,
		Name:       user.Name,
		TweakIndex: invoice.UserInvoiceIndex,
		AmountMsat: invoice.AmountMsat,
		Bolt11:     invoice.Bolt11,
		Preimage:   invoice.Preimage,
		ZapRequest: invoice.ZapRequest,
	})
	return nil
}

func (n *FakeNotifier) Calls() []PaymentReceivedMessage {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]PaymentReceivedMessage, len(n.calls))
	copy(out, n.calls)
	return out
}
