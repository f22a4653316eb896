package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"fedipay/internal/federation"
	"fedipay/internal/model"
	"fedipay/internal/notifier"
	"fedipay/internal/repository"
	"fedipay/pkg/idgen"

	decodepay "github.com/nbd-wtf/ln-decodepay"
)

var (
	// ErrFederationIssue 联邦开票失败
	ErrFederationIssue = errors.New("联邦开票失败")
)

// InvoiceStore 收款请求的持久化契约
type InvoiceStore interface {
	Create(ctx context.Context, invoice *model.Invoice) error
	GetByID(ctx context.Context, id int64) (*model.Invoice, error)
	GetByOpID(ctx context.Context, opID string) (*model.Invoice, error)
	GetPending(ctx context.Context) ([]*model.Invoice, error)
	MarkNotified(ctx context.Context, id int64) error
	SetSettled(ctx context.Context, id int64, preimage string) error
	SetCancelled(ctx context.Context, id int64) error
}

// AlertStore 投递失败告警的落库契约
type AlertStore interface {
	Create(ctx context.Context, alert *model.DeliveryAlert) error
}

// InvoiceService 收款生命周期状态机
//
// 创建 -> 订阅联邦状态流 -> 终态落库。每笔在途收款一个 watcher goroutine，
// 独占对应 op id 的状态迁移，终态事件到达后退出
type InvoiceService struct {
	invoices InvoiceStore
	users    UserStore
	alerts   AlertStore
	registry *federation.Registry
	notifier notifier.Notifier
	// zaps 可为 nil（未配置服务端 nostr 私钥时不发 zap receipt）
	zaps *notifier.ZapPublisher

	expirySeconds int64

	// invoiceExpired 判定 bolt11 是否按墙上时钟已过期，测试可替换
	invoiceExpired func(bolt11 string) bool

	// resolve 按 federation id 查连接，测试可替换以统计解析次数
	resolve func(id string) (federation.Client, bool)
}

func NewInvoiceService(
	invoices InvoiceStore,
	users UserStore,
	alerts AlertStore,
	registry *federation.Registry,
	n notifier.Notifier,
	zaps *notifier.ZapPublisher,
	expirySeconds int64,
) *InvoiceService {
	return &InvoiceService{
		invoices:       invoices,
		users:          users,
		alerts:         alerts,
		registry:       registry,
		notifier:       n,
		zaps:           zaps,
		expirySeconds:  expirySeconds,
		invoiceExpired: Bolt11Expired,
		resolve:        registry.Resolve,
	}
}

// Bolt11Expired 按创建时间 + 有效期判定 invoice 是否已过墙上时钟
// 解码失败按未过期处理，留给订阅去裁决
func Bolt11Expired(bolt11 string) bool {
	inv, err := decodepay.Decodepay(bolt11)
	if err != nil {
		return false
	}
	expiresAt := time.Unix(int64(inv.CreatedAt), 0).Add(time.Duration(inv.Expiry) * time.Second)
	return time.Now().After(expiresAt)
}

// CreateInvoice 向联邦开票并落一条 PENDING 行
func (s *InvoiceService) CreateInvoice(ctx context.Context, user *model.AppUser, client federation.Client, amountMsat int64, comment, zapRequest string) (*model.Invoice, error) {
	index, err := s.users.NextInvoiceIndex(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("获取 invoice 序号失败: %w", err)
	}

	// zap 场景下 invoice 描述必须是 zap request 原文，receipt 校验依赖它
	description := fmt.Sprintf("Pay to %s", user.Name)
	if zapRequest != "" {
		description = zapRequest
	}

	opID, bolt11, err := client.IssueInvoice(ctx, amountMsat, description, s.expirySeconds, index)
	if err != nil {
		log.Printf("[Invoice] 联邦开票失败: name=%s, amountMsat=%d, err=%v", user.Name, amountMsat, err)
		return nil, ErrFederationIssue
	}

	invoice := &model.Invoice{
		ID:                   idgen.GenerateInvoiceID(),
		AppUserID:            user.ID,
		FederationID:         client.FederationID(),
		FederationInviteCode: client.InviteCode(),
		OpID:                 opID,
		AmountMsat:           amountMsat,
		Bolt11:               bolt11,
		UserInvoiceIndex:     index,
		ZapRequest:           zapRequest,
		Comment:              comment,
		Status:               model.InvoiceStatusPending,
	}
	if err := s.invoices.Create(ctx, invoice); err != nil {
		return nil, fmt.Errorf("写入 invoice 失败: %w", err)
	}

	log.Printf("[Invoice] invoice 已创建: name=%s, opId=%s, amountMsat=%d", user.Name, opID, amountMsat)
	return invoice, nil
}

// EnsureUserFederation 解析用户当前联邦的连接，进程里还没有就按 invite code 补加
func (s *InvoiceService) EnsureUserFederation(ctx context.Context, user *model.AppUser) (federation.Client, error) {
	if client, ok := s.resolve(user.FederationID); ok {
		return client, nil
	}
	return s.registry.EnsureJoined(ctx, user.FederationInviteCode)
}

// Monitor 对一笔收款开启订阅并启动 watcher
func (s *InvoiceService) Monitor(ctx context.Context, client federation.Client, invoice *model.Invoice, user *model.AppUser) error {
	ch, err := client.SubscribeReceive(ctx, invoice.OpID)
	if err != nil {
		return fmt.Errorf("订阅收款状态失败: %w", err)
	}
	go s.watch(ctx, invoice, user, ch)
	return nil
}

// watch 消费一笔收款的状态流
//
// 结算事件：先投递到账通知，成功后才落 SETTLED（通知先于终态持久化）；
// 投递失败时行保持 PENDING 并写告警，留给下次恢复再试。
// 取消事件：落 CANCELLED。其余事件忽略。
// 流在无终态事件时关闭：行保持 PENDING，watcher 退出。
func (s *InvoiceService) watch(ctx context.Context, invoice *model.Invoice, user *model.AppUser, ch <-chan federation.ReceiveState) {
	for state := range ch {
		switch state.Status {
		case federation.ReceiveStatusCanceled:
			log.Printf("[Invoice] 收款已取消: opId=%s, reason=%s", invoice.OpID, state.Reason)
			if err := s.invoices.SetCancelled(ctx, invoice.ID); err != nil {
				log.Printf("[Invoice] 落 CANCELLED 失败: opId=%s, err=%v", invoice.OpID, err)
			}
			return

		case federation.ReceiveStatusClaimed:
			s.handleClaimed(ctx, invoice, user, state.Preimage)
			return

		default:
			// 中间状态，继续等
		}
	}
	// 流异常结束，不做隐式取消，行留在 PENDING 等下次恢复
	log.Printf("[Invoice] 状态流结束但未见终态: opId=%s", invoice.OpID)
}

func (s *InvoiceService) handleClaimed(ctx context.Context, invoice *model.Invoice, user *model.AppUser, preimage string) {
	log.Printf("[Invoice] 收款已入账: opId=%s, amountMsat=%d", invoice.OpID, invoice.AmountMsat)
	invoice.Preimage = preimage

	// notified_at 已有值说明上次崩溃发生在通知之后、落库之前，跳过重复投递
	if invoice.NotifiedAt == nil && !user.DisabledZaps {
		if err := s.notifier.SendPaymentReceived(ctx, user, invoice); err != nil {
			log.Printf("[Invoice] 到账通知投递失败: opId=%s, err=%v", invoice.OpID, err)
			s.raiseAlert(ctx, invoice, user, err)
			return
		}
		if err := s.invoices.MarkNotified(ctx, invoice.ID); err != nil {
			log.Printf("[Invoice] 记录通知时间失败: opId=%s, err=%v", invoice.OpID, err)
		}

		if s.zaps != nil && invoice.ZapRequest != "" {
			if err := s.zaps.PublishReceipt(ctx, invoice); err != nil {
				// receipt 广播尽力而为，不影响结算
				log.Printf("[Invoice] zap receipt 广播失败: opId=%s, err=%v", invoice.OpID, err)
			}
		}
	}

	if err := s.invoices.SetSettled(ctx, invoice.ID, preimage); err != nil {
		log.Printf("[Invoice] 落 SETTLED 失败: opId=%s, err=%v", invoice.OpID, err)
	}
}

func (s *InvoiceService) raiseAlert(ctx context.Context, invoice *model.Invoice, user *model.AppUser, cause error) {
	alert := &model.DeliveryAlert{
		InvoiceID: invoice.ID,
		Pubkey:    user.Pubkey,
		Reason:    cause.Error(),
		Status:    model.AlertStatusPending,
	}
	if err := s.alerts.Create(ctx, alert); err != nil {
		log.Printf("[Invoice] 写入投递告警失败: invoiceId=%d, err=%v", invoice.ID, err)
	}
}

// RecoverPending 启动恢复：把上次进程停止时还在途的收款接回来
//
// 按墙上时钟已过期的直接落 CANCELLED，不碰联邦；
// 其余按联邦分组，每个联邦只拿一次连接：注册表里有就直接用，
// 没有（进程刚重启，注册表是空的）就凭开票时记下的 invite code 重新加入。
// 加入或订阅失败的行不改状态，留给下一次恢复（按行降级，不整体失败）。
func (s *InvoiceService) RecoverPending(ctx context.Context) error {
	pending, err := s.invoices.GetPending(ctx)
	if err != nil {
		return fmt.Errorf("加载在途 invoice 失败: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	log.Printf("[Recover] 发现 %d 笔在途收款", len(pending))

	byFederation := make(map[string][]*model.Invoice)
	for _, invoice := range pending {
		if s.invoiceExpired(invoice.Bolt11) {
			if err := s.invoices.SetCancelled(ctx, invoice.ID); err != nil {
				log.Printf("[Recover] 过期 invoice 落 CANCELLED 失败: opId=%s, err=%v", invoice.OpID, err)
			} else {
				log.Printf("[Recover] 过期 invoice 已取消: opId=%s", invoice.OpID)
			}
			continue
		}
		byFederation[invoice.FederationID] = append(byFederation[invoice.FederationID], invoice)
	}

	for federationID, invoices := range byFederation {
		client, ok := s.resolve(federationID)
		if !ok {
			joined, err := s.registry.EnsureJoined(ctx, invoices[0].FederationInviteCode)
			if err != nil {
				log.Printf("[Recover] 重新加入联邦失败，跳过 %d 笔: federationId=%s, err=%v", len(invoices), federationID, err)
				continue
			}
			client = joined
		}

		for _, invoice := range invoices {
			user, err := s.users.GetByID(ctx, invoice.AppUserID)
			if err != nil {
				log.Printf("[Recover] 查用户失败: opId=%s, err=%v", invoice.OpID, err)
				continue
			}
			if err := s.Monitor(ctx, client, invoice, user); err != nil {
				log.Printf("[Recover] 重新订阅失败: opId=%s, err=%v", invoice.OpID, err)
				continue
			}
			log.Printf("[Recover] 已重新订阅: opId=%s", invoice.OpID)
		}
	}

	return nil
}

// Verify 按用户名 + op id 查询收款状态，LNURL verify 端点用
func (s *InvoiceService) Verify(ctx context.Context, user *model.AppUser, opID string) (*model.Invoice, error) {
	invoice, err := s.invoices.GetByOpID(ctx, opID)
	if err != nil {
		return nil, err
	}
	if invoice.AppUserID != user.ID {
		// 不属于该用户的操作号对外等同不存在
		return nil, repository.ErrInvoiceNotFound
	}
	return invoice, nil
}
