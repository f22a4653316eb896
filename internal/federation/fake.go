package federation

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// FakeClient 内存假联邦
//
// federation.mode=fake 时整个服务跑在它上面（本地联调不依赖真实联邦），
// 测试里用 SettlePayment / CancelPayment 手动驱动状态流
type FakeClient struct {
	id     string
	invite string

	mu          sync.Mutex
	issueCount  int
	subs        map[string][]chan ReceiveState
	terminal    map[string]*ReceiveState
	invoiceGen  func(opID string, amountMsat int64) string
	subscribeCt int
}

func NewFakeClient(inviteCode string) *FakeClient {
	return &FakeClient{
		id:       DeriveFederationID(inviteCode),
		invite:   inviteCode,
		subs:     make(map[string][]chan ReceiveState),
		terminal: make(map[string]*ReceiveState),
	}
}

// FakeDialer 记录 join 次数的 Dialer，注册表幂等性测试靠它
type FakeDialer struct {
	mu      sync.Mutex
	joins   int
	clients map[string]*FakeClient
	// JoinErr 非 nil 时 join 永远失败
	JoinErr error
}

func NewFakeDialer() *FakeDialer {
	return &FakeDialer{clients: make(map[string]*FakeClient)}
}

func (d *FakeDialer) Dial(ctx context.Context, inviteCode string) (Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.joins++
	if d.JoinErr != nil {
		return nil, d.JoinErr
	}
	client := NewFakeClient(inviteCode)
	d.clients[client.FederationID()] = client
	return client, nil
}

func (d *FakeDialer) JoinCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.joins
}

func (d *FakeDialer) ClientFor(federationID string) *FakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[federationID]
}

func (c *FakeClient) FederationID() string {
	return c.id
}

func (c *FakeClient) InviteCode() string {
	return c.invite
}

func (c *FakeClient) IssueInvoice(ctx context.Context, amountMsat int64, description string, expirySeconds int64, tweakIndex int64) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.issueCount++
	opID := uuid.NewString()

	bolt11 := fmt.Sprintf("lnfake1%s%d", opID[:8], amountMsat)
	if c.invoiceGen != nil {
		bolt11 = c.invoiceGen(opID, amountMsat)
	}
	return opID, bolt11, nil
}

// SetInvoiceGenerator 覆盖 bolt11 的生成（需要真实可解码 invoice 的测试用）
func (c *FakeClient) SetInvoiceGenerator(gen func(opID string, amountMsat int64) string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invoiceGen = gen
}

func (c *FakeClient) SubscribeReceive(ctx context.Context, opID string) (<-chan ReceiveState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.subscribeCt++
	ch := make(chan ReceiveState, 8)

	// 订阅时终态已发生的，直接补发并关闭（恢复场景）
	if st := c.terminal[opID]; st != nil {
		ch <- *st
		close(ch)
		return ch, nil
	}

	c.subs[opID] = append(c.subs[opID], ch)
	return ch, nil
}

// SettlePayment 模拟联邦结算事件
func (c *FakeClient) SettlePayment(opID, preimage string) {
	c.emit(opID, ReceiveState{Status: ReceiveStatusClaimed, Preimage: preimage})
}

// CancelPayment 模拟联邦取消事件
func (c *FakeClient) CancelPayment(opID, reason string) {
	c.emit(opID, ReceiveState{Status: ReceiveStatusCanceled, Reason: reason})
}

// EmitState 推一个中间状态（不关闭流）
func (c *FakeClient) EmitState(opID string, state ReceiveState) {
	c.emit(opID, state)
}

// CloseStream 不推终态直接断流，模拟订阅异常结束
func (c *FakeClient) CloseStream(opID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range c.subs[opID] {
		close(ch)
	}
	delete(c.subs, opID)
}

func (c *FakeClient) emit(opID string, state ReceiveState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state.Terminal() {
		st := state
		c.terminal[opID] = &st
	}

	for _, ch := range c.subs[opID] {
		ch <- state
		if state.Terminal() {
			close(ch)
		}
	}
	if state.Terminal() {
		delete(c.subs, opID)
	}
}

// IssueCount 已开 invoice 数
func (c *FakeClient) IssueCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.issueCount
}

// SubscribeCount 已建立的订阅数
func (c *FakeClient) SubscribeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribeCt
}
