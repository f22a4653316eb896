package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"fedipay/internal/model"

	"github.com/nbd-wtf/go-nostr"
)

// ZapPublisher 结算后签发 zap receipt（kind 9735）并广播到 relay
//
// 付款方在回调里附带了签名 zap request 时才会触发。
// 广播是尽力而为：失败只记日志，不影响结算流程。
type ZapPublisher struct {
	secretKey string
	pubkey    string
	relays    []string
}

func NewZapPublisher(secretKey string, defaultRelays []string) (*ZapPublisher, error) {
	pubkey, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("服务端 nostr 私钥无效: %w", err)
	}
	return &ZapPublisher{
		secretKey: secretKey,
		pubkey:    pubkey,
		relays:    defaultRelays,
	}, nil
}

// Pubkey 服务端签 receipt 用的公钥，discovery 元数据里对外公布
func (p *ZapPublisher) Pubkey() string {
	return p.pubkey
}

// PublishReceipt 构造并广播 zap receipt
func (p *ZapPublisher) PublishReceipt(ctx context.Context, invoice *model.Invoice) error {
	var request nostr.Event
	if err := json.Unmarshal([]byte(invoice.ZapRequest), &request); err != nil {
		return fmt.Errorf("zap request 解析失败: %w", err)
	}

	receipt := nostr.Event{
		Kind:      9735,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Tags: nostr.Tags{
			{"bolt11", invoice.Bolt11},
			{"description", invoice.ZapRequest},
			{"preimage", invoice.Preimage},
		},
	}

	// 收款人和关联事件从 zap request 的标签里抄过来
	if tag := request.Tags.GetFirst([]string{"p"}); tag != nil {
		receipt.Tags = append(receipt.Tags, *tag)
	}
	if tag := request.Tags.GetFirst([]string{"e"}); tag != nil {
		receipt.Tags = append(receipt.Tags, *tag)
	}

	if err := receipt.Sign(p.secretKey); err != nil {
		return fmt.Errorf("签名 zap receipt 失败: %w", err)
	}

	relays := p.relays
	if tag := request.Tags.GetFirst([]string{"relays"}); tag != nil && len(*tag) > 1 {
		relays = (*tag)[1:]
	}

	published := 0
	for _, url := range relays {
		relay, err := nostr.RelayConnect(ctx, url)
		if err != nil {
			log.Printf("[Zap] 连接 relay 失败: relay=%s, err=%v", url, err)
			continue
		}
		status, err := relay.Publish(ctx, receipt)
		if err != nil || status == nostr.PublishStatusFailed {
			log.Printf("[Zap] 广播 zap receipt 失败: relay=%s, status=%v, err=%v", url, status, err)
		} else {
			published++
		}
		relay.Close()
	}

	if published == 0 {
		return fmt.Errorf("zap receipt 未能广播到任何 relay")
	}
	log.Printf("[Zap] zap receipt 已广播: opId=%s, relays=%d", invoice.OpID, published)
	return nil
}
