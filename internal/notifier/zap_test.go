package notifier

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"fedipay/internal/model"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewZapPublisher(t *testing.T) {
	_, err := NewZapPublisher("not-a-key", nil)
	assert.Error(t, err)

	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)

	p, err := NewZapPublisher(sk, []string{"wss://relay.damus.io"})
	require.NoError(t, err)
	assert.Equal(t, pk, p.Pubkey())
}

func TestPublishReceiptBadZapRequest(t *testing.T) {
	p, err := NewZapPublisher(nostr.GeneratePrivateKey(), nil)
	require.NoError(t, err)

	err = p.PublishReceipt(context.Background(), &model.Invoice{ZapRequest: "not json"})
	assert.Error(t, err)
}

func TestPublishReceiptUnreachableRelay(t *testing.T) {
	senderSk := nostr.GeneratePrivateKey()
	senderPk, err := nostr.GetPublicKey(senderSk)
	require.NoError(t, err)

	request := nostr.Event{
		PubKey:    senderPk,
		CreatedAt: nostr.Now(),
		Kind:      9734,
		// relays 标签指向打不通的地址
		Tags: nostr.Tags{{"relays", "ws://127.0.0.1:1"}, {"p", senderPk}},
	}
	require.NoError(t, request.Sign(senderSk))
	raw, err := json.Marshal(request)
	require.NoError(t, err)

	p, err := NewZapPublisher(nostr.GeneratePrivateKey(), []string{"ws://127.0.0.1:1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// 一个 relay 都没广播出去算失败
	err = p.PublishReceipt(ctx, &model.Invoice{
		OpID:       "op1",
		Bolt11:     "lnbc1fake",
		Preimage:   "cafebabe",
		ZapRequest: string(raw),
	})
	assert.Error(t, err)
}
