package nostrauth

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedEvent(t *testing.T, kind int, createdAt time.Time) *nostr.Event {
	t.Helper()

	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)

	evt := &nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Timestamp(createdAt.Unix()),
		Kind:      kind,
		Tags:      nostr.Tags{},
		Content:   "",
	}
	require.NoError(t, evt.Sign(sk))
	return evt
}

func TestVerifyValidEvent(t *testing.T) {
	v := NewVerifier(nil)
	evt := signedEvent(t, KindCheckRegistration, time.Now())

	assert.NoError(t, v.Verify(context.Background(), evt, KindCheckRegistration))
}

func TestVerifyWrongKind(t *testing.T) {
	v := NewVerifier(nil)
	evt := signedEvent(t, KindCheckRegistration, time.Now())

	// 给 A 端点签的事件不能挪到 B 端点用
	assert.ErrorIs(t, v.Verify(context.Background(), evt, KindChangeFederation), ErrBadEvent)
}

func TestVerifyTamperedEvent(t *testing.T) {
	v := NewVerifier(nil)
	evt := signedEvent(t, KindDisableZaps, time.Now())
	evt.Content = "tampered"

	assert.ErrorIs(t, v.Verify(context.Background(), evt, KindDisableZaps), ErrBadEvent)
}

func TestVerifyTimestampWindow(t *testing.T) {
	v := NewVerifier(nil)
	ctx := context.Background()

	// 签名合法但时间出窗的事件同样拒绝
	stale := signedEvent(t, KindCheckRegistration, time.Now().Add(-10*time.Minute))
	assert.ErrorIs(t, v.Verify(ctx, stale, KindCheckRegistration), ErrBadEvent)

	future := signedEvent(t, KindCheckRegistration, time.Now().Add(10*time.Minute))
	assert.ErrorIs(t, v.Verify(ctx, future, KindCheckRegistration), ErrBadEvent)

	// 窗内的偏差放行
	skewed := signedEvent(t, KindCheckRegistration, time.Now().Add(-time.Minute))
	assert.NoError(t, v.Verify(ctx, skewed, KindCheckRegistration))
}
