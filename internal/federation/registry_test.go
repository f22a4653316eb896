package federation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInvite = "fed11qgqzc2nhwden5te0vejkg6tdv9xqmr9wvhxcmmv9uqzqje8"

func TestDeriveFederationID(t *testing.T) {
	a := DeriveFederationID(testInvite)
	b := DeriveFederationID(testInvite)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, DeriveFederationID("fed1other"))
}

func TestEnsureJoinedIdempotent(t *testing.T) {
	dialer := NewFakeDialer()
	registry := NewRegistry(dialer.Dial, nil)

	first, err := registry.EnsureJoined(context.Background(), testInvite)
	require.NoError(t, err)

	second, err := registry.EnsureJoined(context.Background(), testInvite)
	require.NoError(t, err)

	// 重复加入返回同一条连接，不会发起第二次 join
	assert.Same(t, first, second)
	assert.Equal(t, 1, dialer.JoinCount())
	assert.True(t, registry.Has(DeriveFederationID(testInvite)))
}

func TestEnsureJoinedConcurrent(t *testing.T) {
	dialer := NewFakeDialer()
	registry := NewRegistry(dialer.Dial, nil)

	var wg sync.WaitGroup
	clients := make([]Client, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client, err := registry.EnsureJoined(context.Background(), testInvite)
			assert.NoError(t, err)
			clients[i] = client
		}(i)
	}
	wg.Wait()

	// 并发加入同一个 invite code 只 join 一次，所有调用拿到同一条连接
	assert.Equal(t, 1, dialer.JoinCount())
	for _, client := range clients {
		assert.Same(t, clients[0], client)
	}
}

func TestEnsureJoinedDialFailure(t *testing.T) {
	dialer := NewFakeDialer()
	dialer.JoinErr = errors.New("connection refused")
	registry := NewRegistry(dialer.Dial, nil)

	_, err := registry.EnsureJoined(context.Background(), testInvite)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFederationUnreachable)

	// 失败不留半截连接，恢复后可以重试成功
	assert.False(t, registry.Has(DeriveFederationID(testInvite)))

	dialer.JoinErr = nil
	client, err := registry.EnsureJoined(context.Background(), testInvite)
	require.NoError(t, err)
	assert.Equal(t, DeriveFederationID(testInvite), client.FederationID())
}

func TestResolveUnknownFederation(t *testing.T) {
	registry := NewRegistry(NewFakeDialer().Dial, nil)

	_, ok := registry.Resolve("deadbeef")
	assert.False(t, ok)
}
