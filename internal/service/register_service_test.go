package service

import (
	"context"
	"strings"
	"testing"

	"fedipay/internal/federation"
	"fedipay/internal/repository"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInvite = "fed11qgqzc2nhwden5te0vejkg6tdv9xqmr9wvhxcmmv9uqzqje8"

func newTestRegisterService() (*RegisterService, *repository.MemoryUserStore, *federation.FakeDialer) {
	users := repository.NewMemoryUserStore()
	dialer := federation.NewFakeDialer()
	registry := federation.NewRegistry(dialer.Dial, nil)
	return NewRegisterService(users, registry), users, dialer
}

func testPubkey(t *testing.T) string {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	return pk
}

func TestIsValidName(t *testing.T) {
	valid := []string{"ab", "good_name", "good.name", "good-name", "goodname1", strings.Repeat("a", 30)}
	for _, name := range valid {
		assert.True(t, IsValidName(name), "name=%s", name)
	}

	invalid := []string{"", "a", strings.Repeat("a", 31), "BadName", "bad name", "名前", "bad@name", "bad/name"}
	for _, name := range invalid {
		assert.False(t, IsValidName(name), "name=%s", name)
	}
}

func TestCheckAvailable(t *testing.T) {
	svc, _, _ := newTestRegisterService()
	ctx := context.Background()

	available, err := svc.CheckAvailable(ctx, "satoshi")
	require.NoError(t, err)
	assert.True(t, available)

	// 非法名直接不可用，不打存储
	available, err = svc.CheckAvailable(ctx, "X")
	require.NoError(t, err)
	assert.False(t, available)

	_, err = svc.Register(ctx, testPubkey(t), "satoshi", testInvite)
	require.NoError(t, err)

	available, err = svc.CheckAvailable(ctx, "satoshi")
	require.NoError(t, err)
	assert.False(t, available)
}

func TestRegister(t *testing.T) {
	svc, users, dialer := newTestRegisterService()
	ctx := context.Background()
	pubkey := testPubkey(t)

	user, err := svc.Register(ctx, pubkey, "satoshi", testInvite)
	require.NoError(t, err)
	assert.Equal(t, "satoshi", user.Name)
	assert.Equal(t, pubkey, user.Pubkey)
	assert.Equal(t, federation.DeriveFederationID(testInvite), user.FederationID)
	assert.Equal(t, testInvite, user.FederationInviteCode)
	assert.Equal(t, 1, dialer.JoinCount())

	stored, err := users.GetByPubkey(ctx, pubkey)
	require.NoError(t, err)
	assert.Equal(t, user.ID, stored.ID)
}

func TestRegisterInvalidPubkey(t *testing.T) {
	svc, _, _ := newTestRegisterService()

	_, err := svc.Register(context.Background(), "not-a-pubkey", "satoshi", testInvite)
	assert.ErrorIs(t, err, ErrInvalidPubkey)
}

func TestRegisterNameTaken(t *testing.T) {
	svc, _, _ := newTestRegisterService()
	ctx := context.Background()

	_, err := svc.Register(ctx, testPubkey(t), "satoshi", testInvite)
	require.NoError(t, err)

	_, err = svc.Register(ctx, testPubkey(t), "satoshi", testInvite)
	assert.ErrorIs(t, err, ErrNameUnavailable)
}

func TestRegisterInvalidName(t *testing.T) {
	svc, _, _ := newTestRegisterService()

	_, err := svc.Register(context.Background(), testPubkey(t), "BAD NAME", testInvite)
	assert.ErrorIs(t, err, ErrNameUnavailable)
}

func TestRegisterBadInviteCode(t *testing.T) {
	svc, _, _ := newTestRegisterService()
	ctx := context.Background()

	// 非 fed1 前缀
	_, err := svc.Register(ctx, testPubkey(t), "satoshi", "lnurl1notafed")
	assert.ErrorIs(t, err, ErrInvalidFederation)

	// 前缀对但长度不够
	_, err = svc.Register(ctx, testPubkey(t), "satoshi", "fed1short")
	assert.ErrorIs(t, err, ErrInvalidFederation)
}

func TestRegisterFederationUnreachable(t *testing.T) {
	users := repository.NewMemoryUserStore()
	dialer := federation.NewFakeDialer()
	dialer.JoinErr = assert.AnError
	svc := NewRegisterService(users, federation.NewRegistry(dialer.Dial, nil))

	pubkey := testPubkey(t)
	_, err := svc.Register(context.Background(), pubkey, "satoshi", testInvite)
	assert.ErrorIs(t, err, ErrInvalidFederation)

	// 联邦不可达时不落账户
	_, err = users.GetByPubkey(context.Background(), pubkey)
	assert.ErrorIs(t, err, repository.ErrUserNotFound)
}

func TestRegisterRandomName(t *testing.T) {
	svc, _, _ := newTestRegisterService()
	ctx := context.Background()

	first, err := svc.Register(ctx, testPubkey(t), "", testInvite)
	require.NoError(t, err)
	assert.True(t, IsValidName(first.Name), "name=%s", first.Name)

	second, err := svc.Register(ctx, testPubkey(t), "", testInvite)
	require.NoError(t, err)
	assert.NotEqual(t, first.Name, second.Name)
}

func TestChangeFederation(t *testing.T) {
	svc, users, dialer := newTestRegisterService()
	ctx := context.Background()

	user, err := svc.Register(ctx, testPubkey(t), "satoshi", testInvite)
	require.NoError(t, err)

	newInvite := "fed11qgqzc2nhwden5te0vejkg6tdv9xqmr9wvhxcmmv9anot9er"
	require.NoError(t, svc.ChangeFederation(ctx, user, newInvite))

	updated, err := users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, federation.DeriveFederationID(newInvite), updated.FederationID)
	assert.Equal(t, newInvite, updated.FederationInviteCode)
	assert.Equal(t, 2, dialer.JoinCount())
}

func TestSetZapsDisabled(t *testing.T) {
	svc, users, _ := newTestRegisterService()
	ctx := context.Background()

	user, err := svc.Register(ctx, testPubkey(t), "satoshi", testInvite)
	require.NoError(t, err)
	assert.False(t, user.DisabledZaps)

	require.NoError(t, svc.SetZapsDisabled(ctx, user, true))

	updated, err := users.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, updated.DisabledZaps)
}
