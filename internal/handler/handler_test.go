package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"fedipay/internal/config"
	"fedipay/internal/federation"
	"fedipay/internal/model"
	"fedipay/internal/nostrauth"
	"fedipay/internal/notifier"
	"fedipay/internal/repository"
	"fedipay/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testInvite = "fed11qgqzc2nhwden5te0vejkg6tdv9xqmr9wvhxcmmv9uqzqje8"

type testApp struct {
	router   *gin.Engine
	users    *repository.MemoryUserStore
	invoices *repository.MemoryInvoiceStore
	dialer   *federation.FakeDialer
	notifier *notifier.FakeNotifier
	cfg      *config.Config
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{
			Port:           8080,
			Domain:         "pay.example.com",
			BaseURL:        "https://pay.example.com",
			AllowedOrigins: []string{"https://app.example.com"},
		},
		Lnurl: config.LnurlConfig{
			MinSendableMsat:      1000,
			MaxSendableMsat:      100000000,
			CommentAllowed:       64,
			InvoiceExpirySeconds: 3600,
			SuccessMessage:       "Thank you!",
		},
	}

	users := repository.NewMemoryUserStore()
	invoices := repository.NewMemoryInvoiceStore()
	alerts := repository.NewMemoryAlertStore()
	dialer := federation.NewFakeDialer()
	registry := federation.NewRegistry(dialer.Dial, nil)
	n := notifier.NewFakeNotifier()

	registerService := service.NewRegisterService(users, registry)
	invoiceService := service.NewInvoiceService(
		invoices, users, alerts, registry, n, nil, cfg.Lnurl.InvoiceExpirySeconds)
	verifier := nostrauth.NewVerifier(nil)

	h := NewHandler(registerService, invoiceService, verifier, cfg, "")
	return &testApp{
		router:   SetupRouter(h, cfg),
		users:    users,
		invoices: invoices,
		dialer:   dialer,
		notifier: n,
		cfg:      cfg,
	}
}

func (a *testApp) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func (a *testApp) register(t *testing.T, name string) (string, string) {
	t.Helper()

	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)

	w := a.do(t, "POST", "/register", map[string]string{
		"name":                 name,
		"pubkey":               pk,
		"federationInviteCode": testInvite,
	}, nil)
	require.Equal(t, 200, w.Code, w.Body.String())
	return sk, pk
}

func TestRegisterAndDiscovery(t *testing.T) {
	app := newTestApp(t)
	_, pk := app.register(t, "alice")

	// NIP-05 发现
	w := app.do(t, "GET", "/.well-known/nostr.json?name=alice", nil, nil)
	require.Equal(t, 200, w.Code)
	body := decodeBody(t, w)
	names := body["names"].(map[string]interface{})
	assert.Equal(t, pk, names["alice"])

	// 未注册的名字返回空 names，不报错
	w = app.do(t, "GET", "/.well-known/nostr.json?name=nobody", nil, nil)
	require.Equal(t, 200, w.Code)
	assert.Empty(t, decodeBody(t, w)["names"])

	// LNURL-pay 发现
	w = app.do(t, "GET", "/.well-known/lnurlp/alice", nil, nil)
	require.Equal(t, 200, w.Code)
	body = decodeBody(t, w)
	assert.Equal(t, "OK", body["status"])
	assert.Equal(t, "payRequest", body["tag"])
	assert.Equal(t, "https://pay.example.com/lnurlp/alice/callback", body["callback"])
	assert.Equal(t, float64(1000), body["minSendable"])
	assert.Contains(t, body["metadata"], "alice@pay.example.com")
}

func TestRegisterValidation(t *testing.T) {
	app := newTestApp(t)

	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)

	// 非法公钥
	w := app.do(t, "POST", "/register", map[string]string{
		"pubkey": "nothex", "federationInviteCode": testInvite,
	}, nil)
	assert.Equal(t, 400, w.Code)
	assert.Equal(t, "Nostr Pubkey Invalid", decodeBody(t, w)["error"])

	// 非法 invite code
	w = app.do(t, "POST", "/register", map[string]string{
		"pubkey": pk, "federationInviteCode": "badcode",
	}, nil)
	assert.Equal(t, 400, w.Code)
	assert.Equal(t, "InvalidFederation", decodeBody(t, w)["error"])

	// 重名
	app.register(t, "alice")
	sk2 := nostr.GeneratePrivateKey()
	pk2, err := nostr.GetPublicKey(sk2)
	require.NoError(t, err)
	w = app.do(t, "POST", "/register", map[string]string{
		"name": "alice", "pubkey": pk2, "federationInviteCode": testInvite,
	}, nil)
	assert.Equal(t, 400, w.Code)
	assert.Equal(t, "Unavailable", decodeBody(t, w)["error"])
}

func TestCheckUsernameAndPubkey(t *testing.T) {
	app := newTestApp(t)
	_, pk := app.register(t, "alice")

	w := app.do(t, "GET", "/check-username/alice", nil, nil)
	require.Equal(t, 200, w.Code)
	assert.Equal(t, "false", strings.TrimSpace(w.Body.String()))

	w = app.do(t, "GET", "/check-username/bob", nil, nil)
	require.Equal(t, 200, w.Code)
	assert.Equal(t, "true", strings.TrimSpace(w.Body.String()))

	w = app.do(t, "GET", "/check-pubkey/"+pk, nil, nil)
	require.Equal(t, 200, w.Code)
	assert.Equal(t, `"alice"`, strings.TrimSpace(w.Body.String()))

	// 未绑定的公钥返回 null
	w = app.do(t, "GET", "/check-pubkey/"+strings.Repeat("ab", 32), nil, nil)
	require.Equal(t, 200, w.Code)
	assert.Equal(t, "null", strings.TrimSpace(w.Body.String()))
}

func TestLnurlCallbackFlow(t *testing.T) {
	app := newTestApp(t)
	app.register(t, "alice")

	w := app.do(t, "GET", "/lnurlp/alice/callback?amount=21000", nil, nil)
	require.Equal(t, 200, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, "OK", body["status"], w.Body.String())
	assert.NotEmpty(t, body["pr"])

	action := body["successAction"].(map[string]interface{})
	assert.Equal(t, "message", action["tag"])
	assert.Equal(t, "Thank you!", action["message"])

	// verify URL 指向本笔操作
	verifyURL := body["verify"].(string)
	require.True(t, strings.HasPrefix(verifyURL, "https://pay.example.com/lnurlp/alice/verify/"))
	opID := verifyURL[strings.LastIndex(verifyURL, "/")+1:]

	// 结算前 verify：settled=false，无 preimage
	w = app.do(t, "GET", "/lnurlp/alice/verify/"+opID, nil, nil)
	require.Equal(t, 200, w.Code)
	body = decodeBody(t, w)
	assert.Equal(t, "OK", body["status"])
	assert.Equal(t, false, body["settled"])
	assert.Nil(t, body["preimage"])

	// 联邦结算后 verify：settled=true，带 preimage
	user, err := app.users.GetByName(context.Background(), "alice")
	require.NoError(t, err)
	app.dialer.ClientFor(user.FederationID).SettlePayment(opID, "cafebabe")

	require.Eventually(t, func() bool {
		invoice, err := app.invoices.GetByOpID(context.Background(), opID)
		return err == nil && invoice.Status == model.InvoiceStatusSettled
	}, 2*time.Second, 10*time.Millisecond)

	w = app.do(t, "GET", "/lnurlp/alice/verify/"+opID, nil, nil)
	require.Equal(t, 200, w.Code)
	body = decodeBody(t, w)
	assert.Equal(t, "OK", body["status"])
	assert.Equal(t, true, body["settled"])
	assert.Equal(t, "cafebabe", body["preimage"])
	assert.Len(t, app.notifier.Calls(), 1)
}

func TestLnurlCallbackAmountValidation(t *testing.T) {
	app := newTestApp(t)
	app.register(t, "alice")

	cases := []struct {
		amount string
		reason string
	}{
		{"abc", "Invalid amount"},
		{"1000.5", "Invalid amount"},
		{"-1000", "Invalid amount"},
		{"500", "Amount out of bounds"},
		{"999999999999", "Amount out of bounds"},
	}
	for _, tc := range cases {
		w := app.do(t, "GET", "/lnurlp/alice/callback?amount="+tc.amount, nil, nil)
		require.Equal(t, 200, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "ERROR", body["status"], "amount=%s", tc.amount)
		assert.Equal(t, tc.reason, body["reason"], "amount=%s", tc.amount)
	}

	// 整数值的小数写法要放行
	w := app.do(t, "GET", "/lnurlp/alice/callback?amount=21000.0", nil, nil)
	require.Equal(t, 200, w.Code)
	assert.Equal(t, "OK", decodeBody(t, w)["status"])
}

func TestLnurlCallbackCommentTooLong(t *testing.T) {
	app := newTestApp(t)
	app.register(t, "alice")

	long := strings.Repeat("x", 65)
	w := app.do(t, "GET", "/lnurlp/alice/callback?amount=21000&comment="+long, nil, nil)
	require.Equal(t, 200, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "ERROR", body["status"])
	assert.Equal(t, "Comment too long", body["reason"])
}

func TestLnurlCallbackZapRequest(t *testing.T) {
	app := newTestApp(t)
	app.register(t, "alice")

	// 合法的签名 zap request
	senderSk := nostr.GeneratePrivateKey()
	senderPk, err := nostr.GetPublicKey(senderSk)
	require.NoError(t, err)
	zap := nostr.Event{
		PubKey:    senderPk,
		CreatedAt: nostr.Now(),
		Kind:      9734,
		Tags:      nostr.Tags{{"amount", "21000"}, {"relays", "wss://relay.damus.io"}},
	}
	require.NoError(t, zap.Sign(senderSk))
	raw, err := json.Marshal(zap)
	require.NoError(t, err)

	w := app.do(t, "GET", "/lnurlp/alice/callback?amount=21000&nostr="+url.QueryEscape(string(raw)), nil, nil)
	require.Equal(t, 200, w.Code)
	require.Equal(t, "OK", decodeBody(t, w)["status"], w.Body.String())

	// 篡改后的 zap request 拒绝
	zap.Content = "tampered"
	raw, err = json.Marshal(zap)
	require.NoError(t, err)
	w = app.do(t, "GET", "/lnurlp/alice/callback?amount=21000&nostr="+url.QueryEscape(string(raw)), nil, nil)
	require.Equal(t, 200, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "ERROR", body["status"])
	assert.Equal(t, "Invalid zap request", body["reason"])
}

func TestLnurlUnknownUser(t *testing.T) {
	app := newTestApp(t)

	for _, path := range []string{
		"/.well-known/lnurlp/nobody",
		"/lnurlp/nobody/callback?amount=21000",
		"/lnurlp/nobody/verify/someop",
	} {
		w := app.do(t, "GET", path, nil, nil)
		// LNURL 端点永远 200 信封
		require.Equal(t, 200, w.Code, path)
		body := decodeBody(t, w)
		assert.Equal(t, "ERROR", body["status"], path)
		assert.Equal(t, "Username not found", body["reason"], path)
	}
}

func TestLnurlVerifyCancelled(t *testing.T) {
	app := newTestApp(t)
	app.register(t, "alice")

	w := app.do(t, "GET", "/lnurlp/alice/callback?amount=21000", nil, nil)
	verifyURL := decodeBody(t, w)["verify"].(string)
	opID := verifyURL[strings.LastIndex(verifyURL, "/")+1:]

	user, err := app.users.GetByName(context.Background(), "alice")
	require.NoError(t, err)
	app.dialer.ClientFor(user.FederationID).CancelPayment(opID, "expired")

	require.Eventually(t, func() bool {
		invoice, err := app.invoices.GetByOpID(context.Background(), opID)
		return err == nil && invoice.Status == model.InvoiceStatusCancelled
	}, 2*time.Second, 10*time.Millisecond)

	w = app.do(t, "GET", "/lnurlp/alice/verify/"+opID, nil, nil)
	require.Equal(t, 200, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "ERROR", body["status"])
	assert.Equal(t, "invoice cancelled or expired", body["reason"])
}

func signedControlEvent(t *testing.T, sk string, kind int, content string) *nostr.Event {
	t.Helper()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	evt := &nostr.Event{
		PubKey:    pk,
		CreatedAt: nostr.Now(),
		Kind:      kind,
		Tags:      nostr.Tags{},
		Content:   content,
	}
	require.NoError(t, evt.Sign(sk))
	return evt
}

func TestCheckRegistration(t *testing.T) {
	app := newTestApp(t)
	sk, _ := app.register(t, "alice")

	evt := signedControlEvent(t, sk, nostrauth.KindCheckRegistration, "")
	w := app.do(t, "POST", "/check-registration", evt, nil)
	require.Equal(t, 200, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "alice", body["name"])
	assert.Equal(t, false, body["disabledZaps"])

	// 事件类型不对：拒绝
	wrong := signedControlEvent(t, sk, nostrauth.KindDisableZaps, "")
	w = app.do(t, "POST", "/check-registration", wrong, nil)
	assert.Equal(t, 400, w.Code)

	// 未注册公钥：404
	stranger := nostr.GeneratePrivateKey()
	evt = signedControlEvent(t, stranger, nostrauth.KindCheckRegistration, "")
	w = app.do(t, "POST", "/check-registration", evt, nil)
	assert.Equal(t, 404, w.Code)
}

func TestChangeFederation(t *testing.T) {
	app := newTestApp(t)
	sk, pk := app.register(t, "alice")

	newInvite := "fed11qgqzc2nhwden5te0vejkg6tdv9xqmr9wvhxcmmv9anot9er"
	evt := signedControlEvent(t, sk, nostrauth.KindChangeFederation, newInvite)
	w := app.do(t, "POST", "/change-federation", evt, nil)
	require.Equal(t, 200, w.Code, w.Body.String())

	user, err := app.users.GetByPubkey(context.Background(), pk)
	require.NoError(t, err)
	assert.Equal(t, federation.DeriveFederationID(newInvite), user.FederationID)

	// invite code 非法
	evt = signedControlEvent(t, sk, nostrauth.KindChangeFederation, "badcode")
	w = app.do(t, "POST", "/change-federation", evt, nil)
	assert.Equal(t, 400, w.Code)
}

func TestDisableZaps(t *testing.T) {
	app := newTestApp(t)
	sk, pk := app.register(t, "alice")

	evt := signedControlEvent(t, sk, nostrauth.KindDisableZaps, "")
	w := app.do(t, "POST", "/disable-zaps", evt, nil)
	require.Equal(t, 200, w.Code)

	user, err := app.users.GetByPubkey(context.Background(), pk)
	require.NoError(t, err)
	assert.True(t, user.DisabledZaps)
}

func TestCORS(t *testing.T) {
	app := newTestApp(t)

	// 白名单命中：回显 Origin
	w := app.do(t, "GET", "/health-check", nil, map[string]string{"Origin": "https://app.example.com"})
	assert.Equal(t, 200, w.Code)
	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))

	// 配置域名后缀命中
	w = app.do(t, "GET", "/health-check", nil, map[string]string{"Origin": "https://wallet.pay.example.com"})
	assert.Equal(t, 200, w.Code)

	// 本地回环放行
	w = app.do(t, "GET", "/health-check", nil, map[string]string{"Origin": "http://localhost:3000"})
	assert.Equal(t, 200, w.Code)

	// null origin（非浏览器客户端）放行，不回显头
	w = app.do(t, "GET", "/health-check", nil, map[string]string{"Origin": "null"})
	assert.Equal(t, 200, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))

	// 陌生来源：404
	w = app.do(t, "GET", "/health-check", nil, map[string]string{"Origin": "https://evil.example.org"})
	assert.Equal(t, 404, w.Code)

	// 预检
	w = app.do(t, "OPTIONS", "/health-check", nil, map[string]string{"Origin": "https://app.example.com"})
	assert.Equal(t, 204, w.Code)
}

func TestHealthCheck(t *testing.T) {
	app := newTestApp(t)

	w := app.do(t, "GET", "/health-check", nil, nil)
	require.Equal(t, 200, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "pass", body["status"])
	assert.Equal(t, APIVersion, body["version"])
}

func TestParseAmountMsat(t *testing.T) {
	for _, raw := range []string{"1000", "1000.0", "0"} {
		got, err := parseAmountMsat(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, fmt.Sprintf("%d", got), strings.SplitN(raw, ".", 2)[0])
	}
	// 9223372036854775808 = 2^63，浮点表示正好撞上 int64 上界
	for _, raw := range []string{"", "abc", "10.5", "-1", "1e300", "9223372036854775808", "9223372036854775807"} {
		_, err := parseAmountMsat(raw)
		assert.Error(t, err, raw)
	}
}
