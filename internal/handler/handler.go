package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"

	"fedipay/internal/config"
	"fedipay/internal/model"
	"fedipay/internal/nostrauth"
	"fedipay/internal/repository"
	"fedipay/internal/service"
	"fedipay/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/nbd-wtf/go-nostr"
)

const APIVersion = "1.0.0"

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	registerService *service.RegisterService
	invoiceService  *service.InvoiceService
	verifier        *nostrauth.Verifier
	cfg             *config.Config
	// zapPubkey 服务端签 zap receipt 的公钥，discovery 里公布；可为空
	zapPubkey string
}

func NewHandler(
	registerService *service.RegisterService,
	invoiceService *service.InvoiceService,
	verifier *nostrauth.Verifier,
	cfg *config.Config,
	zapPubkey string,
) *Handler {
	return &Handler{
		registerService: registerService,
		invoiceService:  invoiceService,
		verifier:        verifier,
		cfg:             cfg,
		zapPubkey:       zapPubkey,
	}
}

// ============================================================
// 账户相关接口
// ============================================================

// CheckUsername 查用户名是否可注册
// GET /check-username/{name}
func (h *Handler) CheckUsername(c *gin.Context) {
	name := c.Param("username")

	available, err := h.registerService.CheckAvailable(c.Request.Context(), name)
	if err != nil {
		log.Printf("[Handler] check-username 失败: name=%s, err=%v", name, err)
		response.ServerError(c)
		return
	}
	response.JSON(c, available)
}

// CheckPubkey 查公钥已绑定的用户名，未绑定返回 null
// GET /check-pubkey/{pubkey}
func (h *Handler) CheckPubkey(c *gin.Context) {
	pubkey := c.Param("pubkey")

	user, err := h.registerService.GetByPubkey(c.Request.Context(), pubkey)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			response.JSON(c, nil)
			return
		}
		log.Printf("[Handler] check-pubkey 失败: pubkey=%s, err=%v", pubkey, err)
		response.ServerError(c)
		return
	}
	response.JSON(c, user.Name)
}

// RegisterRequest 注册请求，name 缺省时分配随机名
type RegisterRequest struct {
	Name                 string `json:"name"`
	Pubkey               string `json:"pubkey" binding:"required"`
	FederationInviteCode string `json:"federationInviteCode" binding:"required"`
}

type RegisterResponse struct {
	Name string `json:"name"`
}

// Register 注册
// POST /register
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "参数错误: "+err.Error())
		return
	}

	user, err := h.registerService.Register(c.Request.Context(), req.Pubkey, req.Name, req.FederationInviteCode)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNameUnavailable):
			response.BadRequest(c, "Unavailable")
		case errors.Is(err, service.ErrInvalidPubkey):
			response.BadRequest(c, "Nostr Pubkey Invalid")
		case errors.Is(err, service.ErrInvalidFederation):
			response.BadRequest(c, "InvalidFederation")
		default:
			log.Printf("[Handler] register 失败: err=%v", err)
			response.ServerError(c)
		}
		return
	}

	response.JSON(c, RegisterResponse{Name: user.Name})
}

// ============================================================
// 签名事件控制接口
// ============================================================

func (h *Handler) bindSignedEvent(c *gin.Context, kind int) (*nostr.Event, bool) {
	var evt nostr.Event
	if err := c.ShouldBindJSON(&evt); err != nil {
		response.BadRequest(c, "事件格式错误")
		return nil, false
	}
	if err := h.verifier.Verify(c.Request.Context(), &evt, kind); err != nil {
		response.BadRequest(c, "事件校验失败")
		return nil, false
	}
	return &evt, true
}

// CheckRegistrationResponse 注册状态
type CheckRegistrationResponse struct {
	Name         string `json:"name"`
	FederationID string `json:"federationId"`
	DisabledZaps bool   `json:"disabledZaps"`
}

// CheckRegistration 查自己的注册状态（签名事件鉴权）
// POST /check-registration
func (h *Handler) CheckRegistration(c *gin.Context) {
	evt, ok := h.bindSignedEvent(c, nostrauth.KindCheckRegistration)
	if !ok {
		return
	}

	user, err := h.registerService.GetByPubkey(c.Request.Context(), evt.PubKey)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			response.NotFound(c)
			return
		}
		log.Printf("[Handler] check-registration 失败: err=%v", err)
		response.ServerError(c)
		return
	}

	response.JSON(c, CheckRegistrationResponse{
		Name:         user.Name,
		FederationID: user.FederationID,
		DisabledZaps: user.DisabledZaps,
	})
}

// ChangeFederation 切换联邦，事件 content 是新联邦的 invite code
// POST /change-federation
func (h *Handler) ChangeFederation(c *gin.Context) {
	evt, ok := h.bindSignedEvent(c, nostrauth.KindChangeFederation)
	if !ok {
		return
	}

	user, err := h.registerService.GetByPubkey(c.Request.Context(), evt.PubKey)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			response.NotFound(c)
			return
		}
		response.ServerError(c)
		return
	}

	if err := h.registerService.ChangeFederation(c.Request.Context(), user, evt.Content); err != nil {
		if errors.Is(err, service.ErrInvalidFederation) {
			response.BadRequest(c, "InvalidFederation")
			return
		}
		log.Printf("[Handler] change-federation 失败: name=%s, err=%v", user.Name, err)
		response.ServerError(c)
		return
	}

	c.Status(200)
}

// DisableZaps 关闭到账通知
// POST /disable-zaps
func (h *Handler) DisableZaps(c *gin.Context) {
	evt, ok := h.bindSignedEvent(c, nostrauth.KindDisableZaps)
	if !ok {
		return
	}

	user, err := h.registerService.GetByPubkey(c.Request.Context(), evt.PubKey)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			response.NotFound(c)
			return
		}
		response.ServerError(c)
		return
	}

	if err := h.registerService.SetZapsDisabled(c.Request.Context(), user, true); err != nil {
		log.Printf("[Handler] disable-zaps 失败: name=%s, err=%v", user.Name, err)
		response.ServerError(c)
		return
	}

	c.Status(200)
}

// ============================================================
// NIP-05 / LNURL 协议接口
// ============================================================

// Nip05Response NIP-05 发现响应
type Nip05Response struct {
	Names map[string]string `json:"names"`
}

// WellKnownNip05 用户名 -> 公钥 发现
// GET /.well-known/nostr.json?name=
func (h *Handler) WellKnownNip05(c *gin.Context) {
	name := c.Query("name")
	names := make(map[string]string)

	if name != "" {
		user, err := h.registerService.GetByName(c.Request.Context(), name)
		if err == nil {
			names[user.Name] = user.Pubkey
		} else if !errors.Is(err, repository.ErrUserNotFound) {
			log.Printf("[Handler] nip05 查询失败: name=%s, err=%v", name, err)
			response.ServerError(c)
			return
		}
	}

	response.JSON(c, Nip05Response{Names: names})
}

// LnurlWellKnownResponse LNURL-pay discovery 元数据
type LnurlWellKnownResponse struct {
	Callback       string `json:"callback"`
	MaxSendable    int64  `json:"maxSendable"`
	MinSendable    int64  `json:"minSendable"`
	Metadata       string `json:"metadata"`
	CommentAllowed int    `json:"commentAllowed,omitempty"`
	Tag            string `json:"tag"`
	Status         string `json:"status"`
	NostrPubkey    string `json:"nostrPubkey,omitempty"`
	AllowsNostr    bool   `json:"allowsNostr"`
}

func (h *Handler) lnurlMetadata(name string) string {
	identifier := fmt.Sprintf("%s@%s", name, h.cfg.Server.Domain)
	metadata := [][]string{
		{"text/identifier", identifier},
		{"text/plain", fmt.Sprintf("Sats for %s", name)},
	}
	data, _ := json.Marshal(metadata)
	return string(data)
}

// WellKnownLnurlp LNURL-pay discovery
// GET /.well-known/lnurlp/{username}
func (h *Handler) WellKnownLnurlp(c *gin.Context) {
	username := c.Param("username")

	_, err := h.registerService.GetByName(c.Request.Context(), username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			response.LnurlFail(c, "Username not found")
			return
		}
		log.Printf("[Handler] lnurlp discovery 失败: name=%s, err=%v", username, err)
		response.LnurlFail(c, "Internal error")
		return
	}

	response.Lnurl(c, LnurlWellKnownResponse{
		Callback:       fmt.Sprintf("%s/lnurlp/%s/callback", h.cfg.Server.BaseURL, username),
		MaxSendable:    h.cfg.Lnurl.MaxSendableMsat,
		MinSendable:    h.cfg.Lnurl.MinSendableMsat,
		Metadata:       h.lnurlMetadata(username),
		CommentAllowed: h.cfg.Lnurl.CommentAllowed,
		Tag:            "payRequest",
		Status:         response.LnurlStatusOK,
		NostrPubkey:    h.zapPubkey,
		AllowsNostr:    h.zapPubkey != "",
	})
}

// parseAmountMsat 回调的 amount 参数
//
// 客户端既会发 "1000" 也会发 "1000.0"，统一按浮点解析，
// 但必须是整数 msat，否则拒绝
func parseAmountMsat(raw string) (int64, error) {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("amount 不是数字")
	}
	// float64(MaxInt64) 取整到 2^63，>= 才能把 2^63 本身也挡在 int64 转换之外
	if f != math.Trunc(f) || f < 0 || f >= float64(math.MaxInt64) {
		return 0, fmt.Errorf("amount 不是合法的 msat 整数")
	}
	return int64(f), nil
}

type lnurlSuccessAction struct {
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// LnurlCallbackResponse 回调响应
type LnurlCallbackResponse struct {
	Status        string              `json:"status"`
	Pr            string              `json:"pr"`
	Verify        string              `json:"verify"`
	SuccessAction *lnurlSuccessAction `json:"successAction,omitempty"`
}

// LnurlCallback 开票回调
// GET /lnurlp/{username}/callback?amount=&comment=&nostr=
func (h *Handler) LnurlCallback(c *gin.Context) {
	username := c.Param("username")
	ctx := c.Request.Context()

	user, err := h.registerService.GetByName(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			response.LnurlFail(c, "Username not found")
			return
		}
		log.Printf("[Handler] callback 查用户失败: name=%s, err=%v", username, err)
		response.LnurlFail(c, "Internal error")
		return
	}

	amountMsat, err := parseAmountMsat(c.Query("amount"))
	if err != nil {
		response.LnurlFail(c, "Invalid amount")
		return
	}
	if amountMsat < h.cfg.Lnurl.MinSendableMsat || amountMsat > h.cfg.Lnurl.MaxSendableMsat {
		response.LnurlFail(c, "Amount out of bounds")
		return
	}

	comment := c.Query("comment")
	if len(comment) > h.cfg.Lnurl.CommentAllowed {
		response.LnurlFail(c, "Comment too long")
		return
	}

	// nostr 参数是付款方签名的 zap request，签名不过直接拒绝
	zapRequest := c.Query("nostr")
	if zapRequest != "" {
		var zapEvent nostr.Event
		if err := json.Unmarshal([]byte(zapRequest), &zapEvent); err != nil {
			response.LnurlFail(c, "Invalid zap request")
			return
		}
		if ok, err := zapEvent.CheckSignature(); err != nil || !ok || zapEvent.Kind != 9734 {
			response.LnurlFail(c, "Invalid zap request")
			return
		}
	}

	client, err := h.invoiceService.EnsureUserFederation(ctx, user)
	if err != nil {
		log.Printf("[Handler] callback 解析联邦失败: name=%s, err=%v", username, err)
		response.LnurlFail(c, "Federation unavailable")
		return
	}

	invoice, err := h.invoiceService.CreateInvoice(ctx, user, client, amountMsat, comment, zapRequest)
	if err != nil {
		log.Printf("[Handler] callback 开票失败: name=%s, err=%v", username, err)
		response.LnurlFail(c, "Failed to create invoice")
		return
	}

	// watcher 生命周期跟进程走，不能挂在请求上下文上
	if err := h.invoiceService.Monitor(context.Background(), client, invoice, user); err != nil {
		log.Printf("[Handler] callback 开启订阅失败: opId=%s, err=%v", invoice.OpID, err)
		// invoice 已落库，订阅失败留给恢复流程补救，不影响付款方拿 pr
	}

	resp := LnurlCallbackResponse{
		Status: response.LnurlStatusOK,
		Pr:     invoice.Bolt11,
		Verify: fmt.Sprintf("%s/lnurlp/%s/verify/%s", h.cfg.Server.BaseURL, username, invoice.OpID),
	}
	if h.cfg.Lnurl.SuccessMessage != "" {
		resp.SuccessAction = &lnurlSuccessAction{Tag: "message", Message: h.cfg.Lnurl.SuccessMessage}
	}
	response.Lnurl(c, resp)
}

// LnurlVerifyResponse verify 端点响应
type LnurlVerifyResponse struct {
	Status   string  `json:"status"`
	Settled  bool    `json:"settled"`
	Preimage *string `json:"preimage"`
	Pr       string  `json:"pr"`
	Reason   string  `json:"reason,omitempty"`
}

// LnurlVerify 查询一笔收款的结算状态
// GET /lnurlp/{username}/verify/{operationId}
func (h *Handler) LnurlVerify(c *gin.Context) {
	username := c.Param("username")
	opID := c.Param("operationId")

	user, err := h.registerService.GetByName(c.Request.Context(), username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			response.LnurlFail(c, "Username not found")
			return
		}
		response.LnurlFail(c, "Internal error")
		return
	}

	invoice, err := h.invoiceService.Verify(c.Request.Context(), user, opID)
	if err != nil {
		if errors.Is(err, repository.ErrInvoiceNotFound) {
			response.LnurlFail(c, "Operation not found")
			return
		}
		log.Printf("[Handler] verify 失败: opId=%s, err=%v", opID, err)
		response.LnurlFail(c, "Internal error")
		return
	}

	resp := LnurlVerifyResponse{
		Status:  response.LnurlStatusOK,
		Settled: invoice.Status == model.InvoiceStatusSettled,
		Pr:      invoice.Bolt11,
	}
	switch invoice.Status {
	case model.InvoiceStatusSettled:
		preimage := invoice.Preimage
		resp.Preimage = &preimage
	case model.InvoiceStatusCancelled:
		resp.Status = response.LnurlStatusError
		resp.Reason = "invoice cancelled or expired"
	}
	response.Lnurl(c, resp)
}

// HealthResponse 健康检查
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// HealthCheck 健康检查，不探活下游
// GET /health-check
func (h *Handler) HealthCheck(c *gin.Context) {
	response.JSON(c, HealthResponse{
		Status:  "pass",
		Version: APIVersion,
	})
}
