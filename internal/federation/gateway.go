package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// GatewayClient 通过联邦网关守护进程访问一个联邦
//
// 网关暴露 REST 接口：join、开 invoice、长轮询等待收款状态变化。
// 一个 GatewayClient 对应一个已 join 的联邦。
type GatewayClient struct {
	baseURL      string
	apiKey       string
	federationID string
	inviteCode   string
	httpClient   *http.Client
}

// DialGateway 返回一个走指定网关的 Dialer
func DialGateway(baseURL, apiKey string) Dialer {
	baseURL = strings.TrimSuffix(baseURL, "/")
	return func(ctx context.Context, inviteCode string) (Client, error) {
		c := &GatewayClient{
			baseURL:      baseURL,
			apiKey:       apiKey,
			federationID: DeriveFederationID(inviteCode),
			inviteCode:   inviteCode,
			httpClient: &http.Client{
				// await 接口是长轮询，超时要放宽
				Timeout: 2 * time.Minute,
			},
		}
		if err := c.join(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

func (c *GatewayClient) FederationID() string {
	return c.federationID
}

func (c *GatewayClient) InviteCode() string {
	return c.inviteCode
}

func (c *GatewayClient) doRequest(ctx context.Context, path string, body interface{}, out interface{}) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("网关返回 %d: %s", resp.StatusCode, string(data))
	}

	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

func (c *GatewayClient) join(ctx context.Context) error {
	req := map[string]string{"inviteCode": c.inviteCode}
	return c.doRequest(ctx, "/admin/join", req, nil)
}

type issueInvoiceRequest struct {
	FederationID  string `json:"federationId"`
	AmountMsat    int64  `json:"amountMsat"`
	Description   string `json:"description"`
	ExpirySeconds int64  `json:"expiryTime"`
	TweakIndex    int64  `json:"tweakIndex"`
}

type issueInvoiceResponse struct {
	OperationID string `json:"operationId"`
	Invoice     string `json:"invoice"`
}

func (c *GatewayClient) IssueInvoice(ctx context.Context, amountMsat int64, description string, expirySeconds int64, tweakIndex int64) (string, string, error) {
	req := issueInvoiceRequest{
		FederationID:  c.federationID,
		AmountMsat:    amountMsat,
		Description:   description,
		ExpirySeconds: expirySeconds,
		TweakIndex:    tweakIndex,
	}

	var resp issueInvoiceResponse
	if err := c.doRequest(ctx, "/ln/invoice", req, &resp); err != nil {
		return "", "", err
	}
	return resp.OperationID, resp.Invoice, nil
}

type awaitInvoiceRequest struct {
	FederationID string `json:"federationId"`
	OperationID  string `json:"operationId"`
}

// SubscribeReceive 长轮询网关的 await 接口，把状态变化转成事件流
//
// 终态送达后关闭通道；轮询出错也关闭通道（不推终态事件），
// 订阅方把这种情况当作流异常结束处理
func (c *GatewayClient) SubscribeReceive(ctx context.Context, opID string) (<-chan ReceiveState, error) {
	ch := make(chan ReceiveState, 8)

	go func() {
		defer close(ch)

		var last ReceiveStatus
		for {
			var state ReceiveState
			err := c.doRequest(ctx, "/ln/await-invoice", awaitInvoiceRequest{
				FederationID: c.federationID,
				OperationID:  opID,
			}, &state)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("[Federation] 轮询收款状态失败: opId=%s, err=%v", opID, err)
				return
			}

			if state.Status != last {
				last = state.Status
				select {
				case ch <- state:
				case <-ctx.Done():
					return
				}
			}

			if state.Terminal() {
				return
			}

			// 状态未变时网关会在服务端挂住请求，这里的间隔只是兜底
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}
