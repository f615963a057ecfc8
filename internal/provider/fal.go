package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const maxResponseBytes = 8 << 20

type FalOptions struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	PollInterval   time.Duration
	Clock          Clock
	HTTPClient     *http.Client
}

// FalClient 对接 fal 风格的队列 API：
// POST {base}/{model}、GET {base}/{app}/requests/{id}/status、GET {base}/{app}/requests/{id}、PUT .../cancel。
type FalClient struct {
	baseURL        string
	apiKey         string
	requestTimeout time.Duration
	pollInterval   time.Duration
	clock          Clock
	client         *http.Client
}

var _ Gateway = (*FalClient)(nil)

func NewFalClient(opts FalOptions) *FalClient {
	client := opts.HTTPClient
	if client == nil {
		transport := &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
		client = &http.Client{Transport: transport}
	}
	clock := opts.Clock
	if clock == nil {
		clock = RealClock()
	}
	return &FalClient{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		apiKey:         opts.APIKey,
		requestTimeout: opts.RequestTimeout,
		pollInterval:   opts.PollInterval,
		clock:          clock,
		client:         client,
	}
}

func (c *FalClient) SubmitToQueue(ctx context.Context, model string, input []byte, webhookURL string) (string, error) {
	u := c.baseURL + "/" + strings.Trim(model, "/")
	if webhookURL != "" {
		u += "?fal_webhook=" + url.QueryEscape(webhookURL)
	}
	body, status, err := c.do(ctx, http.MethodPost, u, input)
	if err != nil {
		return "", &Error{Op: "submit", Message: err.Error()}
	}
	if status < 200 || status >= 300 {
		return "", &Error{Op: "submit", StatusCode: status, Message: errorMessage(body)}
	}
	requestID := strings.TrimSpace(gjson.GetBytes(body, "request_id").String())
	if requestID == "" {
		return "", &Error{Op: "submit", StatusCode: status, Message: "响应缺少 request_id"}
	}
	return requestID, nil
}

func (c *FalClient) GetStatus(ctx context.Context, model string, requestID string) (StatusInfo, error) {
	body, status, err := c.do(ctx, http.MethodGet, c.requestURL(model, requestID)+"/status", nil)
	if err != nil {
		return StatusInfo{}, &Error{Op: "status", Message: err.Error()}
	}
	if status < 200 || status >= 300 {
		return StatusInfo{}, &Error{Op: "status", StatusCode: status, Message: errorMessage(body)}
	}
	doc := gjson.ParseBytes(body)
	info := StatusInfo{}
	switch strings.ToUpper(doc.Get("status").String()) {
	case "IN_QUEUE":
		info.Status = StatusQueued
		if p := doc.Get("queue_position"); p.Exists() {
			n := int(p.Int())
			info.QueuePosition = &n
		}
	case "IN_PROGRESS":
		info.Status = StatusInProgress
	case "COMPLETED":
		info.Status = StatusCompleted
		if e := doc.Get("error"); e.Exists() && e.String() != "" {
			info.Status = StatusError
			info.Error = e.String()
		}
	case "ERROR", "FAILED", "CANCELLED":
		info.Status = StatusError
		info.Error = errorMessage(body)
	default:
		return StatusInfo{}, &Error{Op: "status", StatusCode: status, Message: "未知状态: " + doc.Get("status").String()}
	}
	return info, nil
}

func (c *FalClient) FetchResult(ctx context.Context, model string, requestID string) (Result, error) {
	body, status, err := c.do(ctx, http.MethodGet, c.requestURL(model, requestID), nil)
	if err != nil {
		return Result{}, &Error{Op: "result", Message: err.Error()}
	}
	if status < 200 || status >= 300 {
		// 结果接口的 4xx/5xx 代表生成本身失败（例如模型报错、输入校验失败）。
		return Result{}, fmt.Errorf("%w: %w", ErrGenerationFailed, &Error{Op: "result", StatusCode: status, Message: errorMessage(body)})
	}
	res := ParseResult(body)
	res.RequestID = requestID
	return res, nil
}

func (c *FalClient) SubscribeBlocking(ctx context.Context, model string, input []byte) (Result, error) {
	requestID, err := c.SubmitToQueue(ctx, model, input, "")
	if err != nil {
		return Result{}, err
	}

	var final StatusInfo
	err = PollUntilTerminal(ctx, c.clock, c.pollInterval, 0, func(ctx context.Context) (bool, error) {
		info, err := c.GetStatus(ctx, model, requestID)
		if err != nil {
			return false, err
		}
		final = info
		return info.Status.Terminal(), nil
	})
	if err != nil {
		if errors.Is(err, ErrTimeout) || errors.Is(err, context.Canceled) {
			c.cancelDetached(model, requestID)
		}
		return Result{}, err
	}
	if final.Status == StatusError {
		return Result{}, fmt.Errorf("%w: %s", ErrGenerationFailed, final.Error)
	}
	return c.FetchResult(ctx, model, requestID)
}

func (c *FalClient) Cancel(ctx context.Context, model string, requestID string) error {
	body, status, err := c.do(ctx, http.MethodPut, c.requestURL(model, requestID)+"/cancel", nil)
	if err != nil {
		return &Error{Op: "cancel", Message: err.Error()}
	}
	if status < 200 || status >= 300 {
		return &Error{Op: "cancel", StatusCode: status, Message: errorMessage(body)}
	}
	return nil
}

// cancelDetached 在调用方已放弃等待后尽力取消上游任务，避免白白占用队列。
func (c *FalClient) cancelDetached(model string, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Cancel(ctx, model, requestID); err != nil {
		slog.Warn("取消上游任务失败", "model", model, "request_id", requestID, "err", err)
	}
}

func (c *FalClient) requestURL(model string, requestID string) string {
	return c.baseURL + "/" + appID(model) + "/requests/" + url.PathEscape(requestID)
}

// appID 取模型 id 的前两段：fal-ai/flux/dev -> fal-ai/flux（队列状态/结果按应用寻址）。
func appID(model string) string {
	parts := strings.Split(strings.Trim(model, "/"), "/")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return strings.Join(parts, "/")
}

func (c *FalClient) do(ctx context.Context, method string, u string, body []byte) ([]byte, int, error) {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Key "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("读取上游响应失败: %w", err)
	}
	return b, resp.StatusCode, nil
}
