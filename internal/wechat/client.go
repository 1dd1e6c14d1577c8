package wechat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const (
	// DefaultAPIBase is the production WeChat API origin.
	DefaultAPIBase = "https://api.weixin.qq.com"

	tokenExpiryBuffer = 3 * time.Minute

	// errcode returned by msg_sec_check for risky content.
	codeRiskyContent = 87014
)

// Client is a lightweight WeChat API client using net/http. It caches the
// access token and refreshes it on expiry or on token-invalid error codes.
type Client struct {
	baseURL    string
	appID      string
	appSecret  string
	httpClient *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// NewClient creates a client for the given app credentials. baseURL may be
// empty to use the production origin.
func NewClient(appID, appSecret, baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIBase
	}
	return &Client{
		baseURL:    baseURL,
		appID:      appID,
		appSecret:  appSecret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// --- Token management ---

func (c *Client) getToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	u := fmt.Sprintf("%s/cgi-bin/token?grant_type=client_credential&appid=%s&secret=%s",
		c.baseURL, url.QueryEscape(c.appID), url.QueryEscape(c.appSecret))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("wechat token request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		ErrCode     int    `json:"errcode"`
		ErrMsg      string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("wechat token decode: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("wechat token error: code=%d msg=%s", result.ErrCode, result.ErrMsg)
	}

	c.token = result.AccessToken
	c.tokenExp = time.Now().Add(time.Duration(result.ExpiresIn)*time.Second - tokenExpiryBuffer)
	return c.token, nil
}

func (c *Client) clearToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExp = time.Time{}
	c.mu.Unlock()
}

// isTokenError reports whether the error code means the cached token is
// invalid or expired.
func isTokenError(code int) bool {
	return code == 40001 || code == 40014 || code == 42001
}

// --- Generic API helpers ---

type apiResponse struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// postJSON performs an authenticated JSON API call with one automatic retry
// on token-invalid errors.
func (c *Client) postJSON(ctx context.Context, path string, body any) (*apiResponse, error) {
	resp, err := c.postJSONOnce(ctx, path, body)
	if err != nil {
		return nil, err
	}
	if isTokenError(resp.ErrCode) {
		c.clearToken()
		return c.postJSONOnce(ctx, path, body)
	}
	return resp, nil
}

func (c *Client) postJSONOnce(ctx context.Context, path string, body any) (*apiResponse, error) {
	token, err := c.getToken(ctx)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}

	u := fmt.Sprintf("%s%s?access_token=%s", c.baseURL, path, url.QueryEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("wechat api %s: %w", path, err)
	}
	defer resp.Body.Close()

	var result apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("wechat api decode: %w", err)
	}
	return &result, nil
}

// --- Customer-service push (delivery channel) ---

// SendText pushes a text message to a user through the customer-service
// message API.
func (c *Client) SendText(ctx context.Context, openID, content string) error {
	resp, err := c.postJSON(ctx, "/cgi-bin/message/custom/send", map[string]any{
		"touser":  openID,
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	})
	if err != nil {
		return err
	}
	if resp.ErrCode != 0 {
		return fmt.Errorf("wechat send error: code=%d msg=%s", resp.ErrCode, resp.ErrMsg)
	}
	return nil
}

// --- Content security (moderation gate) ---

// CheckContent classifies text through msg_sec_check. It returns
// (false, nil) for content the platform flags as risky; any transport or
// API error is returned as-is so callers can fail closed.
func (c *Client) CheckContent(ctx context.Context, content string) (bool, error) {
	resp, err := c.postJSON(ctx, "/wxa/msg_sec_check", map[string]string{
		"content": content,
	})
	if err != nil {
		return false, err
	}
	switch resp.ErrCode {
	case 0:
		return true, nil
	case codeRiskyContent:
		return false, nil
	default:
		return false, fmt.Errorf("wechat msg_sec_check error: code=%d msg=%s", resp.ErrCode, resp.ErrMsg)
	}
}

// --- Orchestrator adapters ---

// PushDeliverer adapts Client to the orchestrator's delivery contract.
type PushDeliverer struct{ C *Client }

// Send pushes text to a recipient.
func (d PushDeliverer) Send(ctx context.Context, recipient, text string) error {
	return d.C.SendText(ctx, recipient, text)
}

// ContentModerator adapts Client to the orchestrator's moderation contract.
type ContentModerator struct{ C *Client }

// Check classifies generated text; errors are surfaced for fail-closed
// handling upstream.
func (m ContentModerator) Check(ctx context.Context, text string) (bool, error) {
	return m.C.CheckContent(ctx, text)
}
