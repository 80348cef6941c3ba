// Package codeforces はCodeforces APIとの連携機能を提供する。
// サインアップとプロフィール更新時にハンドルの実在確認を行う。
package codeforces

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// defaultEndpoint はユーザー情報取得APIのエンドポイント。
	defaultEndpoint = "https://codeforces.com/api/user.info"
	// maxResponseBytes はレスポンスボディの読み取り上限。
	maxResponseBytes = 1 << 20
)

// LatencyRecorder は外部呼び出しの所要時間を記録する。
type LatencyRecorder interface {
	RecordExternalLatency(service string, d time.Duration)
}

// apiResponse はCodeforces APIの共通レスポンス形式。
type apiResponse struct {
	Status  string            `json:"status"`
	Comment string            `json:"comment"`
	Result  []json.RawMessage `json:"result"`
}

// Client はCodeforces APIのクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	latency    LatencyRecorder
	endpoint   string // テスト用にエンドポイントを差し替え可能
}

// NewClient はClientを生成する。httpClientにはSSRFGuardのクライアントを渡す。
// latencyはnilを許容する。
func NewClient(httpClient *http.Client, logger *slog.Logger, latency LatencyRecorder) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		latency:    latency,
		endpoint:   defaultEndpoint,
	}
}

// HandleExists はハンドルがCodeforcesに登録されているかを返す。
// APIが "not found" を返した場合のみ (false, nil)。
// 通信失敗やそれ以外の失敗レスポンスはエラーを返す。
func (c *Client) HandleExists(ctx context.Context, handle string) (bool, error) {
	start := time.Now()
	defer func() {
		if c.latency != nil {
			c.latency.RecordExternalLatency("codeforces", time.Since(start))
		}
	}()

	reqURL, err := url.Parse(c.endpoint)
	if err != nil {
		return false, fmt.Errorf("failed to parse endpoint: %w", err)
	}
	q := reqURL.Query()
	q.Set("handles", handle)
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Algoritmia/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("codeforces request failed",
			slog.String("handle", handle),
			slog.String("error", err.Error()),
		)
		return false, fmt.Errorf("codeforces request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return false, fmt.Errorf("failed to read codeforces response: %w", err)
	}

	// 存在しないハンドルはHTTP 400とstatus=FAILEDで返される
	var result apiResponse
	if err := json.Unmarshal(body, &result); err != nil {
		c.logger.Error("codeforces returned non-JSON response",
			slog.Int("http_status", resp.StatusCode),
		)
		return false, fmt.Errorf("codeforces returned status %d with unparsable body", resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusOK && result.Status == "OK":
		return len(result.Result) > 0, nil
	case result.Status == "FAILED" && strings.Contains(strings.ToLower(result.Comment), "not found"):
		return false, nil
	default:
		c.logger.Error("codeforces returned error",
			slog.Int("http_status", resp.StatusCode),
			slog.String("comment", result.Comment),
		)
		return false, fmt.Errorf("codeforces returned status %d: %s", resp.StatusCode, result.Comment)
	}
}
