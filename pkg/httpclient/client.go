package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout はタイムアウト未指定時に使用する値。
const DefaultTimeout = 30 * time.Second

// DefaultMaxBodySize は読み取るレスポンスボディの既定の上限（バイト）。
const DefaultMaxBodySize = 32 << 20

// ErrBodyTooLarge はレスポンスボディが上限を超えた場合のエラー。
// この場合、DoはボディなしのResponseとともに返す。
var ErrBodyTooLarge = errors.New("レスポンスボディが上限を超えています")

// Client は上流サービスとの通信用HTTPクライアント。
// 呼び出しごとのタイムアウトを必ず持つ。リダイレクトは追跡しない。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// maxBodySize は読み取るレスポンスボディの上限（バイト）。
	maxBodySize int64
}

// Option はClientの任意設定。
type Option func(*Client)

// WithMaxBodySize はレスポンスボディの上限を設定する。0以下の場合はDefaultMaxBodySize。
func WithMaxBodySize(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBodySize = n
		}
	}
}

// Response は上流サービスからのレスポンス。
type Response struct {
	// StatusCode はHTTPステータスコード。
	StatusCode int
	// Header はレスポンスヘッダー。
	Header http.Header
	// Body はレスポンスボディ（未加工）。
	Body []byte
}

// IsSuccess はステータスコードが2xxかどうかを返す。
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// New は新しいHTTPクライアントを生成する。
// timeoutが0以下の場合はDefaultTimeoutを使用する。
func New(timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			// 3xxもそのまま呼び出し元に返す
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxBodySize: DefaultMaxBodySize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Timeout はクライアントに設定されたタイムアウトを返す。
func (c *Client) Timeout() time.Duration {
	return c.httpClient.Timeout
}

// Do は指定メソッドとURLでリクエストを送信する。
// 非2xxのステータスはエラーとして扱わず、Responseとして返す。
// エラーが返るのはリクエスト生成失敗と通信失敗（タイムアウト、接続拒否、名前解決失敗など）の場合と、
// ボディが上限を超えた場合（ErrBodyTooLarge、ボディなしのResponseも返す）のみ。
func (c *Client) Do(ctx context.Context, method, rawURL string, header http.Header, body []byte) (*Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	for key, values := range header {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	// コンテキストからリクエストIDを伝播する
	if requestID, ok := ctx.Value(contextKeyRequestID).(string); ok && requestID != "" {
		req.Header.Set(HeaderRequestID, requestID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗: %w", err)
	}

	result := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
	}
	if int64(len(respBody)) > c.maxBodySize {
		return result, fmt.Errorf("%w: %dバイト", ErrBodyTooLarge, c.maxBodySize)
	}
	result.Body = respBody
	return result, nil
}

// PostForm はフォームエンコードしたボディでPOSTリクエストを送信する。
func (c *Client) PostForm(ctx context.Context, rawURL string, form url.Values) (*Response, error) {
	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	header.Set("Accept", "application/json")
	return c.Do(ctx, http.MethodPost, rawURL, header, []byte(form.Encode()))
}

// HeaderRequestID はリクエストIDを伝播するためのHTTPヘッダーキー。
const HeaderRequestID = "X-Request-ID"

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyRequestID はコンテキストにリクエストIDを格納するためのキー。
const contextKeyRequestID contextKey = "request_id"

// WithRequestID はコンテキストにリクエストIDを設定する。
// 上流への通信時にリクエストIDを伝播するために使用する。
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, strings.TrimSpace(requestID))
}

// RequestIDFrom はコンテキストからリクエストIDを取得する。
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyRequestID).(string)
	return id
}
