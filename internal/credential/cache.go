package credential

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nao1215/flowgate/pkg/httpclient"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultSafetyMargin は有効期限の何秒前からトークンを期限切れとみなすか。
	DefaultSafetyMargin = 60 * time.Second
	// NoSafetyMargin はSafetyMarginに指定すると有効期限ちょうどまでトークンを使用する。
	NoSafetyMargin time.Duration = -1
	// DefaultTimeout はトークン取得リクエストのタイムアウト。
	DefaultTimeout = 10 * time.Second

	flightKey = "token"
)

// Config はトークン取得の設定。
type Config struct {
	// TokenURL はアイデンティティプロバイダのトークンエンドポイント。
	TokenURL string
	// ClientID はOAuth2クライアントID。
	ClientID string
	// ClientSecret はOAuth2クライアントシークレット。
	ClientSecret string
	// Audience はトークンの対象。空の場合は送信しない。
	Audience string
	// SafetyMargin は有効期限前に再取得を始める余裕時間。
	// 0の場合はDefaultSafetyMargin。マージンなしにする場合はNoSafetyMarginを指定する。
	SafetyMargin time.Duration
	// Timeout はトークン取得1回あたりのタイムアウト。
	Timeout time.Duration
}

// RefreshHook はトークン再取得が完了するたびに呼ばれる。errは失敗時のみ非nil。
type RefreshHook func(err error, elapsed time.Duration)

// Cache はベアラートークンを1つだけ保持するキャッシュ。
// 複数goroutineから安全に使用できる。
type Cache struct {
	cfg       Config
	client    *httpclient.Client
	logger    logrus.FieldLogger
	now       func() time.Time
	onRefresh RefreshHook

	mu    sync.RWMutex
	cred  Credential
	group singleflight.Group
}

// Option はCacheの任意設定。
type Option func(*Cache)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLogger はロガーを設定する。
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithHTTPClient はトークン取得に使うHTTPクライアントを差し替える。
func WithHTTPClient(client *httpclient.Client) Option {
	return func(c *Cache) { c.client = client }
}

// WithRefreshHook は再取得完了時のフックを設定する。
func WithRefreshHook(hook RefreshHook) Option {
	return func(c *Cache) { c.onRefresh = hook }
}

// New は新しいCacheを生成する。
func New(cfg Config, opts ...Option) (*Cache, error) {
	if strings.TrimSpace(cfg.TokenURL) == "" {
		return nil, errors.New("トークンURLが設定されていません")
	}
	if _, err := url.ParseRequestURI(cfg.TokenURL); err != nil {
		return nil, fmt.Errorf("トークンURLが不正: %w", err)
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		return nil, errors.New("クライアントIDが設定されていません")
	}
	switch {
	case cfg.SafetyMargin == NoSafetyMargin:
		cfg.SafetyMargin = 0
	case cfg.SafetyMargin < 0:
		return nil, errors.New("安全マージンに負の値は指定できません")
	case cfg.SafetyMargin == 0:
		cfg.SafetyMargin = DefaultSafetyMargin
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	c := &Cache{
		cfg:    cfg,
		logger: logrus.StandardLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = httpclient.New(cfg.Timeout)
	}
	return c, nil
}

// Token は使用可能なトークンを返す。
// キャッシュが有効ならネットワーク通信せずにそれを返す。期限切れまたは未取得の場合は
// 再取得するが、同時に呼ばれても再取得は1回だけで、全員がその結果（成功または同じエラー）を受け取る。
// 待機中にctxが終了した場合は待機をやめてエラーを返すが、再取得自体は他の待機者のために継続する。
// 自動リトライは行わない。
func (c *Cache) Token(ctx context.Context) (Credential, error) {
	if cred, ok := c.current(); ok {
		return cred, nil
	}

	ch := c.group.DoChan(flightKey, func() (any, error) {
		return c.refresh(ctx)
	})

	select {
	case <-ctx.Done():
		return Credential{}, &AuthError{Message: "トークン取得の待機が中断されました", Err: ctx.Err()}
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}
		return res.Val.(Credential), nil
	}
}

// Invalidate はキャッシュ中のトークンがbadと同じ場合に破棄する。
// 上流が401を返したトークンを次回の呼び出しで再利用しないために使う。
// 既に別のトークンに置き換わっている場合は何もしない。
func (c *Cache) Invalidate(bad Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cred.Token != "" && c.cred.Token == bad.Token {
		c.cred = Credential{}
		c.logger.Info("キャッシュ中のアクセストークンを破棄しました")
	}
}

// Cached は現在キャッシュ中のトークンを有効性に関係なく返す。
func (c *Cache) Cached() (Credential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cred, c.cred.Token != ""
}

// current は使用可能なキャッシュ済みトークンを返す。
func (c *Cache) current() (Credential, bool) {
	c.mu.RLock()
	cred := c.cred
	c.mu.RUnlock()
	if cred.UsableAt(c.now(), c.cfg.SafetyMargin) {
		return cred, true
	}
	return Credential{}, false
}

// refresh はトークンを再取得してキャッシュに格納する。singleflight内でのみ呼ばれる。
// 呼び出し元のキャンセルが他の待機者に波及しないよう、値だけを引き継いだ独立したコンテキストで通信する。
func (c *Cache) refresh(ctx context.Context) (Credential, error) {
	// 直前のフライトで更新済みの場合
	if cred, ok := c.current(); ok {
		return cred, nil
	}

	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
	defer cancel()

	c.logger.Info("アクセストークンを取得します")
	started := time.Now()
	cred, err := c.fetch(fetchCtx)
	elapsed := time.Since(started)
	if c.onRefresh != nil {
		c.onRefresh(err, elapsed)
	}
	if err != nil {
		c.logger.WithError(err).Warn("アクセストークンの取得に失敗しました")
		return Credential{}, err
	}

	c.mu.Lock()
	c.cred = cred
	c.mu.Unlock()

	c.logger.WithField("expires_at", cred.ExpiresAt.Format(time.RFC3339)).Info("アクセストークンを取得しました")
	return cred, nil
}

// fetch はclient credentialsグラントでトークンを1回取得する。
func (c *Cache) fetch(ctx context.Context) (Credential, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)
	if c.cfg.Audience != "" {
		form.Set("audience", c.cfg.Audience)
	}

	issuedAt := c.now()
	resp, err := c.client.PostForm(ctx, c.cfg.TokenURL, form)
	if err != nil {
		return Credential{}, &AuthError{Message: "アイデンティティプロバイダに接続できません", Err: err}
	}
	if !resp.IsSuccess() {
		return Credential{}, &AuthError{StatusCode: resp.StatusCode, Message: providerError(resp.Body)}
	}

	return parseToken(resp.StatusCode, resp.Body, issuedAt)
}

// parseToken はトークンレスポンス {"access_token": ..., "expires_in": ...} を解析する。
// expires_inは数値と数値文字列の両方を受け付ける。
func parseToken(status int, body []byte, issuedAt time.Time) (Credential, error) {
	if !gjson.ValidBytes(body) {
		return Credential{}, &AuthError{StatusCode: status, Message: "トークンレスポンスがJSONではありません"}
	}

	token := gjson.GetBytes(body, "access_token")
	if token.Type != gjson.String || token.Str == "" {
		return Credential{}, &AuthError{StatusCode: status, Message: "access_tokenがありません"}
	}

	ttl := gjson.GetBytes(body, "expires_in")
	if ttl.Type != gjson.Number && ttl.Type != gjson.String {
		return Credential{}, &AuthError{StatusCode: status, Message: "expires_inがありません"}
	}
	seconds := ttl.Int()
	if seconds <= 0 {
		return Credential{}, &AuthError{StatusCode: status, Message: fmt.Sprintf("expires_inが不正: %q", ttl.Raw)}
	}

	return Credential{
		Token:     token.Str,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(time.Duration(seconds) * time.Second),
	}, nil
}

// providerError はOAuth2エラーレスポンスから説明を取り出す。
func providerError(body []byte) string {
	for _, path := range []string{"error_description", "error"} {
		if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}
