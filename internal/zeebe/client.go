// Package zeebe はワークフローエンジンのgRPCゲートウェイを呼び出すクライアント。
//
// RESTでは提供されない変数設定をRPCで実行する。認証にはHTTP転送と同じ
// キャッシュ済みトークンを使用する。
package zeebe

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"
	"github.com/nao1215/flowgate/internal/credential"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TokenSource はRPCに付与するトークンの取得元。
type TokenSource interface {
	Token(ctx context.Context) (credential.Credential, error)
	Invalidate(bad credential.Credential)
}

// DefaultTimeout はタイムアウト未指定時に1回のRPCに許す時間。
const DefaultTimeout = 30 * time.Second

// Config はgRPCゲートウェイへの接続設定。
type Config struct {
	// GatewayAddress はhost:port形式のゲートウェイアドレス。
	GatewayAddress string
	// Plaintext がtrueの場合はTLSを使用しない。
	Plaintext bool
	// Timeout は1回のRPCに許す時間。0以下の場合はDefaultTimeout。
	// 呼び出し元のコンテキストの期限が先に来る場合はそちらが優先される。
	Timeout time.Duration
}

// Client はgRPCゲートウェイのクライアント。
type Client struct {
	zb      zbc.Client
	timeout time.Duration
	logger  logrus.FieldLogger
}

// Option はClientの任意設定。
type Option func(*options)

type options struct {
	logger logrus.FieldLogger
}

// WithLogger はロガーを設定する。
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) { o.logger = logger }
}

// New はgRPCゲートウェイのクライアントを生成する。接続は最初の呼び出しまで確立されない。
func New(cfg Config, tokens TokenSource, opts ...Option) (*Client, error) {
	if cfg.GatewayAddress == "" {
		return nil, errors.New("gRPCゲートウェイのアドレスが指定されていません")
	}
	if tokens == nil {
		return nil, errors.New("トークンの取得元が指定されていません")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	o := options{logger: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	zb, err := zbc.NewClient(&zbc.ClientConfig{
		GatewayAddress:         cfg.GatewayAddress,
		UsePlaintextConnection: cfg.Plaintext,
		CredentialsProvider:    &credentialsProvider{tokens: tokens, logger: o.logger},
	})
	if err != nil {
		return nil, fmt.Errorf("gRPCクライアントの生成に失敗: %w", err)
	}
	return &Client{zb: zb, timeout: timeout, logger: o.logger}, nil
}

// SetVariables はscopeKeyのスコープに変数を設定する。
// localがtrueの場合は上位スコープへ伝播させない。
// 返すエラーはgRPCのステータスを保持する。応答がない場合はTimeoutで打ち切りDeadlineExceededを返す。
func (c *Client) SetVariables(ctx context.Context, scopeKey int64, variables map[string]any, local bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd, err := c.zb.NewSetVariablesCommand().ElementInstanceKey(scopeKey).VariablesFromMap(variables)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "変数のシリアライズに失敗: %v", err)
	}

	resp, err := cmd.Local(local).Send(ctx)
	if err != nil {
		return err
	}
	c.logger.WithFields(logrus.Fields{
		"scope_key": scopeKey,
		"local":     local,
		"event_key": resp.GetKey(),
	}).Debug("変数を設定しました")
	return nil
}

// Close は接続を閉じる。
func (c *Client) Close() error {
	return c.zb.Close()
}

// credentialsProvider は各RPCにキャッシュ済みトークンを付与する。
type credentialsProvider struct {
	tokens TokenSource
	logger logrus.FieldLogger
	// last は最後に付与したトークン。拒否された場合に破棄する。
	last atomic.Pointer[credential.Credential]
}

// ApplyCredentials はAuthorizationヘッダーを設定する。
func (p *credentialsProvider) ApplyCredentials(ctx context.Context, headers map[string]string) error {
	cred, err := p.tokens.Token(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return status.FromContextError(ctx.Err()).Err()
		}
		return status.Error(codes.Unauthenticated, err.Error())
	}
	p.last.Store(&cred)
	headers["Authorization"] = cred.AuthorizationHeader()
	return nil
}

// ShouldRetryRequest は再試行しない。拒否されたトークンは破棄し、次の呼び出しで再取得させる。
func (p *credentialsProvider) ShouldRetryRequest(_ context.Context, err error) bool {
	if status.Code(err) != codes.Unauthenticated {
		return false
	}
	if cred := p.last.Load(); cred != nil {
		p.tokens.Invalidate(*cred)
		p.logger.Warn("gRPCゲートウェイがトークンを拒否したため破棄しました")
	}
	return false
}
