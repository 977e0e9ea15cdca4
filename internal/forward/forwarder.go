package forward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nao1215/flowgate/internal/credential"
	"github.com/nao1215/flowgate/internal/endpoint"
	"github.com/nao1215/flowgate/pkg/httpclient"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// TokenSource はベアラートークンの取得元。
type TokenSource interface {
	// Token は使用可能なトークンを返す。
	Token(ctx context.Context) (credential.Credential, error)
	// Invalidate は上流に拒否されたトークンを破棄する。
	Invalidate(bad credential.Credential)
}

// VariableSetter はエンジンのRPCで変数を設定する。
type VariableSetter interface {
	// SetVariables はscopeKeyのスコープに変数を設定する。localがtrueの場合は要素スコープのみに設定する。
	SetVariables(ctx context.Context, scopeKey int64, variables map[string]any, local bool) error
}

// Observer は転送結果の通知先。
type Observer interface {
	ObserveForward(ctx context.Context, req Request, res *Result, elapsed time.Duration)
}

// reservedHeaders は呼び出し元から転送しないヘッダー。
var reservedHeaders = map[string]struct{}{
	"Authorization":     {},
	"Host":              {},
	"Content-Length":    {},
	"Connection":        {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
	"Te":                {},
	"Trailer":           {},
	"Keep-Alive":        {},
	"Proxy-Connection":  {},
	"Cookie":            {},
}

// Forwarder は1つの操作を上流に転送する。
// 状態を持たないため、複数goroutineから同時に使用できる。
type Forwarder struct {
	tokens    TokenSource
	registry  *endpoint.Registry
	client    *httpclient.Client
	setter    VariableSetter
	observers []Observer
	logger    logrus.FieldLogger
}

// Option はForwarderの任意設定。
type Option func(*Forwarder)

// WithVariableSetter はRPC操作で使用するクライアントを設定する。
func WithVariableSetter(setter VariableSetter) Option {
	return func(f *Forwarder) { f.setter = setter }
}

// WithObserver は転送結果の通知先を追加する。
func WithObserver(o Observer) Option {
	return func(f *Forwarder) { f.observers = append(f.observers, o) }
}

// WithLogger はロガーを設定する。
func WithLogger(logger logrus.FieldLogger) Option {
	return func(f *Forwarder) { f.logger = logger }
}

// New は新しいForwarderを生成する。
func New(tokens TokenSource, registry *endpoint.Registry, client *httpclient.Client, opts ...Option) *Forwarder {
	f := &Forwarder{
		tokens:   tokens,
		registry: registry,
		client:   client,
		logger:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Forward は操作を1回だけ上流に転送する。
// 上流やトークン取得に起因する失敗は全てFailureを持つResultとして返す。
// errorが返るのはボディをシリアライズできないなど、ローカルで回復できない場合のみ。
func (f *Forwarder) Forward(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()

	if req.Body == nil && req.Value != nil {
		body, err := json.Marshal(req.Value)
		if err != nil {
			return nil, fmt.Errorf("操作 %s のリクエストボディのシリアライズに失敗: %w", req.Operation, err)
		}
		req.Body = body
	}

	res, err := f.forward(ctx, req)
	if err != nil {
		f.logger.WithError(err).WithField("operation", req.Operation).Error("転送を中断しました")
		return nil, err
	}

	elapsed := time.Since(started)
	f.logResult(ctx, req, res, elapsed)
	for _, o := range f.observers {
		o.ObserveForward(ctx, req, res, elapsed)
	}
	return res, nil
}

func (f *Forwarder) forward(ctx context.Context, req Request) (*Result, error) {
	target, err := f.registry.Resolve(req.Operation, req.PathParams)
	if err != nil {
		return failed(KindConfig, 0, err.Error(), nil), nil
	}
	if target.Operation.IsRPC() {
		return f.forwardRPC(ctx, target, req), nil
	}

	cred, err := f.tokens.Token(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return failed(KindNetwork, 0, err.Error(), nil), nil
		}
		return failed(KindAuth, 0, err.Error(), nil), nil
	}

	rawURL := target.URL
	if len(req.Query) > 0 {
		rawURL += "?" + req.Query.Encode()
	}

	header := make(http.Header, len(req.Header)+3)
	for key, values := range req.Header {
		key = http.CanonicalHeaderKey(key)
		if _, reserved := reservedHeaders[key]; reserved {
			continue
		}
		header[key] = append([]string(nil), values...)
	}
	header.Set("Authorization", cred.AuthorizationHeader())
	if header.Get("Accept") == "" {
		header.Set("Accept", target.Operation.Accept)
	}

	var body []byte
	if target.Operation.RequiresBody {
		body = req.Body
		if header.Get("Content-Type") == "" {
			header.Set("Content-Type", "application/json")
		}
	} else {
		header.Del("Content-Type")
	}

	resp, err := f.client.Do(ctx, target.Method, rawURL, header, body)
	if errors.Is(err, httpclient.ErrBodyTooLarge) {
		// 応答は受け取れたがボディを完全には渡せない
		kind := KindUnknown
		if !resp.IsSuccess() {
			kind = Classify(resp.StatusCode, nil)
		}
		return failed(kind, resp.StatusCode, err.Error(), nil), nil
	}
	if err != nil {
		return failed(Classify(0, err), 0, err.Error(), nil), nil
	}

	contentType := resp.Header.Get("Content-Type")
	if resp.IsSuccess() {
		return &Result{
			StatusCode:  resp.StatusCode,
			ContentType: contentType,
			Body:        resp.Body,
		}, nil
	}

	if resp.StatusCode == http.StatusUnauthorized {
		f.tokens.Invalidate(cred)
	}
	res := failed(Classify(resp.StatusCode, nil), resp.StatusCode, upstreamMessage(resp.StatusCode, resp.Body), resp.Body)
	res.ContentType = contentType
	return res, nil
}

// rpcVariablesBody はRPCの変数設定操作のボディ。
type rpcVariablesBody struct {
	Variables map[string]any `json:"variables"`
	Local     bool           `json:"local"`
}

// forwardRPC はRPC操作を実行する。トークンはRPCクライアント側で付与される。
func (f *Forwarder) forwardRPC(ctx context.Context, target endpoint.Target, req Request) *Result {
	if f.setter == nil {
		return failed(KindConfig, 0, fmt.Sprintf("操作 %s のRPCクライアントが設定されていません", target.Operation.Name), nil)
	}
	if len(target.Params) != 1 {
		return failed(KindConfig, 0, fmt.Sprintf("操作 %s はキーを1つだけ受け取ります", target.Operation.Name), nil)
	}

	key, err := strconv.ParseInt(target.Params[0], 10, 64)
	if err != nil {
		return failed(KindValidation, 0, fmt.Sprintf("キー %q が数値ではありません", target.Params[0]), nil)
	}

	var payload rpcVariablesBody
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return failed(KindValidation, 0, "ボディのJSONが不正です: "+err.Error(), nil)
	}
	if payload.Variables == nil {
		return failed(KindValidation, 0, "variablesが指定されていません", nil)
	}

	if err := f.setter.SetVariables(ctx, key, payload.Variables, payload.Local); err != nil {
		return failed(ClassifyRPC(err), 0, err.Error(), nil)
	}
	return &Result{StatusCode: http.StatusNoContent}
}

// logResult は転送結果をログに出力する。
func (f *Forwarder) logResult(ctx context.Context, req Request, res *Result, elapsed time.Duration) {
	entry := f.logger.WithFields(logrus.Fields{
		"operation":  req.Operation,
		"status":     res.StatusCode,
		"elapsed_ms": elapsed.Milliseconds(),
	})
	if id := httpclient.RequestIDFrom(ctx); id != "" {
		entry = entry.WithField("request_id", id)
	}
	if res.Succeeded() {
		entry.Debug("転送に成功しました")
		return
	}
	entry.WithField("kind", res.Failure.Kind).Warnf("転送に失敗しました: %s", res.Failure.Message)
}

// upstreamMessage は上流のエラーボディから説明を取り出す。
// 見つからない場合はステータスの説明文を返す。
func upstreamMessage(statusCode int, body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"detail", "message", "title", "error"} {
			if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.Str != "" {
				return v.Str
			}
		}
	}
	if text := http.StatusText(statusCode); text != "" {
		return text
	}
	return fmt.Sprintf("HTTP %d", statusCode)
}
