package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/flowgate/internal/audit"
	"github.com/nao1215/flowgate/internal/endpoint"
	"github.com/nao1215/flowgate/internal/forward"
	"github.com/nao1215/flowgate/pkg/middleware"
	"github.com/sirupsen/logrus"
)

// maxRequestBodySize は受け付けるリクエストボディの最大サイズ。
const maxRequestBodySize = 10 << 20

// internalErrorMessage は詳細を返さない失敗に使う汎用メッセージ。
const internalErrorMessage = "内部サーバーエラーが発生しました"

// forwardedHeaders は呼び出し元から上流に引き継ぐヘッダー。
var forwardedHeaders = []string{"Content-Type", "Accept-Language"}

// Forwarder は操作を上流に転送する。
type Forwarder interface {
	Forward(ctx context.Context, req forward.Request) (*forward.Result, error)
}

// AuditLog は転送記録の参照先。
type AuditLog interface {
	List(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
}

// Options はServerの任意設定。
type Options struct {
	// Logger はアクセスログとエラーログの出力先。
	Logger logrus.FieldLogger
	// JWTSecret が空でない場合、転送ルートで呼び出し元のJWTを検証する。
	JWTSecret string
	// EnforceScopes がtrueの場合、JWTのスコープをルートごとに確認する。
	// 参照系はScopeReadかScopeWrite、更新系はScopeWrite、監査ログはScopeAuditを要求する。
	EnforceScopes bool
	// CORSAllowedOrigins はクロスオリジンを許可するオリジン。
	CORSAllowedOrigins []string
	// RateLimiter がnilでない場合、転送ルートの流量を制限する。
	RateLimiter *middleware.RateLimiter
	// Middleware は全ルートの先頭に追加するミドルウェア。
	Middleware []gin.HandlerFunc
	// Metrics がnilでない場合、GET /metrics で公開する。
	Metrics http.Handler
	// Audit がnilでない場合、GET /audit/forwards で転送記録を返す。
	Audit AuditLog
}

// Server はゲートウェイのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// forwarder は上流への転送処理。
	forwarder Forwarder
	logger    logrus.FieldLogger
	opts      Options
}

// NewServer は新しいゲートウェイサーバーを生成する。
func NewServer(forwarder Forwarder, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(opts.Logger))
	router.Use(middleware.Logger(opts.Logger))
	router.Use(opts.Middleware...)
	if len(opts.CORSAllowedOrigins) > 0 {
		router.Use(middleware.CORS(opts.CORSAllowedOrigins))
	}

	s := &Server{
		router:    router,
		forwarder: forwarder,
		logger:    opts.Logger,
		opts:      opts,
	}
	s.setupRoutes()
	return s
}

// Handler はHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// 呼び出し元JWTのスコープ。
const (
	ScopeRead  = "forward:read"
	ScopeWrite = "forward:write"
	ScopeAudit = "audit:read"
)

// route は受信ルートと操作の対応。
type route struct {
	method    string
	path      string
	operation string
	// params はパスパラメータ名。順番に操作のプレースホルダへ渡す。
	params []string
	// readOnly はエンジンの状態を変更しない操作。
	readOnly bool
}

// routes は受信ルートの一覧。
var routes = []route{
	{method: http.MethodPost, path: "/messages/correlation", operation: endpoint.OpCorrelateMessage},
	{method: http.MethodPost, path: "/messages/publication", operation: endpoint.OpPublishMessage},
	{method: http.MethodPost, path: "/process-instances", operation: endpoint.OpStartProcess},
	{method: http.MethodPost, path: "/process-instances/search", operation: endpoint.OpSearchProcessInstances, readOnly: true},
	{method: http.MethodPost, path: "/process-instances/:key/cancellation", operation: endpoint.OpCancelProcess, params: []string{"key"}},
	{method: http.MethodPost, path: "/process-instances/:key/migration", operation: endpoint.OpMigrateProcess, params: []string{"key"}},
	{method: http.MethodPut, path: "/process-instances/:key/variables", operation: endpoint.OpUpdateProcessVariables, params: []string{"key"}},
	{method: http.MethodGet, path: "/process-instances/:key", operation: endpoint.OpGetProcessInstance, params: []string{"key"}, readOnly: true},
	{method: http.MethodPut, path: "/v2/element-instances/:key/variables", operation: endpoint.OpUpdateElementVariables, params: []string{"key"}},
	{method: http.MethodPost, path: "/v1/variables/search", operation: endpoint.OpSearchVariables, readOnly: true},
	{method: http.MethodGet, path: "/process-definitions/:key", operation: endpoint.OpGetProcessDefinition, params: []string{"key"}, readOnly: true},
	{method: http.MethodGet, path: "/process-definitions/:key/xml", operation: endpoint.OpGetProcessDefinitionXML, params: []string{"key"}, readOnly: true},
	{method: http.MethodPost, path: "/decision-definitions/evaluation", operation: endpoint.OpEvaluateDecision},
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() {
	// ヘルスチェック（認証不要）
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "flowgate"})
	})
	if s.opts.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}

	api := s.router.Group("")
	if s.opts.RateLimiter != nil {
		api.Use(middleware.RateLimit(s.opts.RateLimiter))
	}
	if s.opts.JWTSecret != "" {
		api.Use(middleware.JWTAuth(s.opts.JWTSecret))
	}

	for _, r := range routes {
		handlers := s.scopeCheck(r.scopes()...)
		handlers = append(handlers, s.handleForward(r.operation, r.params...))
		api.Handle(r.method, r.path, handlers...)
	}
	if s.opts.Audit != nil {
		handlers := append(s.scopeCheck(ScopeAudit), s.handleListAudit())
		api.GET("/audit/forwards", handlers...)
	}
}

// scopes はルートの呼び出しに必要なスコープ（いずれか1つ）を返す。
func (r route) scopes() []string {
	if r.readOnly {
		return []string{ScopeRead, ScopeWrite}
	}
	return []string{ScopeWrite}
}

// scopeCheck はスコープ確認が有効な場合にRequireScopeを返す。
func (s *Server) scopeCheck(scopes ...string) []gin.HandlerFunc {
	if s.opts.JWTSecret == "" || !s.opts.EnforceScopes {
		return nil
	}
	return []gin.HandlerFunc{middleware.RequireScope(scopes...)}
}

// handleForward は操作を転送するハンドラを返す。
func (s *Server) handleForward(operation string, paramNames ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodySize))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "リクエストボディが大きすぎます"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディの読み取りに失敗しました"})
			return
		}

		params := make([]string, 0, len(paramNames))
		for _, name := range paramNames {
			params = append(params, c.Param(name))
		}

		header := make(http.Header)
		for _, key := range forwardedHeaders {
			if v := c.GetHeader(key); v != "" {
				header.Set(key, v)
			}
		}

		res, err := s.forwarder.Forward(c.Request.Context(), forward.Request{
			Operation:  operation,
			PathParams: params,
			Query:      c.Request.URL.Query(),
			Header:     header,
			Body:       body,
		})
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":      internalErrorMessage,
				"request_id": middleware.GetRequestID(c),
			})
			return
		}
		s.writeResult(c, res)
	}
}

// writeResult は転送結果をレスポンスに書き込む。
func (s *Server) writeResult(c *gin.Context, res *forward.Result) {
	if res.Succeeded() {
		if len(res.Body) == 0 {
			c.Status(res.StatusCode)
			return
		}
		contentType := res.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		c.Data(res.StatusCode, contentType, res.Body)
		return
	}

	f := res.Failure
	status := StatusFor(f)
	if status == http.StatusInternalServerError {
		c.JSON(status, gin.H{
			"error":      internalErrorMessage,
			"request_id": middleware.GetRequestID(c),
		})
		return
	}

	resp := gin.H{
		"error":      f.Message,
		"kind":       f.Kind,
		"request_id": middleware.GetRequestID(c),
	}
	if f.StatusCode != 0 {
		resp["upstream_status"] = f.StatusCode
	}
	if len(f.RawBody) > 0 && json.Valid(f.RawBody) {
		resp["detail"] = json.RawMessage(f.RawBody)
	}
	if f.Kind == forward.KindNetwork {
		c.Header("Retry-After", "5")
	}
	c.JSON(status, resp)
}

// StatusFor は失敗種別を呼び出し元に返すHTTPステータスに変換する。
// Auth・Config・Unknownは詳細を隠して500、Networkは503を返し、
// それ以外は上流のステータスをそのまま返す。
func StatusFor(f *forward.Failure) int {
	passthrough := func(fallback int) int {
		if f.StatusCode != 0 {
			return f.StatusCode
		}
		return fallback
	}

	switch f.Kind {
	case forward.KindNotFound:
		return passthrough(http.StatusNotFound)
	case forward.KindValidation:
		return passthrough(http.StatusBadRequest)
	case forward.KindConflict:
		return passthrough(http.StatusConflict)
	case forward.KindUpstream5xx:
		return passthrough(http.StatusBadGateway)
	case forward.KindNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// auditEntryResponse は転送記録のレスポンス。
type auditEntryResponse struct {
	ID         string    `json:"id"`
	Operation  string    `json:"operation"`
	StatusCode int       `json:"status_code"`
	Kind       string    `json:"kind,omitempty"`
	Message    string    `json:"message,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	ElapsedMS  int64     `json:"elapsed_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// handleListAudit は転送記録を返すハンドラを返す。
func (s *Server) handleListAudit() gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := audit.Filter{
			Operation:    c.Query("operation"),
			FailuresOnly: c.Query("failures") == "true",
		}
		if v := c.Query("limit"); v != "" {
			limit, err := strconv.Atoi(v)
			if err != nil || limit <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limitは正の整数を指定してください"})
				return
			}
			filter.Limit = limit
		}

		entries, err := s.opts.Audit.List(c.Request.Context(), filter)
		if err != nil {
			s.logger.WithError(err).Error("転送記録の取得に失敗しました")
			c.JSON(http.StatusInternalServerError, gin.H{"error": internalErrorMessage})
			return
		}

		resp := make([]auditEntryResponse, 0, len(entries))
		for _, e := range entries {
			resp = append(resp, auditEntryResponse{
				ID:         e.ID,
				Operation:  e.Operation,
				StatusCode: e.StatusCode,
				Kind:       e.Kind,
				Message:    e.Message,
				RequestID:  e.RequestID,
				ElapsedMS:  e.Elapsed.Milliseconds(),
				CreatedAt:  e.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{"entries": resp})
	}
}
