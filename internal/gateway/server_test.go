package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/flowgate/internal/audit"
	"github.com/nao1215/flowgate/internal/endpoint"
	"github.com/nao1215/flowgate/internal/forward"
	"github.com/nao1215/flowgate/pkg/httpclient"
	"github.com/nao1215/flowgate/pkg/logging"
	"github.com/nao1215/flowgate/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testJWTSecret はテスト用のJWT署名秘密鍵。
const testJWTSecret = "test-secret-key"

// fakeForwarder は受け取った転送要求を記録し、指定された結果を返す。
type fakeForwarder struct {
	mu        sync.Mutex
	requests  []forward.Request
	requestID string
	result    *forward.Result
	err       error
}

func (f *fakeForwarder) Forward(ctx context.Context, req forward.Request) (*forward.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	f.requestID = httpclient.RequestIDFrom(ctx)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &forward.Result{StatusCode: http.StatusOK, ContentType: "application/json", Body: []byte(`{"ok":true}`)}, nil
}

func (f *fakeForwarder) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeForwarder) last(t *testing.T) forward.Request {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("Forwardが呼ばれていない")
	}
	return f.requests[len(f.requests)-1]
}

func newTestServer(t *testing.T, fwd Forwarder, opts Options) *Server {
	t.Helper()

	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return NewServer(fwd, opts)
}

func serve(s *Server, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスボディのパースに失敗: %v (%s)", err, w.Body.String())
	}
	return body
}

func TestServer_Routes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		method     string
		path       string
		wantOp     string
		wantParams []string
	}{
		{method: http.MethodPost, path: "/messages/correlation", wantOp: endpoint.OpCorrelateMessage},
		{method: http.MethodPost, path: "/messages/publication", wantOp: endpoint.OpPublishMessage},
		{method: http.MethodPost, path: "/process-instances", wantOp: endpoint.OpStartProcess},
		{method: http.MethodPost, path: "/process-instances/search", wantOp: endpoint.OpSearchProcessInstances},
		{method: http.MethodPost, path: "/process-instances/123/cancellation", wantOp: endpoint.OpCancelProcess, wantParams: []string{"123"}},
		{method: http.MethodPost, path: "/process-instances/123/migration", wantOp: endpoint.OpMigrateProcess, wantParams: []string{"123"}},
		{method: http.MethodPut, path: "/process-instances/123/variables", wantOp: endpoint.OpUpdateProcessVariables, wantParams: []string{"123"}},
		{method: http.MethodGet, path: "/process-instances/123", wantOp: endpoint.OpGetProcessInstance, wantParams: []string{"123"}},
		{method: http.MethodPut, path: "/v2/element-instances/456/variables", wantOp: endpoint.OpUpdateElementVariables, wantParams: []string{"456"}},
		{method: http.MethodPost, path: "/v1/variables/search", wantOp: endpoint.OpSearchVariables},
		{method: http.MethodGet, path: "/process-definitions/789", wantOp: endpoint.OpGetProcessDefinition, wantParams: []string{"789"}},
		{method: http.MethodGet, path: "/process-definitions/789/xml", wantOp: endpoint.OpGetProcessDefinitionXML, wantParams: []string{"789"}},
		{method: http.MethodPost, path: "/decision-definitions/evaluation", wantOp: endpoint.OpEvaluateDecision},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			t.Parallel()

			fwd := &fakeForwarder{}
			s := newTestServer(t, fwd, Options{})

			w := serve(s, tt.method, tt.path, `{}`)
			if w.Code != http.StatusOK {
				t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
			}

			req := fwd.last(t)
			if req.Operation != tt.wantOp {
				t.Errorf("Operation = %q, want %q", req.Operation, tt.wantOp)
			}
			if strings.Join(req.PathParams, ",") != strings.Join(tt.wantParams, ",") {
				t.Errorf("PathParams = %v, want %v", req.PathParams, tt.wantParams)
			}
		})
	}

	t.Run("全ての登録済み操作にルートがあること", func(t *testing.T) {
		t.Parallel()

		routed := make(map[string]bool)
		for _, r := range routes {
			routed[r.operation] = true
		}
		for _, op := range endpoint.DefaultOperations() {
			if !routed[op.Name] {
				t.Errorf("操作 %s のルートがありません", op.Name)
			}
		}
	})
}

func TestServer_HandleForward(t *testing.T) {
	t.Parallel()

	t.Run("ボディ・クエリ・ヘッダー・リクエストIDを転送要求に渡すこと", func(t *testing.T) {
		t.Parallel()

		fwd := &fakeForwarder{}
		s := newTestServer(t, fwd, Options{})

		w := serve(s, http.MethodPost, "/process-instances/search?tenantId=acme", `{"filter":{}}`,
			"Content-Type", "application/json",
			"Authorization", "Bearer caller",
			"Cookie", "session=1",
			middleware.HeaderRequestID, "req-42",
		)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}

		req := fwd.last(t)
		if string(req.Body) != `{"filter":{}}` {
			t.Errorf("Body = %q, want %q", req.Body, `{"filter":{}}`)
		}
		if got := req.Query.Get("tenantId"); got != "acme" {
			t.Errorf("Query[tenantId] = %q, want %q", got, "acme")
		}
		if got := req.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q, want %q", got, "application/json")
		}
		if req.Header.Get("Authorization") != "" || req.Header.Get("Cookie") != "" {
			t.Errorf("呼び出し元の認証情報が転送要求に含まれている: %v", req.Header)
		}
		if fwd.requestID != "req-42" {
			t.Errorf("request id = %q, want %q", fwd.requestID, "req-42")
		}
	})

	t.Run("成功時は上流のボディとContent-Typeをそのまま返すこと", func(t *testing.T) {
		t.Parallel()

		fwd := &fakeForwarder{result: &forward.Result{
			StatusCode:  http.StatusOK,
			ContentType: "text/xml",
			Body:        []byte(`<definitions/>`),
		}}
		s := newTestServer(t, fwd, Options{})

		w := serve(s, http.MethodGet, "/process-definitions/1/xml", "")
		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if got := w.Header().Get("Content-Type"); got != "text/xml" {
			t.Errorf("Content-Type = %q, want %q", got, "text/xml")
		}
		if w.Body.String() != `<definitions/>` {
			t.Errorf("body = %q, want %q", w.Body.String(), `<definitions/>`)
		}
	})

	t.Run("ボディが空の成功はステータスのみ返すこと", func(t *testing.T) {
		t.Parallel()

		fwd := &fakeForwarder{result: &forward.Result{StatusCode: http.StatusNoContent}}
		s := newTestServer(t, fwd, Options{})

		w := serve(s, http.MethodPost, "/process-instances/1/cancellation", "")
		if w.Code != http.StatusNoContent {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNoContent)
		}
		if w.Body.Len() != 0 {
			t.Errorf("body = %q, want empty", w.Body.String())
		}
	})

	t.Run("NotFoundは上流のステータスと詳細を返すこと", func(t *testing.T) {
		t.Parallel()

		fwd := &fakeForwarder{result: &forward.Result{
			StatusCode: http.StatusNotFound,
			Failure: &forward.Failure{
				Kind:       forward.KindNotFound,
				StatusCode: http.StatusNotFound,
				Message:    "Process instance with key 1 not found",
				RawBody:    []byte(`{"status":404,"detail":"Process instance with key 1 not found"}`),
			},
		}}
		s := newTestServer(t, fwd, Options{})

		w := serve(s, http.MethodGet, "/process-instances/1", "")
		if w.Code != http.StatusNotFound {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusNotFound)
		}
		body := decodeBody(t, w)
		if body["kind"] != "not_found" {
			t.Errorf("kind = %v, want %q", body["kind"], "not_found")
		}
		if body["error"] != "Process instance with key 1 not found" {
			t.Errorf("error = %v", body["error"])
		}
		detail, ok := body["detail"].(map[string]any)
		if !ok || detail["status"] != float64(404) {
			t.Errorf("detail = %v, want upstream body", body["detail"])
		}
	})

	t.Run("Authは詳細を隠して500を返すこと", func(t *testing.T) {
		t.Parallel()

		fwd := &fakeForwarder{result: &forward.Result{Failure: &forward.Failure{
			Kind:    forward.KindAuth,
			Message: "アクセストークンの取得に失敗: invalid_client",
		}}}
		s := newTestServer(t, fwd, Options{})

		w := serve(s, http.MethodPost, "/messages/correlation", `{}`)
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusInternalServerError)
		}
		if strings.Contains(w.Body.String(), "invalid_client") {
			t.Errorf("内部の詳細がレスポンスに含まれている: %s", w.Body.String())
		}
		body := decodeBody(t, w)
		if body["error"] != internalErrorMessage {
			t.Errorf("error = %v, want %q", body["error"], internalErrorMessage)
		}
	})

	t.Run("Networkは503とRetry-Afterを返すこと", func(t *testing.T) {
		t.Parallel()

		fwd := &fakeForwarder{result: &forward.Result{Failure: &forward.Failure{
			Kind:    forward.KindNetwork,
			Message: "connection refused",
		}}}
		s := newTestServer(t, fwd, Options{})

		w := serve(s, http.MethodPost, "/messages/publication", `{}`)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
		if w.Header().Get("Retry-After") == "" {
			t.Error("Retry-Afterが設定されていない")
		}
	})

	t.Run("転送がエラーを返した場合は500を返すこと", func(t *testing.T) {
		t.Parallel()

		fwd := &fakeForwarder{err: errors.New("marshal failed")}
		s := newTestServer(t, fwd, Options{})

		w := serve(s, http.MethodPost, "/process-instances", `{}`)
		if w.Code != http.StatusInternalServerError {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusInternalServerError)
		}
	})

	t.Run("大きすぎるボディは413を返し転送しないこと", func(t *testing.T) {
		t.Parallel()

		fwd := &fakeForwarder{}
		s := newTestServer(t, fwd, Options{})

		w := serve(s, http.MethodPost, "/process-instances", strings.Repeat("a", maxRequestBodySize+1))
		if w.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusRequestEntityTooLarge)
		}
		if fwd.calls() != 0 {
			t.Errorf("Forwardの呼び出し回数 = %d, want 0", fwd.calls())
		}
	})
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		failure forward.Failure
		want    int
	}{
		{name: "Auth", failure: forward.Failure{Kind: forward.KindAuth, StatusCode: 401}, want: 500},
		{name: "Config", failure: forward.Failure{Kind: forward.KindConfig}, want: 500},
		{name: "Unknown", failure: forward.Failure{Kind: forward.KindUnknown, StatusCode: 418}, want: 500},
		{name: "NotFound", failure: forward.Failure{Kind: forward.KindNotFound, StatusCode: 404}, want: 404},
		{name: "NotFound（RPC）", failure: forward.Failure{Kind: forward.KindNotFound}, want: 404},
		{name: "Validation 422", failure: forward.Failure{Kind: forward.KindValidation, StatusCode: 422}, want: 422},
		{name: "Validation（RPC）", failure: forward.Failure{Kind: forward.KindValidation}, want: 400},
		{name: "Conflict", failure: forward.Failure{Kind: forward.KindConflict, StatusCode: 409}, want: 409},
		{name: "Upstream5xx 503", failure: forward.Failure{Kind: forward.KindUpstream5xx, StatusCode: 503}, want: 503},
		{name: "Upstream5xx（RPC）", failure: forward.Failure{Kind: forward.KindUpstream5xx}, want: 502},
		{name: "Network", failure: forward.Failure{Kind: forward.KindNetwork}, want: 503},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := StatusFor(&tt.failure); got != tt.want {
				t.Errorf("StatusFor() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestServer_Middleware(t *testing.T) {
	t.Parallel()

	t.Run("JWTが設定されている場合はトークン無しのリクエストを転送しないこと", func(t *testing.T) {
		t.Parallel()

		fwd := &fakeForwarder{}
		s := newTestServer(t, fwd, Options{JWTSecret: testJWTSecret})

		w := serve(s, http.MethodPost, "/messages/correlation", `{}`)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if fwd.calls() != 0 {
			t.Errorf("Forwardの呼び出し回数 = %d, want 0", fwd.calls())
		}
	})

	t.Run("有効なJWTでは転送されること", func(t *testing.T) {
		t.Parallel()

		token, err := middleware.GenerateJWT(testJWTSecret, "order-service", time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}
		fwd := &fakeForwarder{}
		s := newTestServer(t, fwd, Options{JWTSecret: testJWTSecret})

		w := serve(s, http.MethodPost, "/messages/correlation", `{}`, "Authorization", "Bearer "+token)
		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if fwd.calls() != 1 {
			t.Errorf("Forwardの呼び出し回数 = %d, want 1", fwd.calls())
		}
	})

	t.Run("スコープ確認が有効な場合はルートごとのスコープを要求すること", func(t *testing.T) {
		t.Parallel()

		tests := []struct {
			name   string
			scopes []string
			method string
			path   string
			want   int
		}{
			{name: "参照スコープで参照系", scopes: []string{ScopeRead}, method: http.MethodGet, path: "/process-instances/1", want: http.StatusOK},
			{name: "参照スコープで検索", scopes: []string{ScopeRead}, method: http.MethodPost, path: "/process-instances/search", want: http.StatusOK},
			{name: "参照スコープで更新系", scopes: []string{ScopeRead}, method: http.MethodPost, path: "/process-instances", want: http.StatusForbidden},
			{name: "更新スコープで更新系", scopes: []string{ScopeWrite}, method: http.MethodPost, path: "/process-instances", want: http.StatusOK},
			{name: "更新スコープで参照系", scopes: []string{ScopeWrite}, method: http.MethodGet, path: "/process-definitions/1/xml", want: http.StatusOK},
			{name: "スコープなし", scopes: nil, method: http.MethodPost, path: "/messages/correlation", want: http.StatusForbidden},
		}

		for _, tt := range tests {
			token, err := middleware.GenerateJWT(testJWTSecret, "order-service", time.Hour, tt.scopes...)
			if err != nil {
				t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
			}
			fwd := &fakeForwarder{}
			s := newTestServer(t, fwd, Options{JWTSecret: testJWTSecret, EnforceScopes: true})

			w := serve(s, tt.method, tt.path, `{}`, "Authorization", "Bearer "+token)
			if w.Code != tt.want {
				t.Errorf("%s: ステータスコード = %d, want %d", tt.name, w.Code, tt.want)
			}
			wantCalls := 0
			if tt.want == http.StatusOK {
				wantCalls = 1
			}
			if fwd.calls() != wantCalls {
				t.Errorf("%s: Forwardの呼び出し回数 = %d, want %d", tt.name, fwd.calls(), wantCalls)
			}
		}
	})

	t.Run("監査ログの参照には監査スコープが必要であること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, &fakeForwarder{}, Options{JWTSecret: testJWTSecret, EnforceScopes: true, Audit: &fakeAudit{}})

		writer, _ := middleware.GenerateJWT(testJWTSecret, "order-service", time.Hour, ScopeWrite)
		if w := serve(s, http.MethodGet, "/audit/forwards", "", "Authorization", "Bearer "+writer); w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusForbidden)
		}
		auditor, _ := middleware.GenerateJWT(testJWTSecret, "operator", time.Hour, ScopeAudit)
		if w := serve(s, http.MethodGet, "/audit/forwards", "", "Authorization", "Bearer "+auditor); w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("スコープ確認が無効な場合はスコープなしのJWTでも転送されること", func(t *testing.T) {
		t.Parallel()

		token, err := middleware.GenerateJWT(testJWTSecret, "order-service", time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}
		fwd := &fakeForwarder{}
		s := newTestServer(t, fwd, Options{JWTSecret: testJWTSecret})

		w := serve(s, http.MethodPost, "/process-instances", `{}`, "Authorization", "Bearer "+token)
		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("ヘルスチェックは認証不要であること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, &fakeForwarder{}, Options{JWTSecret: testJWTSecret})

		w := serve(s, http.MethodGet, "/health", "")
		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if body := decodeBody(t, w); body["status"] != "ok" {
			t.Errorf("status = %v, want %q", body["status"], "ok")
		}
	})

	t.Run("レート制限を超えたリクエストは429になること", func(t *testing.T) {
		t.Parallel()

		fwd := &fakeForwarder{}
		s := newTestServer(t, fwd, Options{RateLimiter: middleware.NewRateLimiter(1, 1)})

		if w := serve(s, http.MethodGet, "/process-instances/1", ""); w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if w := serve(s, http.MethodGet, "/process-instances/1", ""); w.Code != http.StatusTooManyRequests {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusTooManyRequests)
		}
		if fwd.calls() != 1 {
			t.Errorf("Forwardの呼び出し回数 = %d, want 1", fwd.calls())
		}
	})

	t.Run("レスポンスにリクエストIDが付与されること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, &fakeForwarder{}, Options{})

		w := serve(s, http.MethodGet, "/health", "")
		if w.Header().Get(middleware.HeaderRequestID) == "" {
			t.Error("リクエストIDが付与されていない")
		}
	})
}

// fakeAudit はAuditLogのスタブ。
type fakeAudit struct {
	filter  audit.Filter
	entries []audit.Entry
	err     error
}

func (f *fakeAudit) List(_ context.Context, filter audit.Filter) ([]audit.Entry, error) {
	f.filter = filter
	return f.entries, f.err
}

func TestServer_ListAudit(t *testing.T) {
	t.Parallel()

	t.Run("条件を渡して転送記録を返すこと", func(t *testing.T) {
		t.Parallel()

		log := &fakeAudit{entries: []audit.Entry{{
			ID:         "e1",
			Operation:  endpoint.OpGetProcessInstance,
			StatusCode: 404,
			Kind:       "not_found",
			Elapsed:    12 * time.Millisecond,
		}}}
		s := newTestServer(t, &fakeForwarder{}, Options{Audit: log})

		w := serve(s, http.MethodGet, "/audit/forwards?operation=get-process-instance&failures=true&limit=5", "")
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if log.filter.Operation != endpoint.OpGetProcessInstance || !log.filter.FailuresOnly || log.filter.Limit != 5 {
			t.Errorf("filter = %+v", log.filter)
		}

		body := decodeBody(t, w)
		entries, ok := body["entries"].([]any)
		if !ok || len(entries) != 1 {
			t.Fatalf("entries = %v, want 1 entry", body["entries"])
		}
		first, _ := entries[0].(map[string]any)
		if first["elapsed_ms"] != float64(12) {
			t.Errorf("elapsed_ms = %v, want 12", first["elapsed_ms"])
		}
	})

	t.Run("limitが不正な場合は400を返すこと", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, &fakeForwarder{}, Options{Audit: &fakeAudit{}})

		w := serve(s, http.MethodGet, "/audit/forwards?limit=abc", "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("監査ログが無い場合はルートが存在しないこと", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, &fakeForwarder{}, Options{})

		w := serve(s, http.MethodGet, "/audit/forwards", "")
		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}
