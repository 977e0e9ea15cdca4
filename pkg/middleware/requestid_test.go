package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nao1215/flowgate/pkg/httpclient"
)

// TestRequestID はRequestIDミドルウェアを検証する。
func TestRequestID(t *testing.T) {
	t.Parallel()

	newRouter := func(fromGin, fromCtx *string) *gin.Engine {
		router := gin.New()
		router.Use(RequestID())
		router.GET("/health", func(c *gin.Context) {
			*fromGin = GetRequestID(c)
			*fromCtx = httpclient.RequestIDFrom(c.Request.Context())
			c.Status(http.StatusOK)
		})
		return router
	}

	t.Run("受信したリクエストIDを引き継ぐこと", func(t *testing.T) {
		t.Parallel()

		var fromGin, fromCtx string
		router := newRouter(&fromGin, &fromCtx)

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(HeaderRequestID, "caller-id-1")
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if got := w.Header().Get(HeaderRequestID); got != "caller-id-1" {
			t.Errorf("%s = %q, want %q", HeaderRequestID, got, "caller-id-1")
		}
		if fromGin != "caller-id-1" || fromCtx != "caller-id-1" {
			t.Errorf("リクエストID = (%q, %q), want caller-id-1", fromGin, fromCtx)
		}
	})

	t.Run("リクエストIDが無い場合はUUIDを生成すること", func(t *testing.T) {
		t.Parallel()

		var fromGin, fromCtx string
		router := newRouter(&fromGin, &fromCtx)

		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		got := w.Header().Get(HeaderRequestID)
		if _, err := uuid.Parse(got); err != nil {
			t.Errorf("%s = %q はUUIDではない: %v", HeaderRequestID, got, err)
		}
		if fromCtx != got {
			t.Errorf("contextのリクエストID = %q, want %q", fromCtx, got)
		}
	})

	t.Run("長すぎるリクエストIDは生成し直すこと", func(t *testing.T) {
		t.Parallel()

		var fromGin, fromCtx string
		router := newRouter(&fromGin, &fromCtx)

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(HeaderRequestID, strings.Repeat("x", maxRequestIDLength+1))
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		if _, err := uuid.Parse(fromGin); err != nil {
			t.Errorf("リクエストID = %q はUUIDではない", fromGin)
		}
	})
}
