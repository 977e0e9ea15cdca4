package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nao1215/flowgate/pkg/httpclient"
)

// HeaderRequestID はリクエストIDを受け渡すヘッダー。
const HeaderRequestID = httpclient.HeaderRequestID

const contextKeyRequestID = "request_id"

// maxRequestIDLength は受け入れるリクエストIDの最大長。超える場合は生成し直す。
const maxRequestIDLength = 128

// RequestID はリクエストIDを付与するGinミドルウェアを返す。
// 受信したX-Request-IDがあればそれを使い、無ければUUIDを生成する。
// IDはレスポンスヘッダーとリクエストのcontextに設定され、上流への転送にも引き継がれる。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.NewString()
		}

		c.Set(contextKeyRequestID, id)
		c.Request = c.Request.WithContext(httpclient.WithRequestID(c.Request.Context(), id))
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// GetRequestID はGinコンテキストからリクエストIDを取得する。
func GetRequestID(c *gin.Context) string {
	return c.GetString(contextKeyRequestID)
}
