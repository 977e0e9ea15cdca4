package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// jwtIssuer はゲートウェイが発行・受理するJWTの発行者。
const jwtIssuer = "flowgate"

// contextKeySubject は認証済み呼び出し元をGinコンテキストに格納するキー。
const contextKeySubject = "subject"

// contextKeyScopes は認証済み呼び出し元のスコープをGinコンテキストに格納するキー。
const contextKeyScopes = "scopes"

// JWTClaims は呼び出し元JWTのクレーム。
type JWTClaims struct {
	jwt.RegisteredClaims
	// Scopes は呼び出し元に許可された操作の範囲。
	Scopes []string `json:"scopes,omitempty"`
}

// GenerateJWT は呼び出し元向けのJWTを生成する。ttlが0以下の場合は24時間。
func GenerateJWT(secret, subject string, ttl time.Duration, scopes ...string) (string, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    jwtIssuer,
		},
		Scopes: scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// JWTAuth は呼び出し元のJWTを検証するGinミドルウェアを返す。
// 検証に成功した場合、コンテキストに呼び出し元のsubjectを設定する。
// ここで検証したAuthorizationヘッダーは上流には転送されない。
func JWTAuth(secret string) gin.HandlerFunc {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(jwtIssuer),
		jwt.WithExpirationRequired(),
	)

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorizationヘッダーが必要です",
			})
			return
		}

		tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
		if !found {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer トークン形式が不正です",
			})
			return
		}

		claims := &JWTClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			msg := "トークンが無効です"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "トークンの有効期限が切れています"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		c.Set(contextKeySubject, claims.Subject)
		c.Set(contextKeyScopes, claims.Scopes)
		c.Next()
	}
}

// RequireScope は呼び出し元がscopesのいずれかを持つことを要求するGinミドルウェアを返す。
// JWTAuthの後に適用する。持っていない場合は403を返す。
func RequireScope(scopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		granted := GetScopes(c)
		for _, want := range scopes {
			for _, have := range granted {
				if have == want {
					c.Next()
					return
				}
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": fmt.Sprintf("この操作にはスコープ %s が必要です", strings.Join(scopes, " または ")),
		})
	}
}

// GetScopes はGinコンテキストから認証済み呼び出し元のスコープを取得する。
func GetScopes(c *gin.Context) []string {
	if v, ok := c.Get(contextKeyScopes); ok {
		if s, ok := v.([]string); ok {
			return s
		}
	}
	return nil
}

// GetSubject はGinコンテキストから認証済み呼び出し元を取得する。
// JWTAuthが適用されていない場合は空文字列を返す。
func GetSubject(c *gin.Context) string {
	if v, ok := c.Get(contextKeySubject); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
