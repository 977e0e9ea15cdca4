package credential

import (
	"errors"
	"fmt"
	"time"
)

// Credential はアイデンティティプロバイダから取得したベアラートークン。
// 生成後は不変で、再取得時には丸ごと置き換えられる。
type Credential struct {
	// Token は不透明なアクセストークン文字列。
	Token string
	// IssuedAt はトークン取得要求を発行した時刻。
	IssuedAt time.Time
	// ExpiresAt はIssuedAtにプロバイダが返したTTLを足した時刻。
	ExpiresAt time.Time
}

// UsableAt は時刻nowにおいて安全マージンを考慮してトークンが使用可能かを返す。
// now < ExpiresAt - margin の間だけ使用可能。
func (c Credential) UsableAt(now time.Time, margin time.Duration) bool {
	if c.Token == "" {
		return false
	}
	return now.Before(c.ExpiresAt.Add(-margin))
}

// AuthorizationHeader はAuthorizationヘッダーの値を返す。
func (c Credential) AuthorizationHeader() string {
	return "Bearer " + c.Token
}

// String はトークン本体を含めない表現を返す。ログ出力で誤ってトークンを漏らさないため。
func (c Credential) String() string {
	return fmt.Sprintf("Credential{expires_at=%s}", c.ExpiresAt.Format(time.RFC3339))
}

// AuthError はトークンを取得できなかったことを表す。
type AuthError struct {
	// StatusCode はアイデンティティプロバイダのHTTPステータス。応答が無い場合は0。
	StatusCode int
	// Message は失敗内容の説明。
	Message string
	// Err は原因となったエラー。
	Err error
}

// Error はエラーメッセージを返す。
func (e *AuthError) Error() string {
	msg := "アクセストークンの取得に失敗"
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap は原因となったエラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsAuthError はerrがAuthErrorを含むかどうかを返す。
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
