package forward

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

// Request は1回の転送要求。呼び出しごとに生成し、呼び出し間で共有しない。
type Request struct {
	// Operation は操作名。
	Operation string
	// PathParams はURLテンプレートに順番に置換するパラメータ。
	PathParams []string
	// Query は上流URLに付与するクエリ文字列。
	Query url.Values
	// Header は上流に転送するヘッダー。Authorizationは常に上書きされる。
	Header http.Header
	// Body は転送する未加工のボディ。
	Body []byte
	// Value はBodyが空の場合にJSONへシリアライズして転送する値。
	Value any
}

// NewJSONRequest は構造化された値をボディに持つ転送要求を生成する。
func NewJSONRequest(operation string, value any, params ...string) (Request, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return Request{}, fmt.Errorf("リクエストボディのシリアライズに失敗: %w", err)
	}
	return Request{Operation: operation, PathParams: params, Body: body}, nil
}

// Result は転送結果。Failureがnilなら成功、非nilなら失敗を表す。
type Result struct {
	// StatusCode は上流のHTTPステータス。応答を受け取れなかった場合は0。
	StatusCode int
	// ContentType は上流レスポンスのContent-Type。
	ContentType string
	// Body は成功時の上流レスポンスボディ（未加工）。
	Body []byte
	// Failure は失敗内容。成功時はnil。
	Failure *Failure
}

// Succeeded は成功したかどうかを返す。
func (r *Result) Succeeded() bool {
	return r.Failure == nil
}

// Failure は分類済みの失敗。
type Failure struct {
	// Kind は失敗の種別。
	Kind ErrorKind
	// StatusCode は上流のHTTPステータス。応答を受け取れなかった場合は0。
	StatusCode int
	// Message は失敗内容の説明。
	Message string
	// RawBody は診断用に保持した上流レスポンスボディ。
	RawBody []byte
}

// Error はエラーメッセージを返す。
func (f *Failure) Error() string {
	if f.StatusCode != 0 {
		return fmt.Sprintf("%s (HTTP %d): %s", f.Kind, f.StatusCode, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// failed は失敗結果を生成する。
func failed(kind ErrorKind, status int, message string, rawBody []byte) *Result {
	return &Result{
		StatusCode: status,
		Failure: &Failure{
			Kind:       kind,
			StatusCode: status,
			Message:    message,
			RawBody:    rawBody,
		},
	}
}
