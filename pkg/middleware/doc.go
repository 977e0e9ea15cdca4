// Package middleware はゲートウェイの受信側で使用するGinミドルウェアを提供する。
//
// 呼び出し元のJWT検証、リクエストIDの付与、アクセスログ、レート制限、
// パニックリカバリ、CORS設定を含む。
package middleware
