// Package gateway はワークフローエンジンの前段に置く認証付き転送ゲートウェイのHTTP層。
//
// 受信したリクエストを操作名とパスパラメータに変換してforward.Forwarderに渡し、
// 転送結果をHTTPレスポンスに変換する。上流の呼び出しに必要なトークンの取得と付与は
// Forwarderが担い、この層は呼び出し元の認証（任意）、流量制限、ログ、メトリクスのみを扱う。
package gateway
