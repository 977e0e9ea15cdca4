// Package httpclient は上流サービスへのHTTP通信を行うクライアントを提供する。
//
// アイデンティティプロバイダへのトークン取得と、ワークフローエンジンへの
// リクエスト転送の両方で使用する。レスポンスボディは解釈せずにバイト列のまま返し、
// ステータスコードの判定は呼び出し側に委ねる。
package httpclient
