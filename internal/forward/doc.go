// Package forward は論理的な操作を1回の上流呼び出しとして実行する。
//
// 呼び出しごとにキャッシュ済みのベアラートークンを付与し、操作表で解決したURLへ
// リクエストボディを解釈せずに転送する。2xxのレスポンスはボディをそのまま返し、
// それ以外は固定の種別（ErrorKind）に分類したFailureとして返す。
// 上流の4xx/5xxに対する自動リトライは行わない。
package forward
