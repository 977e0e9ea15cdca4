// Package credential はワークフローエンジン呼び出し用のベアラートークンを取得・キャッシュする。
//
// トークンはclient credentialsグラントでアイデンティティプロバイダから取得し、
// 有効期限から安全マージンを引いた時刻まで再利用する。期限切れ時の再取得は
// 同時に何件の呼び出しがあっても1回だけ実行され、全員がその結果を受け取る。
// トークンはプロセスメモリにのみ保持し、再起動で失われる。
package credential
