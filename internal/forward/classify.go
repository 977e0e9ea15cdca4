package forward

import (
	"context"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorKind は転送失敗の種別。
type ErrorKind string

const (
	// KindAuth はトークンを取得できなかった、または上流が認証・認可を拒否したことを表す。
	KindAuth ErrorKind = "auth"
	// KindNotFound は対象が存在しないことを表す。
	KindNotFound ErrorKind = "not_found"
	// KindValidation はリクエスト内容が不正なことを表す。
	KindValidation ErrorKind = "validation"
	// KindConflict は対象の状態と競合したことを表す。
	KindConflict ErrorKind = "conflict"
	// KindUpstream5xx は上流がサーバーエラーを返したことを表す。
	KindUpstream5xx ErrorKind = "upstream_5xx"
	// KindNetwork は上流から応答を受け取れなかったことを表す。
	KindNetwork ErrorKind = "network"
	// KindConfig は操作定義やパラメータの誤りを表す。
	KindConfig ErrorKind = "config"
	// KindUnknown は上記のいずれにも当てはまらないことを表す。
	KindUnknown ErrorKind = "unknown"
)

// Kinds は全ての種別を返す。
func Kinds() []ErrorKind {
	return []ErrorKind{KindAuth, KindNotFound, KindValidation, KindConflict, KindUpstream5xx, KindNetwork, KindConfig, KindUnknown}
}

// Classify は上流のHTTPステータスと通信エラーを種別に分類する。
// 全ての入力に対して決定的に1つの種別を返す。transportErrが非nilの場合はステータスに関係なくKindNetwork。
func Classify(statusCode int, transportErr error) ErrorKind {
	if transportErr != nil {
		return KindNetwork
	}
	switch {
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return KindAuth
	case statusCode == http.StatusNotFound:
		return KindNotFound
	case statusCode == http.StatusBadRequest, statusCode == http.StatusUnprocessableEntity:
		return KindValidation
	case statusCode == http.StatusConflict:
		return KindConflict
	case statusCode >= 500 && statusCode <= 599:
		return KindUpstream5xx
	default:
		return KindUnknown
	}
}

// ClassifyRPC はRPC呼び出しのエラーを種別に分類する。
func ClassifyRPC(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	st, ok := status.FromError(err)
	if !ok {
		return KindUnknown
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return KindAuth
	case codes.NotFound:
		return KindNotFound
	case codes.InvalidArgument, codes.OutOfRange:
		return KindValidation
	case codes.AlreadyExists, codes.FailedPrecondition, codes.Aborted:
		return KindConflict
	case codes.Internal, codes.DataLoss, codes.Unimplemented, codes.ResourceExhausted:
		return KindUpstream5xx
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return KindNetwork
	default:
		return KindUnknown
	}
}
