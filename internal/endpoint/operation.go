// Package endpoint は論理的な操作名を上流のURLとHTTPメソッドに解決する。
//
// 解決は純粋な検索とテンプレート置換のみで、I/Oは行わない。
package endpoint

import (
	"net/http"
	"strings"
)

// 上流の識別名。
const (
	// UpstreamEngine はワークフローエンジンのREST API（コマンド系）。
	UpstreamEngine = "engine"
	// UpstreamOperate はプロセス状態の参照API（クエリ系）。
	UpstreamOperate = "operate"
)

// Transport は操作の呼び出し方式。
type Transport string

const (
	// TransportHTTP はHTTPで呼び出す操作。
	TransportHTTP Transport = "http"
	// TransportRPC はエンジンのRPCクライアントで呼び出す操作。
	TransportRPC Transport = "rpc"
)

// 操作名。
const (
	OpCorrelateMessage        = "correlate-message"
	OpPublishMessage          = "publish-message"
	OpStartProcess            = "start-process"
	OpCancelProcess           = "cancel-process"
	OpMigrateProcess          = "migrate-process"
	OpUpdateElementVariables  = "update-element-variables"
	OpUpdateProcessVariables  = "update-process-variables"
	OpSearchProcessInstances  = "search-process-instances"
	OpSearchVariables         = "search-variables"
	OpGetProcessInstance      = "get-process-instance"
	OpGetProcessDefinition    = "get-process-definition"
	OpGetProcessDefinitionXML = "get-process-definition-xml"
	OpEvaluateDecision        = "evaluate-decision"
)

// Operation は1つの論理的な上流呼び出しの定義。起動時に確定し、以後は変更しない。
type Operation struct {
	// Name は操作名。
	Name string `yaml:"name"`
	// Method はHTTPメソッド。RPC操作では空。
	Method string `yaml:"method"`
	// Upstream は呼び出し先の上流名。ベースURLはRegistryが保持する。
	Upstream string `yaml:"upstream"`
	// Path はベースURLからの相対パステンプレート。{...} が位置パラメータのプレースホルダ。
	Path string `yaml:"path"`
	// RequiresBody はリクエストボディを転送するかどうか。
	RequiresBody bool `yaml:"requires_body"`
	// Accept は上流に送るAcceptヘッダー。空の場合はapplication/json。
	Accept string `yaml:"accept"`
	// Transport は呼び出し方式。空の場合はHTTP。
	Transport Transport `yaml:"transport"`
}

// IsRPC はRPC操作かどうかを返す。
func (o Operation) IsRPC() bool {
	return o.Transport == TransportRPC
}

// normalized は省略値を補完した定義を返す。
func (o Operation) normalized() Operation {
	o.Name = strings.TrimSpace(o.Name)
	o.Method = strings.ToUpper(strings.TrimSpace(o.Method))
	o.Upstream = strings.TrimSpace(o.Upstream)
	if o.Transport == "" {
		o.Transport = TransportHTTP
	}
	if o.Accept == "" && o.Transport == TransportHTTP {
		o.Accept = "application/json"
	}
	return o
}

// DefaultOperations は組み込みの操作表を返す。
func DefaultOperations() []Operation {
	return []Operation{
		{Name: OpCorrelateMessage, Method: http.MethodPost, Upstream: UpstreamEngine, Path: "/messages/correlation", RequiresBody: true},
		{Name: OpPublishMessage, Method: http.MethodPost, Upstream: UpstreamEngine, Path: "/messages/publication", RequiresBody: true},
		{Name: OpStartProcess, Method: http.MethodPost, Upstream: UpstreamEngine, Path: "/process-instances", RequiresBody: true},
		{Name: OpCancelProcess, Method: http.MethodPost, Upstream: UpstreamEngine, Path: "/process-instances/{processInstanceKey}/cancellation"},
		{Name: OpMigrateProcess, Method: http.MethodPost, Upstream: UpstreamEngine, Path: "/process-instances/{processInstanceKey}/migration", RequiresBody: true},
		{Name: OpUpdateElementVariables, Method: http.MethodPut, Upstream: UpstreamEngine, Path: "/element-instances/{elementInstanceKey}/variables", RequiresBody: true},
		{Name: OpUpdateProcessVariables, Upstream: UpstreamEngine, Path: "{processInstanceKey}", RequiresBody: true, Transport: TransportRPC},
		{Name: OpEvaluateDecision, Method: http.MethodPost, Upstream: UpstreamEngine, Path: "/decision-definitions/evaluation", RequiresBody: true},
		{Name: OpSearchProcessInstances, Method: http.MethodPost, Upstream: UpstreamOperate, Path: "/process-instances/search", RequiresBody: true},
		{Name: OpSearchVariables, Method: http.MethodPost, Upstream: UpstreamOperate, Path: "/variables/search", RequiresBody: true},
		{Name: OpGetProcessInstance, Method: http.MethodGet, Upstream: UpstreamOperate, Path: "/process-instances/{key}"},
		{Name: OpGetProcessDefinition, Method: http.MethodGet, Upstream: UpstreamOperate, Path: "/process-definitions/{key}"},
		{Name: OpGetProcessDefinitionXML, Method: http.MethodGet, Upstream: UpstreamOperate, Path: "/process-definitions/{key}/xml", Accept: "text/xml"},
	}
}
