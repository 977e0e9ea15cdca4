package endpoint

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// ConfigError は未登録の操作やパラメータの不整合など、設定・プログラムの誤りを表す。
// 実行時の状況によって発生するものではない。
type ConfigError struct {
	// Operation は対象の操作名。
	Operation string
	// Reason は誤りの内容。
	Reason string
}

// Error はエラーメッセージを返す。
func (e *ConfigError) Error() string {
	if e.Operation == "" {
		return "操作定義が不正: " + e.Reason
	}
	return fmt.Sprintf("操作 %q の定義が不正: %s", e.Operation, e.Reason)
}

// Target は解決済みの呼び出し先。
type Target struct {
	// Operation は操作定義。
	Operation Operation
	// Method はHTTPメソッド。
	Method string
	// URL はパラメータを置換した絶対URL。RPC操作では空。
	URL string
	// Params は置換に使ったパラメータ（エスケープ前）。
	Params []string
}

// compiledOperation はテンプレートを分解済みの操作定義。
type compiledOperation struct {
	op Operation
	// literals はプレースホルダで区切られた固定部分。要素数はプレースホルダ数+1。
	literals []string
}

func (c compiledOperation) placeholders() int {
	return len(c.literals) - 1
}

// Registry は操作名から上流の呼び出し先を解決する。
// 生成後は読み取り専用で、複数goroutineから安全に使用できる。
type Registry struct {
	bases map[string]string
	ops   map[string]compiledOperation
}

// allowedMethods はHTTP操作に指定できるメソッド。
var allowedMethods = map[string]struct{}{
	http.MethodGet:    {},
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodPatch:  {},
	http.MethodDelete: {},
}

// NewRegistry は上流のベースURLと操作定義からRegistryを生成する。
// 定義に誤りがある場合はConfigErrorを返す。
func NewRegistry(bases map[string]string, ops []Operation) (*Registry, error) {
	r := &Registry{
		bases: make(map[string]string, len(bases)),
		ops:   make(map[string]compiledOperation, len(ops)),
	}

	for name, base := range bases {
		base = strings.TrimSpace(base)
		u, err := url.Parse(base)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, &ConfigError{Reason: fmt.Sprintf("上流 %q のベースURLが不正: %q", name, base)}
		}
		r.bases[name] = strings.TrimRight(base, "/")
	}

	for _, op := range ops {
		op = op.normalized()
		if op.Name == "" {
			return nil, &ConfigError{Reason: "操作名が空です"}
		}
		if _, dup := r.ops[op.Name]; dup {
			return nil, &ConfigError{Operation: op.Name, Reason: "操作名が重複しています"}
		}

		switch op.Transport {
		case TransportHTTP:
			if _, ok := allowedMethods[op.Method]; !ok {
				return nil, &ConfigError{Operation: op.Name, Reason: fmt.Sprintf("HTTPメソッド %q は使用できません", op.Method)}
			}
			if _, ok := r.bases[op.Upstream]; !ok {
				return nil, &ConfigError{Operation: op.Name, Reason: fmt.Sprintf("上流 %q のベースURLが設定されていません", op.Upstream)}
			}
			if !strings.HasPrefix(op.Path, "/") {
				op.Path = "/" + op.Path
			}
		case TransportRPC:
		default:
			return nil, &ConfigError{Operation: op.Name, Reason: fmt.Sprintf("呼び出し方式 %q は使用できません", op.Transport)}
		}

		literals, err := splitTemplate(op.Path)
		if err != nil {
			return nil, &ConfigError{Operation: op.Name, Reason: err.Error()}
		}
		r.ops[op.Name] = compiledOperation{op: op, literals: literals}
	}

	return r, nil
}

// Resolve は操作名とパラメータから呼び出し先を解決する。
// パラメータは順番にプレースホルダへ置換され、それぞれURLパスとしてエスケープされる。
// 未登録の操作、パラメータ数の不一致、空のパラメータはConfigErrorになる。
func (r *Registry) Resolve(name string, params []string) (Target, error) {
	c, ok := r.ops[name]
	if !ok {
		return Target{}, &ConfigError{Operation: name, Reason: "未登録の操作です"}
	}
	if len(params) != c.placeholders() {
		return Target{}, &ConfigError{
			Operation: name,
			Reason:    fmt.Sprintf("パラメータ数が一致しません (want %d, got %d)", c.placeholders(), len(params)),
		}
	}
	for i, p := range params {
		if strings.TrimSpace(p) == "" {
			return Target{}, &ConfigError{Operation: name, Reason: fmt.Sprintf("%d番目のパラメータが空です", i+1)}
		}
	}

	target := Target{
		Operation: c.op,
		Method:    c.op.Method,
		Params:    append([]string(nil), params...),
	}
	if c.op.IsRPC() {
		return target, nil
	}

	var b strings.Builder
	b.WriteString(r.bases[c.op.Upstream])
	for i, lit := range c.literals {
		b.WriteString(lit)
		if i < len(params) {
			b.WriteString(url.PathEscape(params[i]))
		}
	}
	target.URL = b.String()
	return target, nil
}

// Operation は操作定義を返す。
func (r *Registry) Operation(name string) (Operation, bool) {
	c, ok := r.ops[name]
	return c.op, ok
}

// Names は登録済みの操作名を昇順で返す。
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// splitTemplate はパステンプレートをプレースホルダで分割する。
func splitTemplate(tmpl string) ([]string, error) {
	var literals []string
	rest := tmpl
	for {
		open := strings.IndexByte(rest, '{')
		closeIdx := strings.IndexByte(rest, '}')
		if open < 0 {
			if closeIdx >= 0 {
				return nil, fmt.Errorf("テンプレート %q の括弧が対応していません", tmpl)
			}
			literals = append(literals, rest)
			return literals, nil
		}
		if closeIdx < open {
			return nil, fmt.Errorf("テンプレート %q の括弧が対応していません", tmpl)
		}
		if nested := strings.IndexByte(rest[open+1:closeIdx], '{'); nested >= 0 {
			return nil, fmt.Errorf("テンプレート %q のプレースホルダが入れ子になっています", tmpl)
		}
		literals = append(literals, rest[:open])
		rest = rest[closeIdx+1:]
	}
}
