package endpoint

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File は操作表の上書きファイルの内容。
//
//	upstreams:
//	  engine: http://zeebe:8088/v2
//	operations:
//	  - name: start-process
//	    method: POST
//	    upstream: engine
//	    path: /process-instances
//	    requires_body: true
type File struct {
	// Upstreams は上流名ごとのベースURL。
	Upstreams map[string]string `yaml:"upstreams"`
	// Operations は追加・上書きする操作定義。
	Operations []Operation `yaml:"operations"`
}

// ParseFile はYAMLの操作表を解析する。
func ParseFile(data []byte) (File, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return File{}, fmt.Errorf("操作表が空です")
	}
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return File{}, fmt.Errorf("操作表の解析に失敗: %w", err)
	}
	return f, nil
}

// LoadFile はYAMLの操作表をファイルから読み込む。
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("操作表 %s の読み込みに失敗: %w", path, err)
	}
	f, err := ParseFile(data)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Merge はbaseにoverridesを操作名単位で上書き・追加した操作表を返す。
// baseの順序を保ち、新規の操作は末尾に追加する。
func Merge(base, overrides []Operation) []Operation {
	merged := make([]Operation, 0, len(base)+len(overrides))
	index := make(map[string]int, len(base))
	for _, op := range base {
		index[op.Name] = len(merged)
		merged = append(merged, op)
	}
	for _, op := range overrides {
		if i, ok := index[op.Name]; ok {
			merged[i] = op
			continue
		}
		index[op.Name] = len(merged)
		merged = append(merged, op)
	}
	return merged
}

// MergeUpstreams はbaseにoverridesを上書きしたベースURL表を返す。
func MergeUpstreams(base, overrides map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
