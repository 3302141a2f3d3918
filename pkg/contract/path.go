package contract

import (
	"path"
	"strings"
)

// NormalizeDocID 规范化路径，统一为跨平台稳定的 DocID。
// 规则：
// - 使用正斜杠分隔符
// - 清理多余分隔符与路径片段（.、..）
// - 保留相对/绝对语义，不做隐式绝对化
func NormalizeDocID(p string) DocID {
	return DocID(path.Clean(strings.ReplaceAll(p, `\`, "/")))
}

// BaseName 返回去掉目录与扩展名后的文档名，用于派生工件名。
func (d DocID) BaseName() string {
	b := path.Base(string(d))
	if ext := path.Ext(b); ext != "" && ext != b {
		b = strings.TrimSuffix(b, ext)
	}
	return b
}
