package contract

import (
	"context"
	"io"
)

// Splitter: 文档转换步骤的适配层，将单文档字节流转为有序 SegmentRecord 序列。
// 约束：
// 1) 不跨文档合并；
// 2) 输出时锚点已为最终值，下游不再改写；
// 3) 无内部并发、幂等。
type Splitter interface {
	Split(ctx context.Context, doc DocID, r io.Reader) ([]SegmentRecord, error)
}
