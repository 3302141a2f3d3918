package contract

import (
	"context"
	"io"
)

// Assembler: 将已封闭的记录序列序列化为自包含的记录流（每条可独立寻址，无跨记录引用）。
// 约束：
//  1. 保持输入顺序；
//  2. id/anchor/label/extra 原样输出；
//  3. 不引入跨文档状态。
type Assembler interface {
	Assemble(ctx context.Context, doc DocID, recs []SegmentRecord) (io.Reader, error)
}
