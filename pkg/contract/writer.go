package contract

import (
	"context"
	"io"
)

// ArtifactID: 持久化工件标识（记录流、元数据、报告）。
type ArtifactID string

// Writer: 将工件以流式方式持久化到目标介质。
// 约束：
//  1. 同一 ArtifactID 单写者；
//  2. 按字节透传，不读取/修改业务内容；
//  3. ctx 取消/超时需尽快返回；
//  4. 失败时不得留下部分写入的目标文件（由实现保证，例如临时文件 + rename）。
type Writer interface {
	Write(ctx context.Context, id ArtifactID, r io.Reader) error
}
