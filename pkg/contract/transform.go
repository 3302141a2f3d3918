package contract

import (
	"context"
	"errors"
)

// ErrUndetermined: 无法判定源文本形态（检测失败）；上层降级为透传。
var ErrUndetermined = errors.New("source form undetermined")

// Detector: 判定载荷是否需要变换（例如是否已是目标语言）。
type Detector interface {
	NeedsTransform(text string) (bool, error)
}

// Transformer: 纯文本到文本的变换（例如翻译）；不可用时返回 ErrTransformUnavailable。
type Transformer interface {
	Transform(ctx context.Context, text string) (string, error)
}

// BatchTransformer: 可选扩展。一次变换多条记录，返回与输入等长、同序的记录。
// 实现可能错误地改写 id/anchor；调用方必须逐条断言。
type BatchTransformer interface {
	TransformBatch(ctx context.Context, recs []SegmentRecord) ([]SegmentRecord, error)
}
