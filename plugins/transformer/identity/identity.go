// Package identity 提供原样返回的变换器。
package identity

import (
	"context"
	"encoding/json"

	"llmdx/pkg/contract"
)

type transformer struct{}

// New 构造恒等变换器（忽略选项）。
func New(json.RawMessage) (contract.Transformer, error) { return transformer{}, nil }

func (transformer) Transform(ctx context.Context, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return text, nil
}
