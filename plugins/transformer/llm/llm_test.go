package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmdx/pkg/contract"
	"llmdx/plugins/llmclient/mock"
)

type llmFunc func(ctx context.Context, p contract.Prompt) (contract.Raw, error)

func (f llmFunc) Invoke(ctx context.Context, p contract.Prompt) (contract.Raw, error) {
	return f(ctx, p)
}

func recs() []contract.SegmentRecord {
	return []contract.SegmentRecord{
		{ID: 3, Anchor: 4, Label: "Qualité de l'eau", Text: "pH 7,2", Extra: contract.Meta{"k": "v"}},
		{ID: 4, Anchor: 5, Label: "Qualité de l'eau", Text: "turbidité"},
	}
}

func TestTransformBatchWithMock(t *testing.T) {
	c, _ := mock.New(nil)
	tr, err := New(c, "en", nil)
	require.NoError(t, err)
	in := recs()
	out, err := tr.TransformBatch(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out, 2)
	for i := range in {
		assert.NoError(t, contract.CheckAnchor(i, in[i], out[i]))
	}
	assert.Equal(t, "MOCK: pH 7,2", out[0].Text)
	assert.Equal(t, "v", out[0].Extra["k"])
	assert.Equal(t, "pH 7,2", in[0].Text)

	s, err := tr.Transform(context.Background(), "bonjour")
	require.NoError(t, err)
	assert.Equal(t, "MOCK: bonjour", s)
	assert.Positive(t, tr.OverheadTokens(func(s string) int { return len(s) }))
}

func TestTransformBatchErrors(t *testing.T) {
	short := llmFunc(func(context.Context, contract.Prompt) (contract.Raw, error) {
		return contract.Raw{Text: `[{"id":3,"text":"a"}]`}, nil
	})
	tr, _ := New(short, "en", nil)
	_, err := tr.TransformBatch(context.Background(), recs())
	assert.ErrorIs(t, err, contract.ErrResponseInvalid)
	assert.Contains(t, err.Error(), "3 attempts")

	limited := llmFunc(func(context.Context, contract.Prompt) (contract.Raw, error) {
		return contract.Raw{}, contract.ErrRateLimited
	})
	tr, _ = New(limited, "en", nil)
	_, err = tr.TransformBatch(context.Background(), recs())
	assert.True(t, errors.Is(err, contract.ErrRateLimited))

	_, err = New(nil, "en", nil)
	assert.ErrorIs(t, err, contract.ErrInvalidInput)
}

func TestReorderedOutputMatchedByID(t *testing.T) {
	swapped := llmFunc(func(context.Context, contract.Prompt) (contract.Raw, error) {
		return contract.Raw{Text: `[{"id":4,"text":"b"},{"id":3,"text":"a"}]`}, nil
	})
	tr, _ := New(swapped, "en", nil)
	in := recs()
	out, err := tr.TransformBatch(context.Background(), in)
	require.NoError(t, err)
	for i := range in {
		assert.NoError(t, contract.CheckAnchor(i, in[i], out[i]))
	}
	assert.Equal(t, "a", out[0].Text)
	assert.Equal(t, "b", out[1].Text)
}

func TestUnknownOrDuplicateIDsRejected(t *testing.T) {
	for _, body := range []string{
		`[{"id":3,"text":"a"},{"id":7,"text":"b"}]`,
		`[{"id":3,"text":"a"},{"id":3,"text":"b"}]`,
	} {
		calls := 0
		bad := llmFunc(func(context.Context, contract.Prompt) (contract.Raw, error) {
			calls++
			return contract.Raw{Text: body}, nil
		})
		tr, _ := New(bad, "en", nil, WithAttempts(2))
		_, err := tr.TransformBatch(context.Background(), recs())
		assert.ErrorIs(t, err, contract.ErrResponseInvalid, body)
		assert.Equal(t, 2, calls, body)
	}
}

func TestInvalidReplyRetried(t *testing.T) {
	calls := 0
	flaky := llmFunc(func(context.Context, contract.Prompt) (contract.Raw, error) {
		calls++
		if calls == 1 {
			return contract.Raw{Text: "sorry, I cannot"}, nil
		}
		return contract.Raw{Text: `[{"id":3,"text":"a"},{"id":4,"text":"b"}]`}, nil
	})
	tr, _ := New(flaky, "en", nil)
	out, err := tr.TransformBatch(context.Background(), recs())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "b", out[1].Text)

	// 客户端错误不在此重试
	calls = 0
	down := llmFunc(func(context.Context, contract.Prompt) (contract.Raw, error) {
		calls++
		return contract.Raw{}, contract.ErrServiceUnavailable
	})
	tr, _ = New(down, "en", nil)
	_, err = tr.TransformBatch(context.Background(), recs())
	assert.ErrorIs(t, err, contract.ErrServiceUnavailable)
	assert.Equal(t, 1, calls)
}
