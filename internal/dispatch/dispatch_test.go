package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmdx/internal/archetype"
	"llmdx/internal/invoke"
	"llmdx/internal/rate"
	"llmdx/pkg/contract"
)

func store(t *testing.T, recs ...contract.SegmentRecord) *contract.Store {
	t.Helper()
	b := contract.NewStoreBuilder("esia.pdf")
	require.NoError(t, b.AppendAll(recs))
	s, err := b.Close()
	require.NoError(t, err)
	return s
}

func index(t *testing.T) *archetype.Index {
	t.Helper()
	cat, err := contract.NewCatalog([]contract.Template{
		{Sector: "water", Subsections: []contract.Subsection{
			{Name: "water_quality_monitoring", Descriptors: []string{"Water Quality"}, Fields: []string{"parameter", "value"}},
			{Name: "hydrology", Descriptors: []string{"Hydrology"}},
		}},
		{Sector: "noise", Subsections: []contract.Subsection{{Name: "noise_vibration", Descriptors: []string{"Noise and Vibration"}}}},
		{Sector: "social", Subsections: []contract.Subsection{{Name: "community_health", Descriptors: []string{"Community Health"}}}},
	})
	require.NoError(t, err)
	return archetype.New(cat, archetype.Options{})
}

func invoker() *invoke.Invoker {
	return invoke.New(invoke.Policy{InitialDelay: time.Millisecond, Multiplier: 2, MaxAttempts: 3}, nil,
		invoke.WithSleeper(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
}

// extractorFunc 适配函数为 contract.Extractor。
type extractorFunc func(ctx context.Context, req contract.ExtractionRequest) (contract.Facts, error)

func (f extractorFunc) Extract(ctx context.Context, req contract.ExtractionRequest) (contract.Facts, error) {
	return f(ctx, req)
}

func TestGroupRecords(t *testing.T) {
	s := store(t,
		contract.SegmentRecord{ID: 1, Anchor: 7, Label: "B", Text: "b1"},
		contract.SegmentRecord{ID: 2, Anchor: 3, Label: "A", Text: "水质监测"},
		contract.SegmentRecord{ID: 3, Anchor: 2, Label: "B", Text: "b2"},
		contract.SegmentRecord{ID: 4, Anchor: 9, Label: "B", Text: "b3"},
	)
	gs := GroupRecords(s, 0)
	require.Len(t, gs, 2)
	assert.Equal(t, Group{Label: "B", Text: "b1\n\nb2\n\nb3", AnchorFrom: 2, AnchorTo: 9, Records: 3}, gs[0])
	assert.Equal(t, "A", gs[1].Label)

	cut := GroupRecords(s, 3)
	assert.Equal(t, "b1\n", cut[0].Text)
	assert.True(t, cut[0].Truncated)
	assert.Equal(t, "水质监", cut[1].Text)
	assert.True(t, cut[1].Truncated)

	exact := GroupRecords(s, 4)
	assert.Equal(t, "水质监测", exact[1].Text)
	assert.False(t, exact[1].Truncated)
}

func TestRunWaterQuality(t *testing.T) {
	var got []contract.ExtractionRequest
	ext := extractorFunc(func(_ context.Context, req contract.ExtractionRequest) (contract.Facts, error) {
		got = append(got, req)
		return contract.Facts{"parameter": "pH", "value": 7.2}, nil
	})
	d := New(index(t), ext, invoker(), Settings{TopK: 3, MinConfidence: 0.5}, nil)
	rep, err := d.Run(context.Background(), store(t, contract.SegmentRecord{ID: 1, Anchor: 4, Label: "Water Quality", Text: "pH 7.2 at station W1"}))
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "water_quality_monitoring", got[0].Subsection)
	assert.Equal(t, []string{"parameter", "value"}, got[0].Fields)
	assert.Equal(t, int64(4), got[0].AnchorFrom)

	res, ok := rep.Result("Water Quality")
	require.True(t, ok)
	assert.Equal(t, contract.Facts{"parameter": "pH", "value": 7.2}, res.PerTemplateFacts["water"])
	assert.Empty(t, res.Errors)
	require.Len(t, res.Outcomes, 1)
	assert.True(t, res.Outcomes[0].OK())
	assert.Equal(t, 1, rep.Stats.Successes)
	assert.NotEmpty(t, rep.RunID)
	assert.False(t, rep.Cancelled)
}

func TestRunChargesTokens(t *testing.T) {
	now := time.Unix(0, 0)
	b := rate.NewBudget(map[rate.LimitKey]rate.Limits{"k": {TPM: 1000}}, func() time.Time { return now })
	inv := invoke.New(invoke.Policy{InitialDelay: time.Millisecond, Multiplier: 2, MaxAttempts: 3}, b)
	ext := extractorFunc(func(context.Context, contract.ExtractionRequest) (contract.Facts, error) {
		return contract.Facts{"ok": true}, nil
	})
	// BytesPerToken 未设置时按 4 估算：标签 4 + 正文 5 + 字段 3+2。
	d := New(index(t), ext, inv, Settings{TopK: 3, MinConfidence: 0.5, Key: "k"}, nil)
	_, err := d.Run(context.Background(), store(t, contract.SegmentRecord{ID: 1, Anchor: 4, Label: "Water Quality", Text: "pH 7.2 at station W1"}))
	require.NoError(t, err)
	_, tpm := b.Snapshot("k")
	assert.Equal(t, 1000-14, tpm)
}

func TestRunOversizedRequest(t *testing.T) {
	b := rate.NewBudget(map[rate.LimitKey]rate.Limits{"k": {MaxTokensPerReq: 10}}, nil)
	inv := invoke.New(invoke.Policy{InitialDelay: time.Millisecond, Multiplier: 2, MaxAttempts: 3}, b)
	var calls atomic.Int32
	ext := extractorFunc(func(context.Context, contract.ExtractionRequest) (contract.Facts, error) {
		calls.Add(1)
		return contract.Facts{"ok": true}, nil
	})
	d := New(index(t), ext, inv, Settings{TopK: 3, MinConfidence: 0.5, Key: "k"}, nil)
	rep, err := d.Run(context.Background(), store(t, contract.SegmentRecord{ID: 1, Anchor: 4, Label: "Water Quality", Text: strings.Repeat("pH 7.2 at station W1. ", 20)}))
	require.NoError(t, err)

	assert.Zero(t, calls.Load(), "oversized request is never sent")
	res, ok := rep.Result("Water Quality")
	require.True(t, ok)
	require.Len(t, res.Outcomes, 1)
	require.NotNil(t, res.Outcomes[0].Err)
	assert.Equal(t, contract.KindExtractionFailed, res.Outcomes[0].Err.Kind)
	assert.Contains(t, res.Outcomes[0].Err.Message, contract.ErrBudgetExceeded.Error())
	assert.Equal(t, 0, res.Outcomes[0].Attempts)
	assert.Equal(t, 0, rep.Stats.Successes)
}

func TestRunUnmatchedAndFailures(t *testing.T) {
	ext := extractorFunc(func(_ context.Context, req contract.ExtractionRequest) (contract.Facts, error) {
		switch req.Sector {
		case "noise":
			return nil, fmt.Errorf("extract: %w", contract.ErrServiceUnavailable)
		case "social":
			return nil, contract.ErrRateLimited
		}
		return contract.Facts{"ok": true}, nil
	})
	d := New(index(t), ext, invoker(), Settings{TopK: 3, MinConfidence: 0.5}, nil)
	rep, err := d.Run(context.Background(), store(t,
		contract.SegmentRecord{ID: 1, Anchor: 1, Label: "Glossary", Text: "terms"},
		contract.SegmentRecord{ID: 2, Anchor: 2, Label: "Noise and Vibration", Text: "55 dB"},
		contract.SegmentRecord{ID: 3, Anchor: 3, Label: "Community Health", Text: "clinic"},
		contract.SegmentRecord{ID: 4, Anchor: 4, Label: "Hydrology", Text: "river"},
	))
	require.NoError(t, err, "candidate failures never fail the run")

	gl, _ := rep.Result("Glossary")
	assert.Empty(t, gl.PerTemplateFacts)
	assert.Empty(t, gl.Errors)
	assert.Equal(t, 1, rep.Stats.LabelsUnmatched)

	nv, _ := rep.Result("Noise and Vibration")
	require.Len(t, nv.Errors, 1)
	assert.Equal(t, contract.KindServiceUnavailable, nv.Errors[0].Kind)

	ch, _ := rep.Result("Community Health")
	require.Len(t, ch.Outcomes, 1)
	assert.Equal(t, contract.KindRateLimited, ch.Outcomes[0].Err.Kind)
	assert.Equal(t, 3, ch.Outcomes[0].Attempts)

	hy, _ := rep.Result("Hydrology")
	assert.Equal(t, contract.Facts{"ok": true}, hy.PerTemplateFacts["water"])

	assert.Equal(t, 4, rep.Stats.LabelsProcessed)
	assert.Equal(t, map[contract.Kind]int{contract.KindServiceUnavailable: 1, contract.KindRateLimited: 1}, rep.Stats.FailuresByKind)
	assert.Len(t, rep.Errors, 2)
}

func TestRunConcurrentKeepsOrder(t *testing.T) {
	var inflight, peak atomic.Int32
	ext := extractorFunc(func(_ context.Context, req contract.ExtractionRequest) (contract.Facts, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inflight.Add(-1)
		return contract.Facts{"label": req.Label}, nil
	})
	labels := []string{"Water Quality", "Hydrology", "Noise and Vibration", "Community Health"}
	var recs []contract.SegmentRecord
	for i := 0; i < 12; i++ {
		recs = append(recs, contract.SegmentRecord{ID: int64(i + 1), Anchor: int64(i + 1), Label: labels[i%4] + fmt.Sprintf(" %d", i), Text: "x"})
	}
	d := New(index(t), ext, invoker(), Settings{TopK: 1, MinConfidence: 0.5, Concurrency: 3}, nil)
	rep, err := d.Run(context.Background(), store(t, recs...))
	require.NoError(t, err)
	require.Len(t, rep.Results, 12)
	for i, r := range rep.Results {
		assert.Equal(t, recs[i].Label, r.Label)
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, 12, rep.Stats.LabelsProcessed)
}

func TestRunCancelAtLabelBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var seen []string
	ext := extractorFunc(func(ctx context.Context, req contract.ExtractionRequest) (contract.Facts, error) {
		mu.Lock()
		seen = append(seen, req.Label)
		mu.Unlock()
		cancel()
		// 已开始的标签不受取消影响
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return contract.Facts{"v": 1}, nil
	})
	d := New(index(t), ext, invoker(), Settings{TopK: 3, MinConfidence: 0.5}, nil)
	rep, err := d.Run(ctx, store(t,
		contract.SegmentRecord{ID: 1, Anchor: 1, Label: "Water Quality", Text: "a"},
		contract.SegmentRecord{ID: 2, Anchor: 2, Label: "Hydrology", Text: "b"},
	))
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, rep)
	assert.True(t, rep.Cancelled)
	assert.Equal(t, []string{"Water Quality"}, seen)
	require.Len(t, rep.Results, 1)
	assert.Equal(t, contract.Facts{"v": 1}, rep.Results[0].PerTemplateFacts["water"])
	assert.Empty(t, rep.Errors)
}
