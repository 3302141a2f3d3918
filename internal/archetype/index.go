package archetype

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agext/levenshtein"

	"llmdx/pkg/contract"
)

// TieBreak 为同分候选的排序策略。
type TieBreak string

const (
	// TieBreakPriorThenLexical: 本次运行已成功次数多的 sector 优先，其次按 sector 字典序。
	TieBreakPriorThenLexical TieBreak = "prior_then_lexical"
	// TieBreakLexical: 仅按 sector 字典序。
	TieBreakLexical TieBreak = "lexical"
)

// ParseTieBreak 解析配置值；空串取默认。
func ParseTieBreak(s string) (TieBreak, error) {
	switch TieBreak(strings.TrimSpace(s)) {
	case "", TieBreakPriorThenLexical:
		return TieBreakPriorThenLexical, nil
	case TieBreakLexical:
		return TieBreakLexical, nil
	}
	return "", fmt.Errorf("archetype: %w: unknown tie_break %q", contract.ErrInvalidInput, s)
}

// Prior 提供 sector 的历史成功次数（用于同分裁决）。
type Prior interface {
	Count(sector string) int
}

// Options 为索引构造参数。
type Options struct {
	TieBreak TieBreak
}

type descriptor struct {
	norm   string
	tokens map[string]struct{}
}

type entry struct {
	sector     string
	subsection string
	subIdx     int // 模板内子节序号
	descs      []descriptor
}

// Index: 由 Catalog 展开的只读匹配索引；构造后无修改路径，可无锁并发使用。
type Index struct {
	cat     *contract.Catalog
	entries []entry
	tie     TieBreak
}

// New 展开全部 (sector, subsection, descriptor) 并预先规范化描述短语。
func New(cat *contract.Catalog, opts Options) *Index {
	ix := &Index{cat: cat, tie: opts.TieBreak}
	if ix.tie == "" {
		ix.tie = TieBreakPriorThenLexical
	}
	cat.Each(func(t contract.Template) {
		for i, s := range t.Subsections {
			e := entry{sector: t.Sector, subsection: s.Name, subIdx: i}
			for _, d := range s.Descriptors {
				n := Normalize(d)
				if n == "" {
					continue
				}
				e.descs = append(e.descs, descriptor{norm: n, tokens: tokenSet(n)})
			}
			ix.entries = append(ix.entries, e)
		}
	})
	return ix
}

// Catalog 返回底层目录。
func (ix *Index) Catalog() *contract.Catalog { return ix.cat }

// Len 返回子节条目数。
func (ix *Index) Len() int { return len(ix.entries) }

// Similarity 返回两个已规范化文本的相似度：max(编辑距离相似度, 词集 Dice)。
func Similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	lev := levenshtein.Similarity(a, b, nil)
	if d := dice(tokenSet(a), tokenSet(b)); d > lev {
		return d
	}
	return lev
}

type scored struct {
	e     *entry
	score float64
	prior int
}

// Match 返回与 label 最相近的至多 topK 个子节候选（topK<=0 不限）。
// 约束：
// - 子节得分为其描述短语相似度的最大值；
// - 仅保留 score >= minConfidence；
// - 按得分降序，同分按 TieBreak 裁决，最终按目录内子节顺序；
// - 空标签或无候选返回空切片。
func (ix *Index) Match(label string, topK int, minConfidence float64, prior Prior) []contract.MatchCandidate {
	q := Normalize(label)
	if q == "" {
		return []contract.MatchCandidate{}
	}
	qTokens := tokenSet(q)
	var hits []scored
	for i := range ix.entries {
		e := &ix.entries[i]
		best := 0.0
		for _, d := range e.descs {
			s := levenshtein.Similarity(q, d.norm, nil)
			if ds := dice(qTokens, d.tokens); ds > s {
				s = ds
			}
			if s > best {
				best = s
			}
		}
		if best < minConfidence || best <= 0 {
			continue
		}
		h := scored{e: e, score: best}
		if prior != nil && ix.tie == TieBreakPriorThenLexical {
			h.prior = prior.Count(e.sector)
		}
		hits = append(hits, h)
	}
	sort.SliceStable(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.prior != b.prior {
			return a.prior > b.prior
		}
		if a.e.sector != b.e.sector {
			return a.e.sector < b.e.sector
		}
		return a.e.subIdx < b.e.subIdx
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	out := make([]contract.MatchCandidate, len(hits))
	for i, h := range hits {
		out[i] = contract.MatchCandidate{Sector: h.e.sector, Subsection: h.e.subsection, Label: label, Confidence: h.score}
	}
	return out
}
