package archetype

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// 前导编号（按顺序反复剥离，直至不再变化）：
// - "section 4:", "chapter 2 -", "annex b."
// - "3.2", "3.2.1)", "(4)"
// - 罗马数字需带终止符："iv.", "ii)"
// - 单字母需带终止符："(a)", "a)", "b."
var numbering = []*regexp.Regexp{
	regexp.MustCompile(`^(?:section|chapter|part|annex|appendix)\s+(?:\d+(?:\.\d+)*|[ivxlcdm]+|[a-z])\b\s*[:.)\-–—]*\s*`),
	regexp.MustCompile(`^\(?\d+(?:\.\d+)*\)?[.:)\-–—]*\s+`),
	regexp.MustCompile(`^\(?[ivxlcdm]+[.)]\s*`),
	regexp.MustCompile(`^\(?[a-z][.)]\s*`),
}

// Normalize 规范化章节标题：NFKC → 大小写折叠 → 剥离前导编号 → 标点/符号转空格 → 折叠空白。
func Normalize(label string) string {
	// Caser 有状态，不可跨 goroutine 共享
	s := cases.Fold().String(norm.NFKC.String(label))
	s = strings.TrimSpace(s)
	for changed := true; changed; {
		changed = false
		for _, re := range numbering {
			if loc := re.FindStringIndex(s); loc != nil && loc[1] > 0 && loc[1] < len(s) {
				s = strings.TrimSpace(s[loc[1]:])
				changed = true
			}
		}
	}
	s = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// tokenSet 返回规范化文本的去重词集合。
func tokenSet(s string) map[string]struct{} {
	fs := strings.Fields(s)
	set := make(map[string]struct{}, len(fs))
	for _, f := range fs {
		set[f] = struct{}{}
	}
	return set
}

// dice 返回两个词集合的 Sørensen–Dice 系数。
func dice(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := 0
	for t := range a {
		if _, ok := b[t]; ok {
			n++
		}
	}
	return 2 * float64(n) / float64(len(a)+len(b))
}
