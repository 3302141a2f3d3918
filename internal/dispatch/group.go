package dispatch

import (
	"unicode/utf8"

	"llmdx/pkg/contract"
)

// Group 为同一标签（精确相等）的记录集合。
type Group struct {
	Label      string
	Text       string // 以空行拼接，至多 maxChars 个 rune
	AnchorFrom int64
	AnchorTo   int64
	Records    int
	Truncated  bool
}

// GroupRecords 按标签首次出现顺序分组。
// 约束：
// - 文本以 "\n\n" 拼接；maxChars>0 时超出部分截断并标记 Truncated；
// - AnchorFrom/AnchorTo 为组内锚点最小/最大值。
func GroupRecords(store *contract.Store, maxChars int) []Group {
	var out []Group
	idx := map[string]int{}
	for _, r := range store.Records() {
		i, ok := idx[r.Label]
		if !ok {
			i = len(out)
			idx[r.Label] = i
			out = append(out, Group{Label: r.Label, AnchorFrom: r.Anchor, AnchorTo: r.Anchor})
		}
		g := &out[i]
		g.Records++
		g.AnchorFrom = min(g.AnchorFrom, r.Anchor)
		g.AnchorTo = max(g.AnchorTo, r.Anchor)
		if g.Records > 1 {
			g.Text += "\n\n"
		}
		g.Text += r.Text
	}
	if maxChars > 0 {
		for i := range out {
			if utf8.RuneCountInString(out[i].Text) > maxChars {
				out[i].Text = truncateRunes(out[i].Text, maxChars)
				out[i].Truncated = true
			}
		}
	}
	return out
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
