// Package script 按书写系统与常用词判定文本是否已是目标语言形态。
package script

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/language"

	"llmdx/pkg/contract"
)

// Options: 检测参数。
type Options struct {
	Target string `json:"target"` // BCP 47，例如 "en"
	// MinScriptRatio: 目标书写系统字母占比下限，默认 0.6。
	MinScriptRatio float64 `json:"min_script_ratio,omitempty"`
	// Markers: 目标语言常用词；为空时按内置表（缺失则只看书写系统）。
	Markers []string `json:"markers,omitempty"`
	// MinMarkerRatio: 常用词占比下限，默认 0.08。
	MinMarkerRatio float64 `json:"min_marker_ratio,omitempty"`
	// MinWords: 少于该词数时只看书写系统，默认 4。
	MinWords int `json:"min_words,omitempty"`
}

// Detector 实现 contract.Detector。
type Detector struct {
	tables    []*unicode.RangeTable
	minScript float64
	markers   map[string]struct{}
	minMarker float64
	minWords  int
}

// iso15924 → unicode 书写系统表。
var scriptTables = map[string][]*unicode.RangeTable{
	"Latn": {unicode.Latin},
	"Cyrl": {unicode.Cyrillic},
	"Grek": {unicode.Greek},
	"Arab": {unicode.Arabic},
	"Hebr": {unicode.Hebrew},
	"Deva": {unicode.Devanagari},
	"Thai": {unicode.Thai},
	"Hans": {unicode.Han},
	"Hant": {unicode.Han},
	"Jpan": {unicode.Han, unicode.Hiragana, unicode.Katakana},
	"Kore": {unicode.Hangul, unicode.Han},
}

var defaultMarkers = map[string][]string{
	"en": {"the", "and", "of", "to", "in", "is", "are", "was", "for", "with", "on", "by", "at", "from", "be", "this", "that"},
	"fr": {"le", "la", "les", "des", "et", "du", "de", "est", "sont", "pour", "dans", "une", "par", "sur"},
	"es": {"el", "la", "los", "las", "de", "y", "del", "es", "son", "para", "en", "una", "por", "con"},
	"pt": {"o", "a", "os", "as", "de", "e", "do", "da", "é", "são", "para", "em", "uma", "por", "com"},
}

// New 从原样 JSON 选项构造。
func New(raw json.RawMessage) (contract.Detector, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("script options: %w", err)
		}
	}
	return NewWith(o)
}

// NewWith 以结构化选项构造。
func NewWith(o Options) (*Detector, error) {
	if strings.TrimSpace(o.Target) == "" {
		o.Target = "en"
	}
	tag, err := language.Parse(o.Target)
	if err != nil {
		return nil, fmt.Errorf("script: %w: target %q: %v", contract.ErrInvalidInput, o.Target, err)
	}
	sc, conf := tag.Script()
	if conf == language.No {
		return nil, fmt.Errorf("script: %w: no script for %q", contract.ErrInvalidInput, o.Target)
	}
	tables, ok := scriptTables[sc.String()]
	if !ok {
		return nil, fmt.Errorf("script: %w: unsupported script %s", contract.ErrInvalidInput, sc)
	}
	if o.MinScriptRatio <= 0 || o.MinScriptRatio > 1 {
		o.MinScriptRatio = 0.6
	}
	if o.MinMarkerRatio <= 0 || o.MinMarkerRatio > 1 {
		o.MinMarkerRatio = 0.08
	}
	if o.MinWords <= 0 {
		o.MinWords = 4
	}
	words := o.Markers
	if len(words) == 0 {
		base, _ := tag.Base()
		words = defaultMarkers[base.String()]
	}
	var markers map[string]struct{}
	if len(words) > 0 {
		markers = make(map[string]struct{}, len(words))
		for _, w := range words {
			markers[strings.ToLower(w)] = struct{}{}
		}
	}
	return &Detector{tables: tables, minScript: o.MinScriptRatio, markers: markers, minMarker: o.MinMarkerRatio, minWords: o.MinWords}, nil
}

// NeedsTransform 返回文本是否需要变换；不含字母时返回 ErrUndetermined。
// 规则：目标书写系统字母占比不足 → 需要；词数足够且常用词占比不足 → 需要；否则不需要。
func (d *Detector) NeedsTransform(text string) (bool, error) {
	letters, inScript := 0, 0
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.In(r, d.tables...) {
			inScript++
		}
	}
	if letters == 0 {
		return false, fmt.Errorf("script: %w: no letters", contract.ErrUndetermined)
	}
	if float64(inScript)/float64(letters) < d.minScript {
		return true, nil
	}
	if d.markers == nil {
		return false, nil
	}
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool { return !unicode.IsLetter(r) && r != '\'' })
	if len(words) < d.minWords {
		return false, nil
	}
	hits := 0
	for _, w := range words {
		if _, ok := d.markers[w]; ok {
			hits++
		}
	}
	return float64(hits)/float64(len(words)) < d.minMarker, nil
}

var _ contract.Detector = (*Detector)(nil)
