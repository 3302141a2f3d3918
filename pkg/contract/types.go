package contract

import "fmt"

// DocID: 逻辑文档ID（通常为路径，需规范化，跨平台一致）。
type DocID string

// Meta: 可选的轻量元信息；核心流程不读取其键值，仅原样透传。
type Meta map[string]string

// SegmentRecord: 带出处锚点的原子片段。
// 约束：
// - ID 在同一 Store 内唯一且稳定；
// - Anchor 为正整数（例如源页码），创建后不再重新计算；
// - Label 为自由文本标题，可重复；
// - Text 仅允许由锚点保持变换替换；
// - Extra 原样透传。
type SegmentRecord struct {
	ID     int64  `json:"id"`
	Anchor int64  `json:"anchor"`
	Label  string `json:"label"`
	Text   string `json:"text"`
	Extra  Meta   `json:"extra,omitempty"`
}

// Clone 返回深拷贝（Extra 独立）。
func (r SegmentRecord) Clone() SegmentRecord {
	r.Extra = cloneMeta(r.Extra)
	return r
}

// Store: 已封闭的有序记录集合（只读）。
// 仅能由 StoreBuilder.Close 获得；访问器返回副本，调用方无法就地修改。
type Store struct {
	doc  DocID
	recs []SegmentRecord
	byID map[int64]int
}

// DocID 返回所属文档。
func (s *Store) DocID() DocID { return s.doc }

// Len 返回记录数。
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.recs)
}

// At 返回第 i 条记录的副本。
func (s *Store) At(i int) SegmentRecord { return s.recs[i].Clone() }

// Records 返回全部记录的副本（保持原序）。
func (s *Store) Records() []SegmentRecord {
	if s == nil {
		return nil
	}
	out := make([]SegmentRecord, len(s.recs))
	for i, r := range s.recs {
		out[i] = r.Clone()
	}
	return out
}

// Lookup 按 ID 查找。
func (s *Store) Lookup(id int64) (SegmentRecord, bool) {
	i, ok := s.byID[id]
	if !ok {
		return SegmentRecord{}, false
	}
	return s.recs[i].Clone(), true
}

// StoreBuilder: 阶段一（切分）期间累积记录；Close 后产出只读 Store。
type StoreBuilder struct {
	doc    DocID
	recs   []SegmentRecord
	byID   map[int64]int
	closed bool
}

// NewStoreBuilder 创建空构造器。
func NewStoreBuilder(doc DocID) *StoreBuilder {
	return &StoreBuilder{doc: doc, byID: make(map[int64]int)}
}

// Append 追加一条记录；校验 ID 唯一与 Anchor>0。
func (b *StoreBuilder) Append(r SegmentRecord) error {
	if b.closed {
		return fmt.Errorf("store %s: %w: append after close", b.doc, ErrInvalidInput)
	}
	if r.Anchor <= 0 {
		return fmt.Errorf("store %s: %w: record %d anchor %d must be > 0", b.doc, ErrInvalidInput, r.ID, r.Anchor)
	}
	if _, dup := b.byID[r.ID]; dup {
		return fmt.Errorf("store %s: %w: duplicate record id %d", b.doc, ErrInvalidInput, r.ID)
	}
	b.byID[r.ID] = len(b.recs)
	b.recs = append(b.recs, r.Clone())
	return nil
}

// AppendAll 依序追加；遇错即返回。
func (b *StoreBuilder) AppendAll(rs []SegmentRecord) error {
	for _, r := range rs {
		if err := b.Append(r); err != nil {
			return err
		}
	}
	return nil
}

// Close 封闭构造器并返回 Store；重复 Close 返回错误。
func (b *StoreBuilder) Close() (*Store, error) {
	if b.closed {
		return nil, fmt.Errorf("store %s: %w: already closed", b.doc, ErrInvalidInput)
	}
	b.closed = true
	s := &Store{doc: b.doc, recs: b.recs, byID: b.byID}
	b.recs = nil
	b.byID = nil
	return s, nil
}

// cloneMeta: 复制 Meta 映射，避免引用共享导致意外修改。
func cloneMeta(m Meta) Meta {
	if m == nil {
		return nil
	}
	out := make(Meta, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
