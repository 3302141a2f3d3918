package contract

import (
	"fmt"
	"strings"
)

// Subsection: 模板内的命名子节；Descriptors 为用于匹配的示例短语。
// Fields 可选：期望抽取的字段名（用于提示词与载荷校验）。
type Subsection struct {
	Name        string   `json:"name" yaml:"name"`
	Descriptors []string `json:"descriptors" yaml:"descriptors"`
	Fields      []string `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Template: 一个领域模板（sector 唯一）。
type Template struct {
	Sector      string       `json:"sector" yaml:"sector"`
	Subsections []Subsection `json:"subsections" yaml:"subsections"`
}

// Catalog: 加载一次后只读的模板集合；通过指针共享，无任何修改路径。
type Catalog struct {
	templates []Template
	bySector  map[string]int
}

// NewCatalog 校验并深拷贝模板：sector 非空且唯一，子节名在模板内唯一，子节至少一个描述短语。
func NewCatalog(ts []Template) (*Catalog, error) {
	c := &Catalog{templates: make([]Template, 0, len(ts)), bySector: make(map[string]int, len(ts))}
	for i, t := range ts {
		sec := strings.TrimSpace(t.Sector)
		if sec == "" {
			return nil, fmt.Errorf("catalog: %w: template #%d has empty sector", ErrInvalidInput, i)
		}
		if _, dup := c.bySector[sec]; dup {
			return nil, fmt.Errorf("catalog: %w: duplicate sector %q", ErrInvalidInput, sec)
		}
		names := make(map[string]struct{}, len(t.Subsections))
		cp := Template{Sector: sec, Subsections: make([]Subsection, 0, len(t.Subsections))}
		for _, s := range t.Subsections {
			n := strings.TrimSpace(s.Name)
			if n == "" {
				return nil, fmt.Errorf("catalog: %w: sector %q has unnamed subsection", ErrInvalidInput, sec)
			}
			if _, dup := names[n]; dup {
				return nil, fmt.Errorf("catalog: %w: sector %q duplicate subsection %q", ErrInvalidInput, sec, n)
			}
			names[n] = struct{}{}
			if len(s.Descriptors) == 0 {
				return nil, fmt.Errorf("catalog: %w: %s/%s has no descriptors", ErrInvalidInput, sec, n)
			}
			cp.Subsections = append(cp.Subsections, Subsection{
				Name:        n,
				Descriptors: append([]string(nil), s.Descriptors...),
				Fields:      append([]string(nil), s.Fields...),
			})
		}
		c.bySector[sec] = len(c.templates)
		c.templates = append(c.templates, cp)
	}
	return c, nil
}

// Len 返回模板数量。
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.templates)
}

// Each 依文件顺序遍历模板（传值，调用方修改不影响 Catalog）。
func (c *Catalog) Each(fn func(t Template)) {
	if c == nil {
		return
	}
	for _, t := range c.templates {
		fn(cloneTemplate(t))
	}
}

// Template 按 sector 查找。
func (c *Catalog) Template(sector string) (Template, bool) {
	if c == nil {
		return Template{}, false
	}
	i, ok := c.bySector[sector]
	if !ok {
		return Template{}, false
	}
	return cloneTemplate(c.templates[i]), true
}

// Subsection 按 sector + 子节名查找。
func (c *Catalog) Subsection(sector, name string) (Subsection, bool) {
	t, ok := c.Template(sector)
	if !ok {
		return Subsection{}, false
	}
	for _, s := range t.Subsections {
		if s.Name == name {
			return s, true
		}
	}
	return Subsection{}, false
}

func cloneTemplate(t Template) Template {
	out := Template{Sector: t.Sector, Subsections: make([]Subsection, len(t.Subsections))}
	for i, s := range t.Subsections {
		out.Subsections[i] = Subsection{
			Name:        s.Name,
			Descriptors: append([]string(nil), s.Descriptors...),
			Fields:      append([]string(nil), s.Fields...),
		}
	}
	return out
}

// MatchCandidate: 一次查询产生的打分提议（不持久化）。
type MatchCandidate struct {
	Sector     string  `json:"sector"`
	Subsection string  `json:"subsection"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}
