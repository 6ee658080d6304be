// Package ypath parses rich table paths of the form
//
//	<transaction_id="...";append=%true;sorted_by=[a;b]>//tmp/table[#10:#20]
//
// The attribute prefix and the row-range suffix are both optional.
package ypath

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/malbeclabs/tablecat/concat/pkg/chunk"
	"github.com/malbeclabs/tablecat/concat/pkg/tableerr"
)

const (
	AttrTransactionID = "transaction_id"
	AttrAppend        = "append"
	AttrSortedBy      = "sorted_by"
)

// RichPath is a table reference. It is a plain value and holds no store state.
type RichPath struct {
	Path          string
	TransactionID string
	Append        bool
	SortedBy      []string
	Rows          *chunk.RowRange
}

// New returns a reference to path with no attributes.
func New(path string) RichPath {
	return RichPath{Path: path}
}

func (p RichPath) HasSortedBy() bool {
	return len(p.SortedBy) > 0
}

func (p RichPath) String() string {
	var attrs []string
	if p.TransactionID != "" {
		attrs = append(attrs, AttrTransactionID+"="+strconv.Quote(p.TransactionID))
	}
	if p.Append {
		attrs = append(attrs, AttrAppend+"=%true")
	}
	if len(p.SortedBy) > 0 {
		items := make([]string, len(p.SortedBy))
		for i, c := range p.SortedBy {
			items[i] = quoteListItem(c)
		}
		attrs = append(attrs, AttrSortedBy+"=["+strings.Join(items, ";")+"]")
	}
	var b strings.Builder
	if len(attrs) > 0 {
		b.WriteString("<")
		b.WriteString(strings.Join(attrs, ";"))
		b.WriteString(">")
	}
	b.WriteString(p.Path)
	if p.Rows != nil {
		b.WriteString("[")
		if p.Rows.Lower != nil {
			fmt.Fprintf(&b, "#%d", *p.Rows.Lower)
		}
		b.WriteString(":")
		if p.Rows.Upper != nil {
			fmt.Fprintf(&b, "#%d", *p.Rows.Upper)
		}
		b.WriteString("]")
	}
	return b.String()
}

func invalid(s string, format string, args ...any) error {
	return tableerr.New(tableerr.CodeInvalidArgument, "invalid path %q: %s", s, fmt.Sprintf(format, args...))
}

// Parse parses a rich path. Unknown attributes and key-range selectors are rejected.
func Parse(s string) (RichPath, error) {
	var p RichPath
	rest := strings.TrimSpace(s)

	if strings.HasPrefix(rest, "<") {
		attrs, tail, err := parseAttributes(rest[1:])
		if err != nil {
			return RichPath{}, invalid(s, "%v", err)
		}
		for _, a := range attrs {
			switch a.key {
			case AttrTransactionID:
				if a.list != nil || a.value == "" {
					return RichPath{}, invalid(s, "transaction_id must be a non-empty string")
				}
				p.TransactionID = a.value
			case AttrAppend:
				v, err := parseBool(a.value)
				if err != nil || a.list != nil {
					return RichPath{}, invalid(s, "append must be a boolean")
				}
				p.Append = v
			case AttrSortedBy:
				if a.list == nil {
					return RichPath{}, invalid(s, "sorted_by must be a list")
				}
				p.SortedBy = a.list
			default:
				return RichPath{}, invalid(s, "unknown attribute %q", a.key)
			}
		}
		rest = strings.TrimSpace(tail)
	}

	if i := strings.IndexByte(rest, '['); i >= 0 {
		if !strings.HasSuffix(rest, "]") {
			return RichPath{}, invalid(s, "unterminated range selector")
		}
		rr, err := parseRowRange(rest[i+1 : len(rest)-1])
		if err != nil {
			return RichPath{}, invalid(s, "%v", err)
		}
		p.Rows = &rr
		rest = rest[:i]
	}

	if !strings.HasPrefix(rest, "//") || len(rest) == 2 {
		return RichPath{}, invalid(s, "path must start with //")
	}
	p.Path = strings.TrimSuffix(rest, "/")
	return p, nil
}

// MustParse is Parse for constant paths; it panics on error.
func MustParse(s string) RichPath {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

type attribute struct {
	key   string
	value string
	list  []string
}

// parseAttributes consumes "k=v;k=v>" and returns the attributes and what follows '>'.
func parseAttributes(s string) ([]attribute, string, error) {
	var attrs []attribute
	i := 0
	for {
		i = skipSpace(s, i)
		if i >= len(s) {
			return nil, "", fmt.Errorf("unterminated attributes")
		}
		if s[i] == '>' {
			return attrs, s[i+1:], nil
		}

		eq := strings.IndexByte(s[i:], '=')
		if eq < 0 {
			return nil, "", fmt.Errorf("attribute without value")
		}
		a := attribute{key: strings.TrimSpace(s[i : i+eq])}
		if a.key == "" {
			return nil, "", fmt.Errorf("empty attribute name")
		}
		i = skipSpace(s, i+eq+1)
		if i >= len(s) {
			return nil, "", fmt.Errorf("attribute %q has no value", a.key)
		}

		var err error
		switch s[i] {
		case '"':
			a.value, i, err = parseQuoted(s, i)
		case '[':
			a.list, i, err = parseList(s, i)
		default:
			j := i
			for j < len(s) && s[j] != ';' && s[j] != '>' {
				j++
			}
			a.value, i = strings.TrimSpace(s[i:j]), j
		}
		if err != nil {
			return nil, "", err
		}
		attrs = append(attrs, a)

		i = skipSpace(s, i)
		if i < len(s) && s[i] == ';' {
			i++
		}
	}
}

func parseQuoted(s string, i int) (string, int, error) {
	var b strings.Builder
	for j := i + 1; j < len(s); j++ {
		switch s[j] {
		case '\\':
			if j+1 >= len(s) {
				return "", 0, fmt.Errorf("dangling escape")
			}
			j++
			b.WriteByte(s[j])
		case '"':
			return b.String(), j + 1, nil
		default:
			b.WriteByte(s[j])
		}
	}
	return "", 0, fmt.Errorf("unterminated string")
}

// quoteListItem quotes items that would not survive parseList bare.
func quoteListItem(v string) string {
	if v != "" && !strings.ContainsAny(v, ";]\"\\<> \t") {
		return v
	}
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(v); i++ {
		if v[i] == '"' || v[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(v[i])
	}
	b.WriteByte('"')
	return b.String()
}

// parseList consumes [a;"b;c"] starting at the opening bracket. Separators and brackets
// inside quoted items belong to the item.
func parseList(s string, i int) ([]string, int, error) {
	items := []string{}
	i++
	for {
		i = skipSpace(s, i)
		if i >= len(s) {
			return nil, 0, fmt.Errorf("unterminated list")
		}
		switch s[i] {
		case ']':
			return items, i + 1, nil
		case ';':
			i++
			continue
		case '"':
			v, next, err := parseQuoted(s, i)
			if err != nil {
				return nil, 0, err
			}
			items = append(items, v)
			i = skipSpace(s, next)
			if i < len(s) && s[i] != ';' && s[i] != ']' {
				return nil, 0, fmt.Errorf("unexpected %q after quoted list item", s[i])
			}
		default:
			j := i
			for j < len(s) && s[j] != ';' && s[j] != ']' {
				j++
			}
			if item := strings.TrimSpace(s[i:j]); item != "" {
				items = append(items, item)
			}
			i = j
		}
	}
}

func parseBool(v string) (bool, error) {
	switch v {
	case "%true", "true":
		return true, nil
	case "%false", "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", v)
}

func parseRowRange(s string) (chunk.RowRange, error) {
	var rr chunk.RowRange
	s = strings.TrimSpace(s)
	lo, hi, ok := strings.Cut(s, ":")
	if !ok {
		// A single index selects one row.
		v, err := parseRowIndex(s)
		if err != nil {
			return rr, err
		}
		next := *v + 1
		return chunk.RowRange{Lower: v, Upper: &next}, nil
	}
	var err error
	if lo = strings.TrimSpace(lo); lo != "" {
		if rr.Lower, err = parseRowIndex(lo); err != nil {
			return rr, err
		}
	}
	if hi = strings.TrimSpace(hi); hi != "" {
		if rr.Upper, err = parseRowIndex(hi); err != nil {
			return rr, err
		}
	}
	return rr, nil
}

func parseRowIndex(s string) (*int64, error) {
	if !strings.HasPrefix(s, "#") {
		return nil, fmt.Errorf("key range selectors are not supported: %q", s)
	}
	v, err := strconv.ParseInt(s[1:], 10, 64)
	if err != nil || v < 0 {
		return nil, fmt.Errorf("invalid row index %q", s)
	}
	return &v, nil
}

func skipSpace(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	return i
}
