package schema

import (
	"fmt"
	"strings"
)

// Type is a column type. Primitive types are plain names; complex types use a parameterized form
// such as "list<int64>" or "struct<a:int64;b:string>".
type Type string

const (
	TypeNull    Type = "null"
	TypeInt64   Type = "int64"
	TypeUint64  Type = "uint64"
	TypeDouble  Type = "double"
	TypeBoolean Type = "boolean"
	TypeString  Type = "string"
	TypeAny     Type = "any"
)

var primitiveTypes = map[Type]struct{}{
	TypeNull:    {},
	TypeInt64:   {},
	TypeUint64:  {},
	TypeDouble:  {},
	TypeBoolean: {},
	TypeString:  {},
	TypeAny:     {},
}

var complexKinds = []string{"list", "struct", "tuple", "dict", "variant", "optional"}

func List(elem Type) Type {
	return Type("list<" + string(elem) + ">")
}

func (t Type) kind() string {
	s := string(t)
	i := strings.IndexByte(s, '<')
	if i < 0 {
		return s
	}
	return s[:i]
}

func (t Type) IsComplex() bool {
	k := t.kind()
	for _, c := range complexKinds {
		if k == c {
			return true
		}
	}
	return false
}

func (t Type) Validate() error {
	if _, ok := primitiveTypes[t]; ok {
		return nil
	}
	if !t.IsComplex() {
		return fmt.Errorf("unknown type %q", string(t))
	}
	s := string(t)
	if !strings.HasSuffix(s, ">") || len(s) <= len(t.kind())+2 {
		return fmt.Errorf("malformed type %q", s)
	}
	depth := 0
	for _, r := range s {
		switch r {
		case '<':
			depth++
		case '>':
			depth--
			if depth < 0 {
				return fmt.Errorf("malformed type %q", s)
			}
		}
	}
	if depth != 0 {
		return fmt.Errorf("malformed type %q", s)
	}
	return nil
}

// WidensTo reports whether values of t are accepted by a column of type target.
func (t Type) WidensTo(target Type) bool {
	return t == target || target == TypeAny || t == TypeNull
}
