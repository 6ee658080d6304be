package chunk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/malbeclabs/tablecat/concat/pkg/schema"
)

// Key is a tuple of column values in comparator order.
type Key []any

func (k *Key) UnmarshalJSON(data []byte) error {
	var raw []any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		*k = nil
		return nil
	}
	out := make(Key, len(raw))
	for i, v := range raw {
		out[i] = NormalizeValue(v)
	}
	*k = out
	return nil
}

func (k Key) String() string {
	parts := make([]string, len(k))
	for i, v := range k {
		if v == nil {
			parts[i] = "#"
			continue
		}
		if s, ok := v.(string); ok {
			parts[i] = strconv.Quote(s)
			continue
		}
		parts[i] = fmt.Sprint(v)
	}
	return "[" + strings.Join(parts, "; ") + "]"
}

type valueClass int

const (
	classNull valueClass = iota
	classNumber
	classBoolean
	classString
	classOther
)

// NormalizeValue converts decoded values to the canonical Go types used in keys: integers become
// int64 (or uint64 when they overflow int64), non-integral numbers become float64.
func NormalizeValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(string(x), 10, 64); err == nil {
			return u
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return string(x)
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return uint64(x)
	case uint8:
		return uint64(x)
	case uint16:
		return uint64(x)
	case uint32:
		return uint64(x)
	case float32:
		return float64(x)
	case map[string]any:
		for k, e := range x {
			x[k] = NormalizeValue(e)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = NormalizeValue(e)
		}
		return x
	}
	return v
}

func classify(v any) valueClass {
	switch v.(type) {
	case nil:
		return classNull
	case int64, uint64, float64:
		return classNumber
	case bool:
		return classBoolean
	case string:
		return classString
	}
	return classOther
}

// CompareValues orders null before numbers, numbers before booleans, booleans before strings and
// strings before anything else. Numbers compare by value regardless of their Go type.
func CompareValues(a, b any) int {
	a, b = NormalizeValue(a), NormalizeValue(b)
	ca, cb := classify(a), classify(b)
	if ca != cb {
		return cmpInt(int(ca), int(cb))
	}
	switch ca {
	case classNull:
		return 0
	case classNumber:
		return compareNumbers(a, b)
	case classBoolean:
		x, y := a.(bool), b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case classString:
		return strings.Compare(a.(string), b.(string))
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func compareNumbers(a, b any) int {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmpInt64(x, y)
		case uint64:
			if x < 0 {
				return -1
			}
			return cmpUint64(uint64(x), y)
		}
	case uint64:
		switch y := b.(type) {
		case uint64:
			return cmpUint64(x, y)
		case int64:
			if y < 0 {
				return 1
			}
			return cmpUint64(x, uint64(y))
		}
	}
	return cmpFloat(toFloat(a), toFloat(b))
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	case float64:
		return x
	}
	return math.NaN()
}

// cmpFloat places NaN after every other number.
func cmpFloat(x, y float64) int {
	xn, yn := math.IsNaN(x), math.IsNaN(y)
	switch {
	case xn && yn:
		return 0
	case xn:
		return 1
	case yn:
		return -1
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func cmpInt(x, y int) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func cmpInt64(x, y int64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func cmpUint64(x, y uint64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

// CompareKeys compares the first len(cols) values of a and b, flipping descending columns.
// Missing trailing values compare as null.
func CompareKeys(a, b Key, cols []schema.SortColumn) int {
	for i, c := range cols {
		var x, y any
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		r := CompareValues(x, y)
		if c.Order == schema.Descending {
			r = -r
		}
		if r != 0 {
			return r
		}
	}
	return 0
}

// KeyOf extracts the normalized values of cols from row.
func KeyOf(row Row, cols []schema.SortColumn) Key {
	k := make(Key, len(cols))
	for i, c := range cols {
		k[i] = NormalizeValue(row[c.Name])
	}
	return k
}
