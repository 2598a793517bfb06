package msg

// Value is a dynamically typed property value. Properties are addressed by
// dotted-string paths (see Msg.PeekProperty / Msg.SetProperty) and hold one
// of these kinds; there is no implicit conversion between kinds — schema
// adjustment (see package schema) is the only sanctioned coercion path.
type Value struct {
	kind  ValueKind
	b     bool
	i     int64
	f     float64
	s     string
	bytes []byte
	arr   []Value
	obj   map[string]Value
}

type ValueKind int

const (
	KindInvalid ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindArray
	KindObject
)

func Invalid() Value             { return Value{kind: KindInvalid} }
func Bool(v bool) Value          { return Value{kind: KindBool, b: v} }
func Int(v int64) Value          { return Value{kind: KindInt, i: v} }
func Float(v float64) Value      { return Value{kind: KindFloat, f: v} }
func String(v string) Value      { return Value{kind: KindString, s: v} }
func Bytes(v []byte) Value       { return Value{kind: KindBytes, bytes: v} }
func Array(v []Value) Value      { return Value{kind: KindArray, arr: v} }
func Object(v map[string]Value) Value {
	return Value{kind: KindObject, obj: v}
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsValid() bool   { return v.kind != KindInvalid }

func (v Value) Bool() (bool, bool)             { return v.b, v.kind == KindBool }
func (v Value) Int() (int64, bool)             { return v.i, v.kind == KindInt }
func (v Value) Float() (float64, bool)         { return v.f, v.kind == KindFloat }
func (v Value) String() (string, bool)         { return v.s, v.kind == KindString }
func (v Value) Bytes() ([]byte, bool)          { return v.bytes, v.kind == KindBytes }
func (v Value) Array() ([]Value, bool)         { return v.arr, v.kind == KindArray }
func (v Value) Object() (map[string]Value, bool) { return v.obj, v.kind == KindObject }

// clone deep-copies v so it can be shared safely across an owning clone of
// the message that holds it (see Msg.Clone).
func (v Value) clone() Value {
	switch v.kind {
	case KindBytes:
		cp := make([]byte, len(v.bytes))
		copy(cp, v.bytes)
		return Value{kind: KindBytes, bytes: cp}
	case KindArray:
		cp := make([]Value, len(v.arr))
		for i, e := range v.arr {
			cp[i] = e.clone()
		}
		return Value{kind: KindArray, arr: cp}
	case KindObject:
		cp := make(map[string]Value, len(v.obj))
		for k, e := range v.obj {
			cp[k] = e.clone()
		}
		return Value{kind: KindObject, obj: cp}
	default:
		return v
	}
}
