// Package der implements the tag-length-value encoding used for the
// entitlements-DER slot of a code signature.
//
// Values form a closed tree of Bool, Int, String, Array and Object. Objects
// keep their keys in insertion order; the encoder never reorders them.
package der

// Tag bytes for each value kind.
const (
	TagBool   byte = 0x01
	TagInt    byte = 0x02
	TagString byte = 0x0c
	TagArray  byte = 0x30
	TagObject byte = 0x31
)

// Value is one node of an entitlements document. The set of implementations
// is closed: Bool, Int, String, Array and Object.
type Value interface {
	isValue()
}

// Bool is a boolean value.
type Bool bool

// Int is a signed integer value.
type Int int64

// String is a UTF-8 string value.
type String string

// Array is an ordered list of values.
type Array []Value

// Member is one key/value pair of an Object.
type Member struct {
	Key   string
	Value Value
}

// Object is a map with unique string keys kept in insertion order.
type Object []Member

func (Bool) isValue()   {}
func (Int) isValue()    {}
func (String) isValue() {}
func (Array) isValue()  {}
func (Object) isValue() {}

// Get returns the value stored under key.
func (o Object) Get(key string) (Value, bool) {
	for _, m := range o {
		if m.Key == key {
			return m.Value, true
		}
	}
	return nil, false
}

// Set stores v under key, replacing an existing entry in place.
func (o *Object) Set(key string, v Value) {
	for i := range *o {
		if (*o)[i].Key == key {
			(*o)[i].Value = v
			return
		}
	}
	*o = append(*o, Member{Key: key, Value: v})
}

// Keys returns the keys in order.
func (o Object) Keys() []string {
	keys := make([]string, len(o))
	for i, m := range o {
		keys[i] = m.Key
	}
	return keys
}

// Equal reports whether a and b hold the same tree. Nil and empty
// collections compare equal.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Int:
		bv, ok := b.(Int)
		return ok && av == bv
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Array:
		bv, ok := b.(Array)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case Object:
		bv, ok := b.(Object)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if av[i].Key != bv[i].Key || !Equal(av[i].Value, bv[i].Value) {
				return false
			}
		}
		return true
	case nil:
		return b == nil
	}
	return false
}
