// Package bencode implements a byte-exact bencode decoder and canonical
// encoder over a four-variant tagged value tree. Strings are kept as raw
// bytes because fields like `pieces` and peer-ids are not valid text, and
// the decoder records the byte span of every value it emits so that
// hash-significant subtrees (the `info` dictionary) can be hashed from the
// exact bytes seen in the source instead of a re-encoding of the tree.
package bencode

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ab0626/raincore/internal/core"
)

// Kind identifies which of the four bencode variants a Value holds.
type Kind int

const (
	String Kind = iota
	Integer
	List
	Dict
)

// Value is a single node of the decoded tree. Start and End are byte offsets
// into the buffer that was decoded, spanning the exact bytes that produced
// this value (including its length/type prefix and terminator).
type Value struct {
	Kind Kind

	Str  []byte
	Int  int64
	List []*Value

	// DictKeys preserves insertion (i.e. source) order; Dict indexes the
	// same values by key for lookup.
	DictKeys []string
	Dict     map[string]*Value

	Start, End int
}

// IsString reports whether the value is a bencode byte string.
func (v *Value) IsString() bool { return v.Kind == String }

// Bytes returns the raw bytes of a string value.
func (v *Value) Bytes() []byte { return v.Str }

// Text returns the string value decoded as UTF-8 text. Only call this where
// the grammar demands text (URLs, path components) -- binary fields like
// `pieces` must stay as raw bytes.
func (v *Value) Text() string { return string(v.Str) }

// Get looks up a key in a dictionary value. Returns nil if absent or v is
// not a dictionary.
func (v *Value) Get(key string) *Value {
	if v == nil || v.Kind != Dict {
		return nil
	}
	return v.Dict[key]
}

// Decode parses a single top-level bencode value from buf. Trailing bytes
// after the value are rejected.
func Decode(buf []byte) (*Value, error) {
	d := &decoder{buf: buf}
	v, err := d.value()
	if err != nil {
		return nil, err
	}
	if d.pos != len(buf) {
		return nil, core.Newf(core.MalformedBencode, "trailing garbage at offset %d", d.pos)
	}
	return v, nil
}

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) malformed(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return core.Newf(core.MalformedBencode, "offset %d: %s", d.pos, msg)
}

func (d *decoder) value() (*Value, error) {
	if d.pos >= len(d.buf) {
		return nil, d.malformed("truncated input")
	}
	start := d.pos
	switch c := d.buf[d.pos]; {
	case c == 'i':
		return d.integer(start)
	case c == 'l':
		return d.list(start)
	case c == 'd':
		return d.dict(start)
	case c >= '0' && c <= '9':
		return d.string(start)
	default:
		return nil, d.malformed("unexpected byte %q", c)
	}
}

func (d *decoder) integer(start int) (*Value, error) {
	d.pos++ // 'i'
	digitsStart := d.pos
	for d.pos < len(d.buf) && d.buf[d.pos] != 'e' {
		d.pos++
	}
	if d.pos >= len(d.buf) {
		return nil, d.malformed("unterminated integer")
	}
	digits := d.buf[digitsStart:d.pos]
	n, err := parseInt(digits)
	if err != nil {
		return nil, d.malformed("invalid integer %q: %s", digits, err)
	}
	d.pos++ // 'e'
	return &Value{Kind: Integer, Int: n, Start: start, End: d.pos}, nil
}

func parseInt(digits []byte) (int64, error) {
	if len(digits) == 0 {
		return 0, fmt.Errorf("empty")
	}
	neg := false
	i := 0
	if digits[0] == '-' {
		neg = true
		i = 1
	}
	if i >= len(digits) {
		return 0, fmt.Errorf("no digits")
	}
	if digits[i] == '0' && len(digits)-i > 1 {
		return 0, fmt.Errorf("leading zero")
	}
	if neg && digits[i] == '0' {
		return 0, fmt.Errorf("negative zero")
	}
	var n int64
	for ; i < len(digits); i++ {
		c := digits[i]
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("non-digit byte %q", c)
		}
		next := n*10 + int64(c-'0')
		if next < n {
			return 0, fmt.Errorf("overflow")
		}
		n = next
	}
	if neg {
		n = -n
	}
	return n, nil
}

func (d *decoder) string(start int) (*Value, error) {
	lenStart := d.pos
	for d.pos < len(d.buf) && d.buf[d.pos] != ':' {
		if d.buf[d.pos] < '0' || d.buf[d.pos] > '9' {
			return nil, d.malformed("non-digit byte in string length")
		}
		d.pos++
	}
	if d.pos >= len(d.buf) {
		return nil, d.malformed("missing ':' in string")
	}
	lengthDigits := d.buf[lenStart:d.pos]
	length, err := parseInt(lengthDigits)
	if err != nil || length < 0 {
		return nil, d.malformed("invalid string length %q", lengthDigits)
	}
	d.pos++ // ':'
	if d.pos+int(length) > len(d.buf) {
		return nil, d.malformed("truncated string, want %d bytes", length)
	}
	s := d.buf[d.pos : d.pos+int(length)]
	d.pos += int(length)
	return &Value{Kind: String, Str: s, Start: start, End: d.pos}, nil
}

func (d *decoder) list(start int) (*Value, error) {
	d.pos++ // 'l'
	v := &Value{Kind: List, Start: start}
	for {
		if d.pos >= len(d.buf) {
			return nil, d.malformed("unterminated list")
		}
		if d.buf[d.pos] == 'e' {
			d.pos++
			v.End = d.pos
			return v, nil
		}
		item, err := d.value()
		if err != nil {
			return nil, err
		}
		v.List = append(v.List, item)
	}
}

func (d *decoder) dict(start int) (*Value, error) {
	d.pos++ // 'd'
	v := &Value{Kind: Dict, Start: start, Dict: make(map[string]*Value)}
	var prevKey []byte
	for {
		if d.pos >= len(d.buf) {
			return nil, d.malformed("unterminated dict")
		}
		if d.buf[d.pos] == 'e' {
			d.pos++
			v.End = d.pos
			return v, nil
		}
		if d.buf[d.pos] < '0' || d.buf[d.pos] > '9' {
			return nil, d.malformed("dict key must be a string")
		}
		keyVal, err := d.string(d.pos)
		if err != nil {
			return nil, err
		}
		key := string(keyVal.Str)
		if prevKey != nil && bytes.Compare(prevKey, keyVal.Str) >= 0 {
			// Non-canonical ordering is tolerated on decode (source files in
			// the wild aren't always canonical); only true duplicates fail.
			if bytes.Equal(prevKey, keyVal.Str) {
				return nil, d.malformed("duplicate dict key %q", key)
			}
		}
		prevKey = keyVal.Str
		val, err := d.value()
		if err != nil {
			return nil, err
		}
		if _, dup := v.Dict[key]; dup {
			return nil, d.malformed("duplicate dict key %q", key)
		}
		v.DictKeys = append(v.DictKeys, key)
		v.Dict[key] = val
	}
}

// Encode produces the canonical bencode representation of v: integers
// without leading zeros, dict keys sorted lexicographically by raw bytes,
// strings length-prefixed.
func Encode(v *Value) []byte {
	var buf bytes.Buffer
	encode(&buf, v)
	return buf.Bytes()
}

func encode(buf *bytes.Buffer, v *Value) {
	switch v.Kind {
	case Integer:
		fmt.Fprintf(buf, "i%de", v.Int)
	case String:
		fmt.Fprintf(buf, "%d:", len(v.Str))
		buf.Write(v.Str)
	case List:
		buf.WriteByte('l')
		for _, item := range v.List {
			encode(buf, item)
		}
		buf.WriteByte('e')
	case Dict:
		buf.WriteByte('d')
		keys := make([]string, len(v.DictKeys))
		copy(keys, v.DictKeys)
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(buf, "%d:", len(k))
			buf.WriteString(k)
			encode(buf, v.Dict[k])
		}
		buf.WriteByte('e')
	}
}

// NewString wraps raw bytes as a String value, for building trees to encode.
func NewString(b []byte) *Value { return &Value{Kind: String, Str: b} }

// NewInt wraps an integer as an Integer value.
func NewInt(n int64) *Value { return &Value{Kind: Integer, Int: n} }

// NewDict builds a Dict value from the given keys (in the order given) and
// values.
func NewDict(keys []string, values map[string]*Value) *Value {
	return &Value{Kind: Dict, DictKeys: keys, Dict: values}
}

// NewList builds a List value.
func NewList(items []*Value) *Value { return &Value{Kind: List, List: items} }
