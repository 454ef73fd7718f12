package bencode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeString(t *testing.T) {
	v, err := Decode([]byte("4:spam"))
	require.NoError(t, err)
	require.Equal(t, String, v.Kind)
	require.Equal(t, "spam", v.Text())
	require.Equal(t, 0, v.Start)
	require.Equal(t, 6, v.End)
}

func TestDecodeInteger(t *testing.T) {
	cases := map[string]int64{
		"i3e":    3,
		"i-3e":   -3,
		"i0e":    0,
		"i1000e": 1000,
	}
	for in, want := range cases {
		v, err := Decode([]byte(in))
		require.NoError(t, err, in)
		require.Equal(t, Integer, v.Kind)
		require.Equal(t, want, v.Int)
	}
}

func TestDecodeIntegerRejectsLeadingZero(t *testing.T) {
	_, err := Decode([]byte("i03e"))
	require.Error(t, err)
	_, err = Decode([]byte("i-0e"))
	require.Error(t, err)
}

func TestDecodeListAndDict(t *testing.T) {
	v, err := Decode([]byte("d3:bar4:spam3:fooi42ee"))
	require.NoError(t, err)
	require.Equal(t, Dict, v.Kind)
	require.Equal(t, []string{"bar", "foo"}, v.DictKeys)
	require.Equal(t, "spam", v.Get("bar").Text())
	require.Equal(t, int64(42), v.Get("foo").Int)

	lv, err := Decode([]byte("l4:spam4:eggse"))
	require.NoError(t, err)
	require.Equal(t, List, lv.Kind)
	require.Len(t, lv.List, 2)
	require.Equal(t, "spam", lv.List[0].Text())
}

func TestDecodeRejectsDuplicateKeys(t *testing.T) {
	_, err := Decode([]byte("d3:foo3:bar3:fooi1ee"))
	require.Error(t, err)
}

func TestDecodeRejectsTrailingGarbage(t *testing.T) {
	_, err := Decode([]byte("i1ee"))
	require.Error(t, err)
}

func TestDecodeRejectsTruncated(t *testing.T) {
	_, err := Decode([]byte("4:sp"))
	require.Error(t, err)
	_, err = Decode([]byte("i42"))
	require.Error(t, err)
	_, err = Decode([]byte("d3:foo"))
	require.Error(t, err)
}

func TestEncodeCanonical(t *testing.T) {
	v := NewDict([]string{"foo", "bar"}, map[string]*Value{
		"foo": NewInt(42),
		"bar": NewString([]byte("spam")),
	})
	got := Encode(v)
	require.Equal(t, "d3:bar4:spam3:fooi42ee", string(got))
}

func TestRoundTripCanonical(t *testing.T) {
	src := []byte("d8:announce12:http://t.com4:infod6:lengthi20000e4:name5:a.txt12:piece lengthi16384e6:pieces0:ee")
	v, err := Decode(src)
	require.NoError(t, err)
	out := Encode(v)
	require.Equal(t, string(src), string(out))
}

func TestInfoSpanPreservedOnNonCanonicalSource(t *testing.T) {
	// Non-canonical: keys out of lexicographic order. Decoder must still
	// accept it and preserve exact byte spans for the info subtree.
	src := []byte("d4:infod6:lengthi10e4:name1:a12:piece lengthi10e6:pieces0:e8:announce3:urle")
	root, err := Decode(src)
	require.NoError(t, err)
	info := root.Get("info")
	require.NotNil(t, info)
	exact := src[info.Start:info.End]
	require.Equal(t, "d6:lengthi10e4:name1:a12:piece lengthi10e6:pieces0:e", string(exact))
}
