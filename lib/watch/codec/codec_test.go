package codec

import (
	"bytes"
	"math"
	"math/rand"
	"reflect"
	"sort"
	"testing"

	"github.com/cockroachdb/errors"
)

// TestKeyRoundTrip tests that DecodeKey restores the table id and components
func TestKeyRoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		tableID    uint64
		components [][]byte
	}{
		{"single component", 1, [][]byte{[]byte("key")}},
		{"empty component", 2, [][]byte{{}}},
		{"embedded zero bytes", 3, [][]byte{{0x00}, {0x00, 0x00, 0x01}, {0xff, 0x00}}},
		{"many components", math.MaxUint64, [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := EncodeKey(tt.tableID, tt.components)
			if err != nil {
				t.Fatalf("EncodeKey() error = %v", err)
			}
			if enc[0] != KeyFormatTag {
				t.Errorf("first byte = %#x, want format tag", enc[0])
			}
			table, comps, err := DecodeKey(enc)
			if err != nil {
				t.Fatalf("DecodeKey() error = %v", err)
			}
			if table != tt.tableID || !reflect.DeepEqual(comps, tt.components) {
				t.Errorf("DecodeKey() = %d %q, want %d %q", table, comps, tt.tableID, tt.components)
			}
		})
	}

	if _, err := EncodeKey(1, nil); err == nil {
		t.Error("EncodeKey() without components should fail")
	}
}

// TestKeyRoundTripRandom checks the round trip on random component lists
func TestKeyRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		comps := randomComponents(rng)
		table := rng.Uint64()
		enc, _ := EncodeKey(table, comps)
		gotTable, got, err := DecodeKey(enc)
		if err != nil {
			t.Fatalf("DecodeKey(%x) error = %v", enc, err)
		}
		if gotTable != table || !reflect.DeepEqual(got, comps) {
			t.Fatalf("round trip of %q returned %q", comps, got)
		}
	}
}

// TestKeyOrder tests that encoded order equals component list order
func TestKeyOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	lists := make([][][]byte, 300)
	for i := range lists {
		lists[i] = randomComponents(rng)
	}

	sort.Slice(lists, func(i, j int) bool { return compareLists(lists[i], lists[j]) < 0 })
	for i := 1; i < len(lists); i++ {
		a, _ := EncodeKey(5, lists[i-1])
		b, _ := EncodeKey(5, lists[i])
		want := compareLists(lists[i-1], lists[i])
		if got := bytes.Compare(a, b); got != want {
			t.Fatalf("order of %q vs %q: encoded %d, components %d", lists[i-1], lists[i], got, want)
		}
	}

	// tables sort before keys
	a, _ := EncodeKey(1, [][]byte{{0xff}})
	b, _ := EncodeKey(2, [][]byte{{0x00}})
	if bytes.Compare(a, b) >= 0 {
		t.Error("keys of table 1 must sort before keys of table 2")
	}
}

// TestDecodeKeyMalformed tests that truncated and corrupted keys fail cleanly
func TestDecodeKeyMalformed(t *testing.T) {
	valid, _ := EncodeKey(9, [][]byte{[]byte("a\x00b"), []byte("c")})
	first, _ := EncodeKey(9, [][]byte{[]byte("a\x00b")})

	for cut := 0; cut < len(valid); cut++ {
		if cut == len(first) {
			// a cut on a component boundary is a valid shorter key
			continue
		}
		if _, _, err := DecodeKey(valid[:cut]); err == nil {
			t.Errorf("DecodeKey of %d/%d bytes should fail", cut, len(valid))
		}
	}

	tests := []struct {
		name string
		buf  []byte
	}{
		{"wrong format tag", append([]byte{2}, valid[1:]...)},
		{"missing marker", append(append([]byte{}, valid[:9]...), 'x', 0x00, 0x01)},
		{"unknown escape", append(append([]byte{}, valid[:9]...), bytesMarker, 'a', 0x00, 0x05)},
	}
	for _, tt := range tests {
		if _, _, err := DecodeKey(tt.buf); err == nil {
			t.Errorf("%s: DecodeKey should fail", tt.name)
		}
	}
}

// TestPrefixKeys tests that prefix encodings are byte prefixes of the full key
func TestPrefixKeys(t *testing.T) {
	comps := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	full, _ := EncodeKey(3, comps)

	prefixes, err := PrefixKeys(3, comps)
	if err != nil {
		t.Fatalf("PrefixKeys() error = %v", err)
	}
	if len(prefixes) != 2 {
		t.Fatalf("PrefixKeys() returned %d keys, want 2", len(prefixes))
	}
	for _, p := range prefixes {
		if !bytes.HasPrefix(full, p) {
			t.Errorf("%x is not a prefix of %x", p, full)
		}
	}

	// a component that is only a byte prefix is not a component prefix
	ab, _ := EncodeKey(3, [][]byte{[]byte("ab")})
	a, _ := EncodeKey(3, [][]byte{[]byte("a")})
	if bytes.HasPrefix(ab, a) {
		t.Error("encoding of [a] must not be a prefix of [ab]")
	}
}

// TestNextComparableByteString tests the same length successor
func TestNextComparableByteString(t *testing.T) {
	tests := []struct {
		in   []byte
		want []byte
	}{
		{[]byte{0x00}, []byte{0x01}},
		{[]byte("abc"), []byte("abd")},
		{[]byte{'a', 0xff}, []byte{'b', 0x00}},
		{[]byte{0x01, 0xff, 0xff}, []byte{0x02, 0x00, 0x00}},
	}
	for _, tt := range tests {
		got, err := NextComparableByteString(tt.in)
		if err != nil {
			t.Fatalf("NextComparableByteString(%x) error = %v", tt.in, err)
		}
		if !bytes.Equal(got, tt.want) {
			t.Errorf("NextComparableByteString(%x) = %x, want %x", tt.in, got, tt.want)
		}
		if bytes.Compare(got, tt.in) <= 0 || len(got) != len(tt.in) {
			t.Errorf("successor %x must have the same length and sort after %x", got, tt.in)
		}
	}

	for _, s := range [][]byte{{0xff}, {0xff, 0xff, 0xff}, {}} {
		if _, err := NextComparableByteString(s); !errors.Is(err, ErrNoSuccessor) {
			t.Errorf("NextComparableByteString(%x) error = %v, want ErrNoSuccessor", s, err)
		}
	}
}

// TestNextComparableIsImmediate checks on two byte strings that no string lies in between
func TestNextComparableIsImmediate(t *testing.T) {
	for a := 0; a < 256; a += 17 {
		for b := 0; b < 256; b++ {
			in := []byte{byte(a), byte(b)}
			next, err := NextComparableByteString(in)
			if a == 0xff && b == 0xff {
				if err == nil {
					t.Fatal("all 0xff must fail")
				}
				continue
			}
			v := int(in[0])<<8 | int(in[1])
			nv := int(next[0])<<8 | int(next[1])
			if nv != v+1 {
				t.Fatalf("successor of %x is %x, want the next value", in, next)
			}
		}
	}
}

// TestValueRoundTrip tests the tagged value encoding
func TestValueRoundTrip(t *testing.T) {
	long := bytes.Repeat([]byte{0xab, 0x00}, 40000)
	tests := []struct {
		name    string
		version int64
		value   []byte
		ext     []byte
	}{
		{"empty", 0, []byte{}, []byte{}},
		{"negative version", -42, []byte("v"), []byte("e")},
		{"max version", math.MaxInt64, []byte("value"), []byte{}},
		{"long", 123456789, long, long[:1000]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := EncodeValue(tt.version, tt.value, tt.ext)
			version, value, ext, err := DecodeValue(enc)
			if err != nil {
				t.Fatalf("DecodeValue() error = %v", err)
			}
			if version != tt.version || !bytes.Equal(value, tt.value) || !bytes.Equal(ext, tt.ext) {
				t.Errorf("DecodeValue() = %d, %d bytes, %d bytes", version, len(value), len(ext))
			}
		})
	}
}

// TestDecodeValueMalformed tests that every truncation fails without panicking
func TestDecodeValueMalformed(t *testing.T) {
	valid := EncodeValue(300, []byte("value"), []byte("ext"))
	for cut := 0; cut < len(valid); cut++ {
		if _, _, _, err := DecodeValue(valid[:cut]); err == nil {
			t.Errorf("DecodeValue of %d/%d bytes should fail", cut, len(valid))
		}
	}

	if _, _, _, err := DecodeValue(append(append([]byte{}, valid...), 0)); err == nil {
		t.Error("trailing bytes should be rejected")
	}

	// field order is fixed
	swapped := []byte{byte(tagValue<<4 | typeBytes), 0}
	if _, _, _, err := DecodeValue(swapped); err == nil {
		t.Error("a value without leading version field should be rejected")
	}
}

// TestKVRoundTrip tests the combined key value helpers
func TestKVRoundTrip(t *testing.T) {
	kv := KV{Components: [][]byte{[]byte("svc"), []byte("node-1")}, Version: 17, Value: []byte("up"), Ext: []byte{}}
	key, value, err := EncodeKV(4, kv)
	if err != nil {
		t.Fatalf("EncodeKV() error = %v", err)
	}
	table, got, err := DecodeKV(key, value)
	if err != nil {
		t.Fatalf("DecodeKV() error = %v", err)
	}
	if table != 4 || !reflect.DeepEqual(got, kv) {
		t.Errorf("DecodeKV() = %d %+v, want %+v", table, got, kv)
	}
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func randomComponents(rng *rand.Rand) [][]byte {
	n := 1 + rng.Intn(4)
	out := make([][]byte, n)
	for i := range out {
		c := make([]byte, rng.Intn(5))
		for j := range c {
			// bias towards the escape relevant bytes
			switch rng.Intn(4) {
			case 0:
				c[j] = 0x00
			case 1:
				c[j] = 0xff
			default:
				c[j] = byte(rng.Intn(256))
			}
		}
		out[i] = c
	}
	return out
}

func compareLists(a, b [][]byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := bytes.Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}
