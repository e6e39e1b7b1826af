package custody

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

// TestBinaryReader_TypedReads tests the typed read primitives against a
// hand-packed buffer.
func TestBinaryReader_TypedReads(t *testing.T) {
	buf := []byte{
		0x7F,                   // uint8
		0x01, 0x02,             // uint16
		0x01, 0x02, 0x03,       // uint24
		0x00, 0x00, 0x00, 0x2A, // uint32
		0x01, 0x00, 0x00, 0x00, 0x00, // uint40
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, // uint64
		0x01, // bool
	}
	r := NewBinaryReader(buf)

	v8, err := r.ReadUint8()
	require.NoError(t, err)
	require.Equal(t, uint8(0x7F), v8)

	v16, err := r.ReadUint16()
	require.NoError(t, err)
	require.Equal(t, uint16(0x0102), v16)

	v24, err := r.ReadUint24()
	require.NoError(t, err)
	require.Equal(t, uint32(0x010203), v24)

	v32, err := r.ReadUint32()
	require.NoError(t, err)
	require.Equal(t, uint32(42), v32)

	v40, err := r.ReadUint40()
	require.NoError(t, err)
	require.Equal(t, uint64(1)<<32, v40)

	v64, err := r.ReadUint64()
	require.NoError(t, err)
	require.Equal(t, uint64(256), v64)

	b, err := r.ReadBool()
	require.NoError(t, err)
	require.True(t, b)

	require.NoError(t, r.AssertEmpty())
}

// TestBinaryReader_LengthPrefixed tests the 1-, 2- and 3-byte
// length-prefixed slice reads.
func TestBinaryReader_LengthPrefixed(t *testing.T) {
	buf := []byte{
		0x03, 0xAA, 0xBB, 0xCC, // 1-byte prefix
		0x00, 0x02, 0xDD, 0xEE, // 2-byte prefix
		0x00, 0x00, 0x01, 0xFF, // 3-byte prefix
	}
	r := NewBinaryReader(buf)

	b8, err := r.ReadBytes8()
	require.NoError(t, err)
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC}, b8)

	b16, err := r.ReadBytes16()
	require.NoError(t, err)
	require.Equal(t, []byte{0xDD, 0xEE}, b16)

	b24, err := r.ReadBytes24()
	require.NoError(t, err)
	require.Equal(t, []byte{0xFF}, b24)

	require.NoError(t, r.AssertEmpty())
}

// TestBinaryReader_OutOfBounds tests that every read past the end fails
// with ErrReaderOutOfBounds.
func TestBinaryReader_OutOfBounds(t *testing.T) {
	tests := []struct {
		name string
		read func(r *BinaryReader) error
	}{
		{"uint16", func(r *BinaryReader) error { _, err := r.ReadUint16(); return err }},
		{"uint64", func(r *BinaryReader) error { _, err := r.ReadUint64(); return err }},
		{"uint128", func(r *BinaryReader) error { _, err := r.ReadUint128(); return err }},
		{"address", func(r *BinaryReader) error { _, err := r.ReadAddress(); return err }},
		{"word", func(r *BinaryReader) error { _, err := r.ReadWord(); return err }},
		{"bytes16", func(r *BinaryReader) error { _, err := r.ReadBytes16(); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, tt.read(NewBinaryReader([]byte{0x01})), ErrReaderOutOfBounds)
		})
	}
}

// TestBinaryReader_PrefixLongerThanBody tests a length prefix promising
// more bytes than remain.
func TestBinaryReader_PrefixLongerThanBody(t *testing.T) {
	r := NewBinaryReader([]byte{0x05, 0x01, 0x02})
	_, err := r.ReadBytes8()
	require.ErrorIs(t, err, ErrReaderOutOfBounds)
}

// TestBinaryReader_AssertEmpty tests that leftover bytes are a
// dedicated failure.
func TestBinaryReader_AssertEmpty(t *testing.T) {
	r := NewBinaryReader([]byte{0x01, 0x02})
	_, err := r.ReadUint8()
	require.NoError(t, err)
	require.ErrorIs(t, r.AssertEmpty(), ErrReaderNotAtEnd)

	_, err = r.ReadUint8()
	require.NoError(t, err)
	require.NoError(t, r.AssertEmpty())
}

// TestBinaryReader_WordArray tests the count-prefixed word array read.
func TestBinaryReader_WordArray(t *testing.T) {
	w1 := common.HexToHash("0x01")
	w2 := common.HexToHash("0x02")
	buf := append([]byte{2}, w1.Bytes()...)
	buf = append(buf, w2.Bytes()...)

	r := NewBinaryReader(buf)
	words, err := r.ReadWordArray()
	require.NoError(t, err)
	require.Equal(t, []common.Hash{w1, w2}, words)
	require.NoError(t, r.AssertEmpty())
}
