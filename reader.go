// Package custody implements the guarded operation-execution engine and
// the request settlement engine (Provisioner) of a pooled asset-custody
// protocol, together with the deterministic in-memory execution
// environment they run against.
//
// Guardians submit binary-encoded operation batches that are decoded,
// checked against a per-guardian Merkle permission root and dispatched
// one at a time; end users create deposit and redemption requests that
// solvers later settle against an external price oracle.
package custody

import (
	"encoding/binary"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// BinaryReader is a forward-only cursor over an immutable byte buffer.
// Every typed read advances the position and fails with
// ErrReaderOutOfBounds when the buffer is too short. Decoding
// boundaries call AssertEmpty so trailing garbage is never accepted.
type BinaryReader struct {
	data []byte
	pos  int
}

// NewBinaryReader wraps data in a reader positioned at the start.
func NewBinaryReader(data []byte) *BinaryReader {
	return &BinaryReader{data: data}
}

// Len returns the number of unread bytes.
func (r *BinaryReader) Len() int {
	return len(r.data) - r.pos
}

// ReadRaw returns the next n bytes without copying.
func (r *BinaryReader) ReadRaw(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, ErrReaderOutOfBounds
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

// ReadUint8 reads one byte.
func (r *BinaryReader) ReadUint8() (uint8, error) {
	b, err := r.ReadRaw(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadBool reads one byte and interprets any nonzero value as true.
func (r *BinaryReader) ReadBool() (bool, error) {
	b, err := r.ReadUint8()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// ReadUint16 reads a 2-byte big-endian unsigned integer.
func (r *BinaryReader) ReadUint16() (uint16, error) {
	b, err := r.ReadRaw(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// ReadUint24 reads a 3-byte big-endian unsigned integer.
func (r *BinaryReader) ReadUint24() (uint32, error) {
	b, err := r.ReadRaw(3)
	if err != nil {
		return 0, err
	}
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]), nil
}

// ReadUint32 reads a 4-byte big-endian unsigned integer.
func (r *BinaryReader) ReadUint32() (uint32, error) {
	b, err := r.ReadRaw(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// ReadUint40 reads a 5-byte big-endian unsigned integer.
func (r *BinaryReader) ReadUint40() (uint64, error) {
	b, err := r.ReadRaw(5)
	if err != nil {
		return 0, err
	}
	return uint64(b[0])<<32 | uint64(b[1])<<24 | uint64(b[2])<<16 |
		uint64(b[3])<<8 | uint64(b[4]), nil
}

// ReadUint64 reads an 8-byte big-endian unsigned integer.
func (r *BinaryReader) ReadUint64() (uint64, error) {
	b, err := r.ReadRaw(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// ReadUint128 reads a 16-byte big-endian unsigned integer.
func (r *BinaryReader) ReadUint128() (*big.Int, error) {
	b, err := r.ReadRaw(16)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(b), nil
}

// ReadAddress reads a 20-byte address.
func (r *BinaryReader) ReadAddress() (common.Address, error) {
	b, err := r.ReadRaw(common.AddressLength)
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(b), nil
}

// ReadWord reads a 32-byte word.
func (r *BinaryReader) ReadWord() (common.Hash, error) {
	b, err := r.ReadRaw(common.HashLength)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(b), nil
}

// ReadBytes8 reads a byte slice with a 1-byte length prefix.
func (r *BinaryReader) ReadBytes8() ([]byte, error) {
	n, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	return r.ReadRaw(int(n))
}

// ReadBytes16 reads a byte slice with a 2-byte length prefix.
func (r *BinaryReader) ReadBytes16() ([]byte, error) {
	n, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	return r.ReadRaw(int(n))
}

// ReadBytes24 reads a byte slice with a 3-byte length prefix.
func (r *BinaryReader) ReadBytes24() ([]byte, error) {
	n, err := r.ReadUint24()
	if err != nil {
		return nil, err
	}
	return r.ReadRaw(int(n))
}

// ReadWordArray reads a 1-byte count followed by that many 32-byte
// words.
func (r *BinaryReader) ReadWordArray() ([]common.Hash, error) {
	n, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	words := make([]common.Hash, 0, n)
	for i := 0; i < int(n); i++ {
		w, err := r.ReadWord()
		if err != nil {
			return nil, err
		}
		words = append(words, w)
	}
	return words, nil
}

// AssertEmpty fails unless the reader consumed the buffer exactly.
func (r *BinaryReader) AssertEmpty() error {
	if r.pos != len(r.data) {
		return ErrReaderNotAtEnd
	}
	return nil
}
