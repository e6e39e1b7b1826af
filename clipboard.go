package custody

import "github.com/ethereum/go-ethereum/common"

// ClipboardEntrySize is the packed wire size of one clipboard entry:
// 1-byte result index, 1-byte source word index, 2-byte destination
// byte offset.
const ClipboardEntrySize = 4

// ClipboardEntry copies one 32-byte word of a prior operation's result
// into a pending operation's calldata before dispatch. It is what lets
// a guardian chain operations (read a balance, then spend exactly that
// balance) in one atomic submission without an off-chain round trip.
type ClipboardEntry struct {
	ResultIndex uint8  // index into the results of already executed operations
	SourceWord  uint8  // word index into that result buffer
	DestOffset  uint16 // byte offset into the pending calldata
}

// readClipboardEntries decodes a 1-byte count followed by packed
// entries.
func readClipboardEntries(r *BinaryReader) ([]ClipboardEntry, error) {
	count, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	entries := make([]ClipboardEntry, 0, count)
	for i := 0; i < int(count); i++ {
		resultIndex, err := r.ReadUint8()
		if err != nil {
			return nil, err
		}
		sourceWord, err := r.ReadUint8()
		if err != nil {
			return nil, err
		}
		destOffset, err := r.ReadUint16()
		if err != nil {
			return nil, err
		}
		entries = append(entries, ClipboardEntry{
			ResultIndex: resultIndex,
			SourceWord:  sourceWord,
			DestOffset:  destOffset,
		})
	}
	return entries, nil
}

// applyClipboards pastes words from prior results into calldata in
// place. All bounds are validated before any byte is written.
func applyClipboards(entries []ClipboardEntry, results [][]byte, calldata []byte) error {
	for _, e := range entries {
		if int(e.ResultIndex) >= len(results) {
			return ErrClipboardResultIndex
		}
		src := results[e.ResultIndex]
		srcOffset := int(e.SourceWord) * common.HashLength
		if srcOffset+common.HashLength > len(src) {
			return ErrCopyOffsetOutOfBounds
		}
		if int(e.DestOffset)+common.HashLength > len(calldata) {
			return ErrPasteOffsetOutOfBounds
		}
		copy(calldata[e.DestOffset:], src[srcOffset:srcOffset+common.HashLength])
	}
	return nil
}
