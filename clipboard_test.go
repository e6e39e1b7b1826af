package custody

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

// TestReadClipboardEntries tests decoding a packed entry list.
func TestReadClipboardEntries(t *testing.T) {
	buf := []byte{
		2,                // count
		0, 1, 0x00, 0x24, // result 0, word 1, offset 36
		3, 0, 0x01, 0x00, // result 3, word 0, offset 256
	}
	r := NewBinaryReader(buf)
	entries, err := readClipboardEntries(r)
	require.NoError(t, err)
	require.NoError(t, r.AssertEmpty())
	require.Equal(t, []ClipboardEntry{
		{ResultIndex: 0, SourceWord: 1, DestOffset: 36},
		{ResultIndex: 3, SourceWord: 0, DestOffset: 256},
	}, entries)
}

// TestApplyClipboards_BalanceIntoTransfer tests the canonical chaining
// case: a prior balance read pasted into the amount word of a transfer,
// which starts at byte offset 36 of the calldata.
func TestApplyClipboards_BalanceIntoTransfer(t *testing.T) {
	recipient := common.Address{19: 0x42}
	balance := common.LeftPadBytes([]byte{0x04, 0xD2}, 32) // 1234

	calldata := PackCall(SelTransfer, recipient.Bytes(), make([]byte, 32))
	results := [][]byte{balance}

	err := applyClipboards(
		[]ClipboardEntry{{ResultIndex: 0, SourceWord: 0, DestOffset: 36}},
		results, calldata,
	)
	require.NoError(t, err)
	require.Equal(t, balance, calldata[36:68])
	// Selector and recipient word are untouched.
	require.Equal(t, SelTransfer[:], calldata[:4])
	require.Equal(t, common.LeftPadBytes(recipient.Bytes(), 32), calldata[4:36])
}

// TestApplyClipboards_SecondWord tests pasting a non-leading word of a
// multi-word result.
func TestApplyClipboards_SecondWord(t *testing.T) {
	result := append(
		common.LeftPadBytes([]byte{0x01}, 32),
		common.LeftPadBytes([]byte{0x02}, 32)...,
	)
	calldata := make([]byte, 36)

	err := applyClipboards(
		[]ClipboardEntry{{ResultIndex: 0, SourceWord: 1, DestOffset: 4}},
		[][]byte{result}, calldata,
	)
	require.NoError(t, err)
	require.Equal(t, common.LeftPadBytes([]byte{0x02}, 32), calldata[4:36])
}

// TestApplyClipboards_Bounds tests the three bounds failures.
func TestApplyClipboards_Bounds(t *testing.T) {
	word := make([]byte, 32)
	tests := []struct {
		name    string
		entry   ClipboardEntry
		results [][]byte
		size    int
		wantErr error
	}{
		{
			name:    "result index past results",
			entry:   ClipboardEntry{ResultIndex: 1},
			results: [][]byte{word},
			size:    36,
			wantErr: ErrClipboardResultIndex,
		},
		{
			name:    "source word past result",
			entry:   ClipboardEntry{SourceWord: 1},
			results: [][]byte{word},
			size:    36,
			wantErr: ErrCopyOffsetOutOfBounds,
		},
		{
			name:    "dest offset past calldata",
			entry:   ClipboardEntry{DestOffset: 5},
			results: [][]byte{word},
			size:    36,
			wantErr: ErrPasteOffsetOutOfBounds,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calldata := make([]byte, tt.size)
			err := applyClipboards([]ClipboardEntry{tt.entry}, tt.results, calldata)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}
