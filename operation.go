package custody

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// SelectorLength is the length of a function selector.
	SelectorLength = 4

	// CallbackDescriptorSize is the packed wire size of a callback
	// descriptor: 4-byte selector, 2-byte payload offset, 20-byte
	// expected caller.
	CallbackDescriptorSize = SelectorLength + 2 + common.AddressLength

	// CallbackNoOperations is the sentinel payload offset meaning the
	// callback carries no embedded operations and must be answered with
	// an empty response.
	CallbackNoOperations uint16 = 0xFFFF

	// MaxConfigurableOffsets is how many 2-byte extraction offsets fit
	// in the packed 32-byte offsets word.
	MaxConfigurableOffsets = 16

	hookConfigCustomBit  = 0x80
	hookConfigCountMask  = 0x7F
	hookAddressBeforeBit = 0x01
	hookAddressAfterBit  = 0x02
)

// CallbackDescriptor declares the one reentry an operation expects
// while its dispatched call is in flight: who may call back, with which
// selector, and at which byte offset of the callback calldata the
// embedded operation payload begins.
type CallbackDescriptor struct {
	Selector [4]byte
	Offset   uint16
	Caller   common.Address
}

// packed returns the 26-byte wire form, also folded into the Merkle
// leaf.
func (c *CallbackDescriptor) packed() []byte {
	if c == nil {
		return make([]byte, CallbackDescriptorSize)
	}
	out := make([]byte, CallbackDescriptorSize)
	copy(out, c.Selector[:])
	binary.BigEndian.PutUint16(out[SelectorLength:], c.Offset)
	copy(out[SelectorLength+2:], c.Caller.Bytes())
	return out
}

// HookDescriptor names an optional per-operation hook contract and its
// capabilities. On the wire the capabilities ride in the two low bits
// of the address's final byte; decoding lifts them into explicit flags
// and masks them off the call address.
type HookDescriptor struct {
	Address   common.Address
	Custom    bool
	HasBefore bool
	HasAfter  bool
}

// Operation is one decoded instruction of a guardian submission. It
// lives only for the duration of the submit call.
type Operation struct {
	Target              common.Address
	Calldata            []byte
	Clipboards          []ClipboardEntry
	Static              bool
	Callback            *CallbackDescriptor
	Hook                HookDescriptor
	ConfigurableOffsets []uint16
	Proof               []common.Hash
	Value               *big.Int // nil when the operation carries no native value
}

// HasValue reports whether the operation dispatches nonzero native
// value.
func (op *Operation) HasValue() bool {
	return op.Value != nil && op.Value.Sign() != 0
}

// Selector returns the 4-byte selector at the head of the calldata.
func (op *Operation) Selector() ([4]byte, error) {
	var sel [4]byte
	if len(op.Calldata) < SelectorLength {
		return sel, ErrCalldataTooShort
	}
	copy(sel[:], op.Calldata[:SelectorLength])
	return sel, nil
}

// readOperation decodes one operation from the reader. Clipboard
// application against prior results happens in the engine, after the
// entries are decoded here.
func readOperation(r *BinaryReader) (*Operation, error) {
	target, err := r.ReadAddress()
	if err != nil {
		return nil, err
	}
	rawCalldata, err := r.ReadBytes16()
	if err != nil {
		return nil, err
	}
	// The calldata is mutated by clipboard pastes; detach it from the
	// submission buffer.
	calldata := append([]byte(nil), rawCalldata...)

	clipboards, err := readClipboardEntries(r)
	if err != nil {
		return nil, err
	}
	static, err := r.ReadBool()
	if err != nil {
		return nil, err
	}

	op := &Operation{
		Target:     target,
		Calldata:   calldata,
		Clipboards: clipboards,
		Static:     static,
	}
	if static {
		return op, nil
	}

	hasCallback, err := r.ReadBool()
	if err != nil {
		return nil, err
	}
	if hasCallback {
		cb, err := readCallbackDescriptor(r)
		if err != nil {
			return nil, err
		}
		op.Callback = cb
	}

	hookConfig, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	offsetCount := int(hookConfig & hookConfigCountMask)
	if offsetCount > MaxConfigurableOffsets {
		return nil, ErrTooManyOffsets
	}
	if offsetCount > 0 {
		packed, err := r.ReadRaw(common.HashLength)
		if err != nil {
			return nil, err
		}
		op.ConfigurableOffsets = make([]uint16, offsetCount)
		for i := 0; i < offsetCount; i++ {
			op.ConfigurableOffsets[i] = binary.BigEndian.Uint16(packed[2*i:])
		}
	}
	if hookConfig&hookConfigCustomBit != 0 {
		hookAddr, err := r.ReadAddress()
		if err != nil {
			return nil, err
		}
		op.Hook = unpackHookAddress(hookAddr)
	}
	// A before-capable hook injects into the same leaf-construction
	// step the configurable extraction would; the combination is
	// structurally invalid.
	if offsetCount > 0 && op.Hook.HasBefore {
		return nil, ErrHookConflict
	}

	op.Proof, err = r.ReadWordArray()
	if err != nil {
		return nil, err
	}

	hasValue, err := r.ReadBool()
	if err != nil {
		return nil, err
	}
	if hasValue {
		word, err := r.ReadWord()
		if err != nil {
			return nil, err
		}
		op.Value = new(big.Int).SetBytes(word.Bytes())
	}
	return op, nil
}

func readCallbackDescriptor(r *BinaryReader) (*CallbackDescriptor, error) {
	raw, err := r.ReadRaw(CallbackDescriptorSize)
	if err != nil {
		return nil, err
	}
	cb := &CallbackDescriptor{
		Offset: binary.BigEndian.Uint16(raw[SelectorLength:]),
		Caller: common.BytesToAddress(raw[SelectorLength+2:]),
	}
	copy(cb.Selector[:], raw[:SelectorLength])
	return cb, nil
}

// unpackHookAddress lifts the capability bits out of the wire address.
func unpackHookAddress(addr common.Address) HookDescriptor {
	last := addr[common.AddressLength-1]
	masked := addr
	masked[common.AddressLength-1] = last &^ (hookAddressBeforeBit | hookAddressAfterBit)
	return HookDescriptor{
		Address:   masked,
		Custom:    true,
		HasBefore: last&hookAddressBeforeBit != 0,
		HasAfter:  last&hookAddressAfterBit != 0,
	}
}

// packHookAddress is the encoding inverse of unpackHookAddress.
func packHookAddress(hook HookDescriptor) common.Address {
	addr := hook.Address
	if hook.HasBefore {
		addr[common.AddressLength-1] |= hookAddressBeforeBit
	}
	if hook.HasAfter {
		addr[common.AddressLength-1] |= hookAddressAfterBit
	}
	return addr
}

// packedOffsets returns the 32-byte packed form of the configurable
// offsets, as committed into the Merkle leaf.
func packedOffsets(offsets []uint16) [32]byte {
	var out [32]byte
	for i, off := range offsets {
		binary.BigEndian.PutUint16(out[2*i:], off)
	}
	return out
}

// extractFragments reads one 32-byte word of calldata per configurable
// offset. The fragments fold into the Merkle leaf so the guardian's
// permission can pin specific argument words.
func extractFragments(calldata []byte, offsets []uint16) ([][]byte, error) {
	fragments := make([][]byte, 0, len(offsets))
	for _, off := range offsets {
		if int(off)+common.HashLength > len(calldata) {
			return nil, ErrExtractOutOfBounds
		}
		fragments = append(fragments, calldata[off:int(off)+common.HashLength])
	}
	return fragments, nil
}

// EncodeOperations serializes a batch into the submit wire format. It
// is the encoding used by guardian tooling and by the tests; decoding
// its output with readOperation round-trips.
func EncodeOperations(ops []*Operation) ([]byte, error) {
	if len(ops) > math.MaxUint8 {
		return nil, fmt.Errorf("operation count exceeds maximum uint8 value: %d", len(ops))
	}
	out := []byte{byte(len(ops))}
	for i, op := range ops {
		encoded, err := encodeOperation(op)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		out = append(out, encoded...)
	}
	return out, nil
}

func encodeOperation(op *Operation) ([]byte, error) {
	if len(op.Calldata) > math.MaxUint16 {
		return nil, fmt.Errorf("calldata length exceeds maximum uint16 value: %d", len(op.Calldata))
	}
	if len(op.Clipboards) > math.MaxUint8 {
		return nil, fmt.Errorf("clipboard count exceeds maximum uint8 value: %d", len(op.Clipboards))
	}
	if len(op.ConfigurableOffsets) > MaxConfigurableOffsets {
		return nil, ErrTooManyOffsets
	}
	if len(op.Proof) > math.MaxUint8 {
		return nil, fmt.Errorf("proof length exceeds maximum uint8 value: %d", len(op.Proof))
	}
	if len(op.ConfigurableOffsets) > 0 && op.Hook.HasBefore {
		return nil, ErrHookConflict
	}

	var out []byte
	out = append(out, op.Target.Bytes()...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(op.Calldata)))
	out = append(out, op.Calldata...)
	out = append(out, byte(len(op.Clipboards)))
	for _, e := range op.Clipboards {
		out = append(out, e.ResultIndex, e.SourceWord)
		out = binary.BigEndian.AppendUint16(out, e.DestOffset)
	}
	out = append(out, boolByte(op.Static))
	if op.Static {
		return out, nil
	}

	out = append(out, boolByte(op.Callback != nil))
	if op.Callback != nil {
		out = append(out, op.Callback.packed()...)
	}

	hookConfig := byte(len(op.ConfigurableOffsets))
	if op.Hook.Custom {
		hookConfig |= hookConfigCustomBit
	}
	out = append(out, hookConfig)
	if len(op.ConfigurableOffsets) > 0 {
		packed := packedOffsets(op.ConfigurableOffsets)
		out = append(out, packed[:]...)
	}
	if op.Hook.Custom {
		out = append(out, packHookAddress(op.Hook).Bytes()...)
	}

	out = append(out, byte(len(op.Proof)))
	for _, w := range op.Proof {
		out = append(out, w.Bytes()...)
	}

	out = append(out, boolByte(op.HasValue()))
	if op.HasValue() {
		out = append(out, common.BigToHash(op.Value).Bytes()...)
	}
	return out, nil
}

// Leaf computes the Merkle leaf a mutating operation authorizes
// against, with the clipboard pastes already applied to the calldata.
func (op *Operation) Leaf() (common.Hash, error) {
	selector, err := op.Selector()
	if err != nil {
		return common.Hash{}, err
	}
	extracted, err := extractFragments(op.Calldata, op.ConfigurableOffsets)
	if err != nil {
		return common.Hash{}, err
	}
	return operationLeaf(
		op.Target,
		selector,
		op.HasValue(),
		op.Hook,
		packedOffsets(op.ConfigurableOffsets),
		op.Callback.packed(),
		extracted,
	), nil
}
