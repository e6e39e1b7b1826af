package custody

import (
	"github.com/ethereum/go-ethereum/common"
)

// Callback return modes: the first byte of an embedded callback payload
// selects what the callback reply carries.
const (
	CallbackReturnEmpty   uint8 = 0 // reply with no bytes
	CallbackReturnStatic  uint8 = 1 // reply with a guardian-supplied blob
	CallbackReturnDynamic uint8 = 2 // reply with the last nested operation's result
)

// maxCallbackDepth bounds nested callback reentry. The protocol itself
// has no cap; this guards the interpreter's stack.
const maxCallbackDepth = 16

// callbackState is the transient record of one expected callback: the
// descriptor the operation declared, the root nested operations
// authorize against, and the approvals those nested operations create.
// It lives on the submission context's stack and is cleared with it.
type callbackState struct {
	descriptor CallbackDescriptor
	root       common.Hash
	consumed   bool
	approvals  []approval
}

func (e *ExecutionEngine) pushCallback(desc *CallbackDescriptor) *callbackState {
	cb := &callbackState{descriptor: *desc, root: e.ctx.root}
	e.ctx.callbacks = append(e.ctx.callbacks, cb)
	return cb
}

func (e *ExecutionEngine) popCallback() {
	e.ctx.callbacks = e.ctx.callbacks[:len(e.ctx.callbacks)-1]
}

// HandleCallback is the engine's fallback entry point: an external
// contract re-entering mid-operation. The reentry must match the one
// registered expectation exactly; anything else is rejected before any
// nested operation runs.
func (e *ExecutionEngine) HandleCallback(caller common.Address, data []byte) ([]byte, error) {
	if e.ctx == nil || len(e.ctx.callbacks) == 0 {
		return nil, ErrCallbackUnexpected
	}
	cb := e.ctx.callbacks[len(e.ctx.callbacks)-1]
	if cb.consumed || cb.root == (common.Hash{}) {
		return nil, ErrCallbackUnexpected
	}
	if len(data) < SelectorLength {
		return nil, ErrCalldataTooShort
	}
	var selector [4]byte
	copy(selector[:], data[:SelectorLength])
	if selector != cb.descriptor.Selector {
		return nil, ErrCallbackSelectorMismatch
	}
	if caller != cb.descriptor.Caller {
		return nil, ErrCallbackCallerMismatch
	}
	cb.consumed = true

	if cb.descriptor.Offset == CallbackNoOperations {
		return nil, nil
	}
	if int(cb.descriptor.Offset) > len(data) {
		return nil, ErrReaderOutOfBounds
	}
	if e.ctx.depth >= maxCallbackDepth {
		return nil, ErrCallbackDepth
	}
	e.ctx.depth++
	defer func() { e.ctx.depth-- }()

	r := NewBinaryReader(data[cb.descriptor.Offset:])
	mode, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	var staticReply []byte
	switch mode {
	case CallbackReturnEmpty, CallbackReturnDynamic:
	case CallbackReturnStatic:
		if staticReply, err = r.ReadBytes16(); err != nil {
			return nil, err
		}
	default:
		return nil, ErrCallbackReturnMode
	}

	// Nested operations authorize against the same guardian root and
	// accumulate their approvals into the callback registry; the outer
	// operation that triggered this callback is still mid-flight and
	// owns the final check.
	results, err := e.runOperations(r, &cb.approvals)
	if err != nil {
		return nil, err
	}
	if err := r.AssertEmpty(); err != nil {
		return nil, err
	}

	switch mode {
	case CallbackReturnStatic:
		return staticReply, nil
	case CallbackReturnDynamic:
		if len(results) == 0 {
			return nil, nil
		}
		return results[len(results)-1], nil
	}
	return nil, nil
}
