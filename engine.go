package custody

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Submission-level hook entry points.
var (
	SelBeforeSubmit = Selector("beforeSubmit(bytes,address)")
	SelAfterSubmit  = Selector("afterSubmit(bytes,address)")
)

// SubmitHookConfig names a contract invoked around every submission,
// in addition to any per-operation hooks.
type SubmitHookConfig struct {
	Address   common.Address
	HasBefore bool
	HasAfter  bool
}

// approval is one token+spender pair created by an approve or
// increaseAllowance call observed during a submission. Every tracked
// pair must read back a zero allowance before its scope ends.
type approval struct {
	Token   common.Address
	Spender common.Address
}

// submitContext is the transient state of one top-level submission. It
// exists only while Submit is on the stack.
type submitContext struct {
	guardian  common.Address
	root      common.Hash
	approvals []approval       // batch-scoped approvals
	callbacks []*callbackState // stack of pending expected callbacks
	depth     int              // current callback nesting depth
}

// ExecutionEngine decodes guardian operation batches and dispatches
// them one at a time, each mutating operation gated by a Merkle proof
// against the guardian's root. The engine registers itself as a
// contract so flash-loan style targets can re-enter it through the one
// expected callback path.
type ExecutionEngine struct {
	chain      *Chain
	addr       common.Address
	authority  common.Address
	whitelist  Whitelist
	roots      map[common.Address]common.Hash
	submitHook SubmitHookConfig

	ctx *submitContext
}

// NewExecutionEngine creates an engine and registers it on the chain at
// addr.
func NewExecutionEngine(c *Chain, addr, authority common.Address, whitelist Whitelist) *ExecutionEngine {
	e := &ExecutionEngine{
		chain:     c,
		addr:      addr,
		authority: authority,
		whitelist: whitelist,
		roots:     make(map[common.Address]common.Hash),
	}
	c.Register(addr, func(c *Chain, call Call) ([]byte, error) {
		return e.HandleCallback(call.Caller, call.Data)
	})
	return e
}

// Address returns the engine's registered contract address.
func (e *ExecutionEngine) Address() common.Address {
	return e.addr
}

// SetSubmitHook configures the submission-level hook contract.
func (e *ExecutionEngine) SetSubmitHook(caller common.Address, cfg SubmitHookConfig) error {
	if caller != e.authority {
		return ErrNotAuthority
	}
	e.submitHook = cfg
	return nil
}

// Submit decodes and executes one guardian operation batch. Any decode,
// authorization, dispatch or invariant failure aborts the whole
// submission with no partial effects.
func (e *ExecutionEngine) Submit(guardian common.Address, payload []byte) error {
	if e.ctx != nil {
		return ErrSubmitReentry
	}
	root, ok := e.roots[guardian]
	if !ok || root == (common.Hash{}) {
		return ErrGuardianUnknown
	}
	if len(payload) == 0 {
		return ErrEmptyPayload
	}

	snap := e.chain.Snapshot()
	e.ctx = &submitContext{guardian: guardian, root: root}
	defer func() { e.ctx = nil }()

	count, err := e.runSubmission(payload)
	if err != nil {
		e.chain.Revert(snap)
		return err
	}
	e.chain.Emit(SubmissionExecutedEvent{Guardian: guardian, Operations: count})
	return nil
}

func (e *ExecutionEngine) runSubmission(payload []byte) (int, error) {
	if e.submitHook.HasBefore {
		if err := e.callSubmitHook(SelBeforeSubmit, payload); err != nil {
			return 0, fmt.Errorf("before-submit hook: %w", err)
		}
	}

	r := NewBinaryReader(payload)
	results, err := e.runOperations(r, &e.ctx.approvals)
	if err != nil {
		return 0, err
	}
	if err := r.AssertEmpty(); err != nil {
		return 0, err
	}

	if e.submitHook.HasAfter {
		if err := e.callSubmitHook(SelAfterSubmit, payload); err != nil {
			return 0, fmt.Errorf("after-submit hook: %w", err)
		}
	}
	if err := e.checkApprovalsCleared(e.ctx.approvals); err != nil {
		return 0, err
	}
	return len(results), nil
}

func (e *ExecutionEngine) callSubmitHook(sel [4]byte, payload []byte) error {
	data := append(PackCall(sel, abiAddressWord(e.ctx.guardian)), payload...)
	_, err := e.chain.Call(Call{
		Caller: e.addr,
		Target: e.submitHook.Address,
		Data:   data,
	})
	return err
}

// runOperations executes one decoded batch. Approvals created by the
// batch accumulate into sink, whose owner decides when to enforce the
// zero-allowance invariant.
func (e *ExecutionEngine) runOperations(r *BinaryReader, sink *[]approval) ([][]byte, error) {
	count, err := r.ReadUint8()
	if err != nil {
		return nil, err
	}
	results := make([][]byte, 0, count)
	for i := 0; i < int(count); i++ {
		op, err := readOperation(r)
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		if err := applyClipboards(op.Clipboards, results, op.Calldata); err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}

		var result []byte
		if op.Static {
			result, err = e.chain.Call(Call{
				Caller: e.addr,
				Target: op.Target,
				Data:   op.Calldata,
				Static: true,
			})
		} else {
			result, err = e.executeMutating(op, sink)
		}
		if err != nil {
			return nil, fmt.Errorf("operation %d: %w", i, err)
		}
		results = append(results, result)
	}
	return results, nil
}

// executeMutating runs one authorization-gated operation end to end:
// approval tracking, callback registration, leaf construction, proof
// verification, dispatch, callback consumption check, after-hook.
func (e *ExecutionEngine) executeMutating(op *Operation, sink *[]approval) ([]byte, error) {
	selector, err := op.Selector()
	if err != nil {
		return nil, err
	}
	if selector == SelApprove || selector == SelIncreaseAllowance {
		spender, err := spenderOf(op.Calldata)
		if err != nil {
			return nil, err
		}
		*sink = append(*sink, approval{Token: op.Target, Spender: spender})
	}

	var cb *callbackState
	if op.Callback != nil {
		cb = e.pushCallback(op.Callback)
	}

	extracted, err := extractFragments(op.Calldata, op.ConfigurableOffsets)
	if err != nil {
		return nil, err
	}
	if op.Hook.HasBefore {
		// A before-capable hook injects its response into the leaf the
		// same way configurable extraction would; the decoder has
		// already rejected the combination.
		fragment, err := e.chain.Call(Call{
			Caller: e.addr,
			Target: op.Hook.Address,
			Data:   op.Calldata,
			Static: true,
		})
		if err != nil {
			return nil, fmt.Errorf("before hook: %w", err)
		}
		extracted = append(extracted, fragment)
	}

	leaf := operationLeaf(
		op.Target,
		selector,
		op.HasValue(),
		op.Hook,
		packedOffsets(op.ConfigurableOffsets),
		op.Callback.packed(),
		extracted,
	)
	if !verifyProof(e.ctx.root, leaf, op.Proof) {
		return nil, ErrProofMismatch
	}

	result, err := e.chain.Call(Call{
		Caller: e.addr,
		Target: op.Target,
		Data:   op.Calldata,
		Value:  op.Value,
	})
	if err != nil {
		return nil, err
	}

	if cb != nil {
		e.popCallback()
		if !cb.consumed {
			return nil, ErrCallbackNotReceived
		}
		if e.ctx.depth == 0 {
			// Approvals created inside the callback must already be
			// spent; the outer batch's own approvals wait for the
			// end-of-submission check.
			if err := e.checkApprovalsCleared(cb.approvals); err != nil {
				return nil, err
			}
		} else {
			*sink = append(*sink, cb.approvals...)
		}
	}

	if op.Hook.HasAfter {
		if _, err := e.chain.Call(Call{
			Caller: e.addr,
			Target: op.Hook.Address,
			Data:   op.Calldata,
		}); err != nil {
			return nil, fmt.Errorf("after hook: %w", err)
		}
	}
	return result, nil
}

// spenderOf extracts the spender address from approve-style calldata:
// the address word ends at byte offset 36.
func spenderOf(calldata []byte) (common.Address, error) {
	if len(calldata) < SelectorLength+common.HashLength {
		return common.Address{}, ErrCalldataTooShort
	}
	return common.BytesToAddress(calldata[16:36]), nil
}

// checkApprovalsCleared reads every tracked allowance back through a
// static call and fails on the first nonzero one.
func (e *ExecutionEngine) checkApprovalsCleared(approvals []approval) error {
	for _, a := range approvals {
		data := PackCall(SelAllowance, abiAddressWord(e.addr), abiAddressWord(a.Spender))
		result, err := e.chain.Call(Call{
			Caller: e.addr,
			Target: a.Token,
			Data:   data,
			Static: true,
		})
		if err != nil {
			return err
		}
		if new(big.Int).SetBytes(result).Sign() != 0 {
			return fmt.Errorf("%w: token %s spender %s", ErrOutstandingApproval, a.Token, a.Spender)
		}
	}
	return nil
}
