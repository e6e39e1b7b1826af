package custody

import "errors"

// protocolError is a typed string error so each guard condition maps to
// one distinguishable constant value.
type protocolError string

func (e protocolError) Error() string {
	return string(e)
}

// Decode and reader errors.
const (
	ErrReaderOutOfBounds protocolError = "read past end of buffer"
	ErrReaderNotAtEnd    protocolError = "reader not at end of buffer"
	ErrEmptyPayload      protocolError = "empty payload"
)

// Clipboard errors.
const (
	ErrPasteOffsetOutOfBounds protocolError = "clipboard paste offset out of bounds"
	ErrCopyOffsetOutOfBounds  protocolError = "clipboard copy offset out of bounds"
	ErrClipboardResultIndex   protocolError = "clipboard result index out of bounds"
)

// Authorization and engine errors.
const (
	ErrProofMismatch            protocolError = "operation not in guardian merkle root"
	ErrHookConflict             protocolError = "configurable offsets conflict with before-capable hook"
	ErrTooManyOffsets           protocolError = "configurable offset count exceeds maximum"
	ErrExtractOutOfBounds       protocolError = "configurable offset extraction out of bounds"
	ErrCalldataTooShort         protocolError = "mutating calldata shorter than a selector"
	ErrCallbackNotReceived      protocolError = "expected callback not received"
	ErrCallbackUnexpected       protocolError = "no callback expected"
	ErrCallbackCallerMismatch   protocolError = "callback caller mismatch"
	ErrCallbackSelectorMismatch protocolError = "callback selector mismatch"
	ErrCallbackDepth            protocolError = "callback nesting too deep"
	ErrCallbackReturnMode       protocolError = "invalid callback return mode"
	ErrOutstandingApproval      protocolError = "outstanding approval after execution"
	ErrSubmitReentry            protocolError = "submit re-entered"
)

// Guardian management errors.
const (
	ErrNotAuthority           protocolError = "caller is not the authority"
	ErrGuardianNotWhitelisted protocolError = "guardian not whitelisted"
	ErrGuardianUnknown        protocolError = "guardian has no root"
	ErrZeroRoot               protocolError = "guardian root cannot be zero"
)

// Provisioner errors.
const (
	ErrTokenNotConfigured   protocolError = "token not configured"
	ErrSyncDepositDisabled  protocolError = "sync deposits disabled for token"
	ErrAsyncDepositDisabled protocolError = "async deposits disabled for token"
	ErrAsyncRedeemDisabled  protocolError = "async redemptions disabled for token"
	ErrZeroAmount           protocolError = "amount must be nonzero"
	ErrDeadlinePassed       protocolError = "deadline not in the future"
	ErrDeadlineTooFar       protocolError = "deadline more than one year out"
	ErrVaultPaused          protocolError = "vault is paused"
	ErrFixedPriceTip        protocolError = "fixed-price request cannot carry a tip"
	ErrHashCollision        protocolError = "identical request already pending"
	ErrWrongRequestType     protocolError = "request type does not match entry point"
	ErrHashUnknown          protocolError = "request hash unknown"
	ErrDepositCapExceeded   protocolError = "deposit cap exceeded"
	ErrMultiplierBounds     protocolError = "multiplier outside permitted bounds"
	ErrRefundTimeoutBounds  protocolError = "deposit refund timeout exceeds maximum"
	ErrRefundTooEarly       protocolError = "refund before deadline requires authority"
	ErrRefundWindowClosed   protocolError = "sync deposit refund window closed"
	ErrUnitsLocked          protocolError = "units locked pending refund window"
	ErrAmountOutOfBound     protocolError = "output amount violates requested bound"
	ErrNotFixedPrice        protocolError = "direct solving requires fixed-price requests"
	ErrNotSolver            protocolError = "caller is not an authorized solver"
	ErrSolveReentry         protocolError = "settlement entry point re-entered"
)

// Environment errors.
var (
	ErrUnknownContract       = errors.New("no contract at target address")
	ErrStaticStateChange     = errors.New("state mutation inside static call")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrUnknownSelector       = errors.New("unknown function selector")
)
