package custody

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
)

// EventJSON serializes an event for off-chain consumers.
func EventJSON(ev Event) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s event into JSON: %w", ev.EventName(), err)
	}
	return string(data), nil
}

// GuardianEjectedEvent reports a guardian root zeroed because the
// guardian fell off the whitelist.
type GuardianEjectedEvent struct {
	Guardian common.Address `json:"guardian"`
}

func (GuardianEjectedEvent) EventName() string { return "GuardianEjected" }

// SubmissionExecutedEvent reports a completed guardian submission.
type SubmissionExecutedEvent struct {
	Guardian   common.Address `json:"guardian"`
	Operations int            `json:"operations"`
}

func (SubmissionExecutedEvent) EventName() string { return "SubmissionExecuted" }

// RequestCreatedEvent reports a new pending async request.
type RequestCreatedEvent struct {
	Token common.Address `json:"token"`
	Hash  common.Hash    `json:"hash"`
	Type  RequestType    `json:"type"`
	User  common.Address `json:"user"`
}

func (RequestCreatedEvent) EventName() string { return "RequestCreated" }

// RequestSettledEvent reports a request solved to completion.
type RequestSettledEvent struct {
	Token  common.Address `json:"token"`
	Hash   common.Hash    `json:"hash"`
	Solver common.Address `json:"solver"`
	Tip    *big.Int       `json:"tip"`
}

func (RequestSettledEvent) EventName() string { return "RequestSettled" }

// RequestRefundedEvent reports committed funds returned to the
// requester, whether by explicit refund or the solve-time expiry
// branch.
type RequestRefundedEvent struct {
	Token common.Address `json:"token"`
	Hash  common.Hash    `json:"hash"`
	User  common.Address `json:"user"`
}

func (RequestRefundedEvent) EventName() string { return "RequestRefunded" }

// SyncDepositEvent reports an instant deposit with its refund window.
type SyncDepositEvent struct {
	Token           common.Address `json:"token"`
	User            common.Address `json:"user"`
	TokenAmount     *big.Int       `json:"tokenAmount"`
	UnitsAmount     *big.Int       `json:"unitsAmount"`
	RefundableUntil uint64         `json:"refundableUntil"`
}

func (SyncDepositEvent) EventName() string { return "SyncDeposit" }

// Batch-solving skips one item per event rather than reverting; each
// guard condition has its own type so solvers can tell a retryable
// request from a dead one.

// UnsolvedRequestHashEvent reports a batch item whose hash is no longer
// pending.
type UnsolvedRequestHashEvent struct {
	Token common.Address `json:"token"`
	Hash  common.Hash    `json:"hash"`
}

func (UnsolvedRequestHashEvent) EventName() string { return "UnsolvedRequestHash" }

// StalePriceEvent reports a batch item skipped because the oracle price
// is older than the requester tolerates.
type StalePriceEvent struct {
	Token  common.Address `json:"token"`
	Hash   common.Hash    `json:"hash"`
	Age    uint64         `json:"age"`
	MaxAge uint64         `json:"maxAge"`
}

func (StalePriceEvent) EventName() string { return "StalePrice" }

// AsyncDisabledEvent reports a batch item skipped because the token's
// relevant async flag is off.
type AsyncDisabledEvent struct {
	Token  common.Address `json:"token"`
	Hash   common.Hash    `json:"hash"`
	Redeem bool           `json:"redeem"`
}

func (AsyncDisabledEvent) EventName() string { return "AsyncDisabled" }

// AmountBoundEvent reports a batch item whose computed output violates
// the requester's stated bound.
type AmountBoundEvent struct {
	Token common.Address `json:"token"`
	Hash  common.Hash    `json:"hash"`
}

func (AmountBoundEvent) EventName() string { return "AmountBound" }

// DepositCapEvent reports a batch item skipped because settling it
// would push total numeraire value over the deposit cap.
type DepositCapEvent struct {
	Token common.Address `json:"token"`
	Hash  common.Hash    `json:"hash"`
}

func (DepositCapEvent) EventName() string { return "DepositCap" }
