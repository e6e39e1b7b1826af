package custody

import (
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

// Call is one message dispatched through the environment.
type Call struct {
	Caller common.Address
	Target common.Address
	Data   []byte
	Value  *big.Int
	Static bool
}

// ContractFunc handles a call addressed to one registered contract.
type ContractFunc func(c *Chain, call Call) ([]byte, error)

// Event is a diagnostic signal emitted during execution. Every
// distinguishable guard condition maps to its own event type so
// off-chain tooling can react deterministically.
type Event interface {
	EventName() string
}

// Chain is the deterministic, atomic, single-threaded execution
// environment the protocol logic assumes: a monotonic clock, a keyed
// contract registry dispatching on raw calldata, token ledgers, and an
// event sink. Snapshot/Revert give transactions all-or-nothing
// semantics.
type Chain struct {
	now       uint64
	contracts map[common.Address]ContractFunc
	tokens    map[common.Address]*Token
	events    []Event
	log       *logrus.Logger
}

// NewChain returns an empty environment with a silenced logger.
func NewChain() *Chain {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return &Chain{
		now:       1_700_000_000,
		contracts: make(map[common.Address]ContractFunc),
		tokens:    make(map[common.Address]*Token),
		log:       log,
	}
}

// SetLogger replaces the environment's logger.
func (c *Chain) SetLogger(log *logrus.Logger) {
	c.log = log
}

// Now returns the current timestamp in seconds.
func (c *Chain) Now() uint64 {
	return c.now
}

// Advance moves the clock forward by d seconds.
func (c *Chain) Advance(d uint64) {
	c.now += d
}

// Register installs a contract handler at addr.
func (c *Chain) Register(addr common.Address, fn ContractFunc) {
	c.contracts[addr] = fn
}

// Emit records an event.
func (c *Chain) Emit(ev Event) {
	c.log.WithField("event", ev.EventName()).Debug("emit")
	c.events = append(c.events, ev)
}

// Events returns everything emitted so far.
func (c *Chain) Events() []Event {
	return c.events
}

// EventsNamed filters emitted events by name.
func (c *Chain) EventsNamed(name string) []Event {
	var out []Event
	for _, ev := range c.events {
		if ev.EventName() == name {
			out = append(out, ev)
		}
	}
	return out
}

// Call dispatches one message to the contract at call.Target.
func (c *Chain) Call(call Call) ([]byte, error) {
	fn, ok := c.contracts[call.Target]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownContract, call.Target)
	}
	c.log.WithFields(logrus.Fields{
		"caller": call.Caller,
		"target": call.Target,
		"static": call.Static,
		"size":   len(call.Data),
	}).Debug("call")
	return fn(c, call)
}

// chainSnapshot captures the revertible state: token ledgers and the
// event log length.
type chainSnapshot struct {
	tokens map[common.Address]*tokenSnapshot
	events int
	now    uint64
}

// Snapshot captures the current state for a later Revert.
func (c *Chain) Snapshot() *chainSnapshot {
	snap := &chainSnapshot{
		tokens: make(map[common.Address]*tokenSnapshot, len(c.tokens)),
		events: len(c.events),
		now:    c.now,
	}
	for addr, tok := range c.tokens {
		snap.tokens[addr] = tok.snapshot()
	}
	return snap
}

// Revert restores the state captured by snap. Events emitted since the
// snapshot are dropped with it.
func (c *Chain) Revert(snap *chainSnapshot) {
	for addr, tok := range c.tokens {
		if ts, ok := snap.tokens[addr]; ok {
			tok.restore(ts)
		}
	}
	c.events = c.events[:snap.events]
	c.now = snap.now
}

// Selector computes the 4-byte function selector of a signature.
func Selector(signature string) [4]byte {
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(signature))[:SelectorLength])
	return sel
}

// Token ledger ABI surface.
var (
	SelApprove           = Selector("approve(address,uint256)")
	SelIncreaseAllowance = Selector("increaseAllowance(address,uint256)")
	SelTransfer          = Selector("transfer(address,uint256)")
	SelTransferFrom      = Selector("transferFrom(address,address,uint256)")
	SelBalanceOf         = Selector("balanceOf(address)")
	SelAllowance         = Selector("allowance(address,address)")
	SelTotalSupply       = Selector("totalSupply()")
)

// TransferGuard may veto a transfer out of an account. The unit ledger
// uses it to lock freshly sync-deposited units during their refund
// window; mint and burn bypass the guard.
type TransferGuard func(from common.Address, amount *big.Int) error

// Token is an in-memory fungible token ledger, reachable both through
// direct Go calls and through raw calldata dispatch so the engine's
// approval bookkeeping is observable through real calls.
type Token struct {
	addr        common.Address
	totalSupply *big.Int
	balances    map[common.Address]*big.Int
	allowances  map[common.Address]map[common.Address]*big.Int
	guard       TransferGuard
}

// NewToken creates a token ledger and registers its call handler.
func NewToken(c *Chain, addr common.Address) *Token {
	tok := &Token{
		addr:        addr,
		totalSupply: new(big.Int),
		balances:    make(map[common.Address]*big.Int),
		allowances:  make(map[common.Address]map[common.Address]*big.Int),
	}
	c.tokens[addr] = tok
	c.Register(addr, tok.execute)
	return tok
}

// Address returns the ledger's registered address.
func (t *Token) Address() common.Address {
	return t.addr
}

// SetTransferGuard installs a veto on outgoing transfers.
func (t *Token) SetTransferGuard(guard TransferGuard) {
	t.guard = guard
}

// BalanceOf returns a copy of the holder's balance.
func (t *Token) BalanceOf(a common.Address) *big.Int {
	if b, ok := t.balances[a]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// TotalSupply returns a copy of the total supply.
func (t *Token) TotalSupply() *big.Int {
	return new(big.Int).Set(t.totalSupply)
}

// Allowance returns a copy of the spender's allowance from owner.
func (t *Token) Allowance(owner, spender common.Address) *big.Int {
	if m, ok := t.allowances[owner]; ok {
		if a, ok := m[spender]; ok {
			return new(big.Int).Set(a)
		}
	}
	return new(big.Int)
}

// Mint credits to without a guard check.
func (t *Token) Mint(to common.Address, amount *big.Int) {
	t.balances[to] = new(big.Int).Add(t.BalanceOf(to), amount)
	t.totalSupply.Add(t.totalSupply, amount)
}

// Burn debits from without a guard check.
func (t *Token) Burn(from common.Address, amount *big.Int) error {
	bal := t.BalanceOf(from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: burn %s from %s", ErrInsufficientBalance, amount, from)
	}
	t.balances[from] = bal.Sub(bal, amount)
	t.totalSupply.Sub(t.totalSupply, amount)
	return nil
}

// Transfer moves amount from one holder to another, guard permitting.
func (t *Token) Transfer(from, to common.Address, amount *big.Int) error {
	if t.guard != nil {
		if err := t.guard(from, amount); err != nil {
			return err
		}
	}
	bal := t.BalanceOf(from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: transfer %s from %s", ErrInsufficientBalance, amount, from)
	}
	t.balances[from] = bal.Sub(bal, amount)
	t.balances[to] = new(big.Int).Add(t.BalanceOf(to), amount)
	return nil
}

// TransferFrom spends the spender's allowance to move amount.
func (t *Token) TransferFrom(spender, from, to common.Address, amount *big.Int) error {
	allowance := t.Allowance(from, spender)
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s spending for %s", ErrInsufficientAllowance, spender, from)
	}
	if err := t.Transfer(from, to, amount); err != nil {
		return err
	}
	t.setAllowance(from, spender, allowance.Sub(allowance, amount))
	return nil
}

// Approve sets the spender's allowance from owner.
func (t *Token) Approve(owner, spender common.Address, amount *big.Int) {
	t.setAllowance(owner, spender, new(big.Int).Set(amount))
}

// IncreaseAllowance adds to the spender's allowance from owner.
func (t *Token) IncreaseAllowance(owner, spender common.Address, amount *big.Int) {
	t.setAllowance(owner, spender, new(big.Int).Add(t.Allowance(owner, spender), amount))
}

func (t *Token) setAllowance(owner, spender common.Address, amount *big.Int) {
	m, ok := t.allowances[owner]
	if !ok {
		m = make(map[common.Address]*big.Int)
		t.allowances[owner] = m
	}
	m[spender] = amount
}

// execute dispatches raw calldata against the ledger.
func (t *Token) execute(c *Chain, call Call) ([]byte, error) {
	if len(call.Data) < SelectorLength {
		return nil, ErrCalldataTooShort
	}
	var sel [4]byte
	copy(sel[:], call.Data[:SelectorLength])
	args := call.Data[SelectorLength:]

	switch sel {
	case SelBalanceOf:
		addr, err := argAddress(args, 0)
		if err != nil {
			return nil, err
		}
		return abiWord(t.BalanceOf(addr)), nil
	case SelTotalSupply:
		return abiWord(t.TotalSupply()), nil
	case SelAllowance:
		owner, err := argAddress(args, 0)
		if err != nil {
			return nil, err
		}
		spender, err := argAddress(args, 1)
		if err != nil {
			return nil, err
		}
		return abiWord(t.Allowance(owner, spender)), nil
	}

	if call.Static {
		return nil, ErrStaticStateChange
	}

	switch sel {
	case SelApprove:
		spender, err := argAddress(args, 0)
		if err != nil {
			return nil, err
		}
		amount, err := argBig(args, 1)
		if err != nil {
			return nil, err
		}
		t.Approve(call.Caller, spender, amount)
		return abiBool(true), nil
	case SelIncreaseAllowance:
		spender, err := argAddress(args, 0)
		if err != nil {
			return nil, err
		}
		amount, err := argBig(args, 1)
		if err != nil {
			return nil, err
		}
		t.IncreaseAllowance(call.Caller, spender, amount)
		return abiBool(true), nil
	case SelTransfer:
		to, err := argAddress(args, 0)
		if err != nil {
			return nil, err
		}
		amount, err := argBig(args, 1)
		if err != nil {
			return nil, err
		}
		if err := t.Transfer(call.Caller, to, amount); err != nil {
			return nil, err
		}
		return abiBool(true), nil
	case SelTransferFrom:
		from, err := argAddress(args, 0)
		if err != nil {
			return nil, err
		}
		to, err := argAddress(args, 1)
		if err != nil {
			return nil, err
		}
		amount, err := argBig(args, 2)
		if err != nil {
			return nil, err
		}
		if err := t.TransferFrom(call.Caller, from, to, amount); err != nil {
			return nil, err
		}
		return abiBool(true), nil
	}
	return nil, fmt.Errorf("%w: %x", ErrUnknownSelector, sel)
}

type tokenSnapshot struct {
	totalSupply *big.Int
	balances    map[common.Address]*big.Int
	allowances  map[common.Address]map[common.Address]*big.Int
}

func (t *Token) snapshot() *tokenSnapshot {
	snap := &tokenSnapshot{
		totalSupply: new(big.Int).Set(t.totalSupply),
		balances:    make(map[common.Address]*big.Int, len(t.balances)),
		allowances:  make(map[common.Address]map[common.Address]*big.Int, len(t.allowances)),
	}
	for a, b := range t.balances {
		snap.balances[a] = new(big.Int).Set(b)
	}
	for owner, m := range t.allowances {
		inner := make(map[common.Address]*big.Int, len(m))
		for spender, a := range m {
			inner[spender] = new(big.Int).Set(a)
		}
		snap.allowances[owner] = inner
	}
	return snap
}

func (t *Token) restore(snap *tokenSnapshot) {
	t.totalSupply = new(big.Int).Set(snap.totalSupply)
	t.balances = make(map[common.Address]*big.Int, len(snap.balances))
	for a, b := range snap.balances {
		t.balances[a] = new(big.Int).Set(b)
	}
	t.allowances = make(map[common.Address]map[common.Address]*big.Int, len(snap.allowances))
	for owner, m := range snap.allowances {
		inner := make(map[common.Address]*big.Int, len(m))
		for spender, a := range m {
			inner[spender] = new(big.Int).Set(a)
		}
		t.allowances[owner] = inner
	}
}

// ABI helpers for the 32-byte-word calling convention.

func abiWord(v *big.Int) []byte {
	return common.BigToHash(v).Bytes()
}

func abiBool(b bool) []byte {
	var out [32]byte
	if b {
		out[31] = 1
	}
	return out[:]
}

func abiAddressWord(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}

func argWord(args []byte, i int) ([]byte, error) {
	if len(args) < (i+1)*32 {
		return nil, ErrCalldataTooShort
	}
	return args[i*32 : (i+1)*32], nil
}

func argAddress(args []byte, i int) (common.Address, error) {
	w, err := argWord(args, i)
	if err != nil {
		return common.Address{}, err
	}
	return common.BytesToAddress(w[12:]), nil
}

func argBig(args []byte, i int) (*big.Int, error) {
	w, err := argWord(args, i)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(w), nil
}

// PackCall assembles selector-prefixed calldata from 32-byte words.
func PackCall(sel [4]byte, words ...[]byte) []byte {
	out := append([]byte(nil), sel[:]...)
	for _, w := range words {
		out = append(out, common.LeftPadBytes(w, 32)...)
	}
	return out
}
