package custody

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Provisioner is the request settlement engine: it owns the deposit and
// redemption lifecycles, holds committed funds in custody at its own
// address, and lets solvers settle pending requests against the price
// oracle.
type Provisioner struct {
	chain     *Chain
	addr      common.Address
	authority common.Address
	vault     Vault
	oracle    PriceOracle

	solvers              map[common.Address]bool
	tokens               map[common.Address]TokenDetails
	depositCap           *big.Int // numeraire-denominated; nil or zero means uncapped
	depositRefundTimeout uint64

	asyncDepositHashes map[common.Address]map[common.Hash]bool
	asyncRedeemHashes  map[common.Address]map[common.Hash]bool
	syncDepositHashes  map[common.Hash]bool

	// unitLocks counts outstanding sync deposits per depositor, keyed by
	// window expiry, so refunding one deposit cannot release another's
	// still-open lock.
	unitLocks map[common.Address]map[uint64]int

	solving bool
}

// NewProvisioner wires a provisioner to its collaborators and installs
// the unit-transfer lock on the vault's unit ledger.
func NewProvisioner(c *Chain, addr, authority common.Address, vault Vault, oracle PriceOracle) *Provisioner {
	p := &Provisioner{
		chain:              c,
		addr:               addr,
		authority:          authority,
		vault:              vault,
		oracle:             oracle,
		solvers:            make(map[common.Address]bool),
		tokens:             make(map[common.Address]TokenDetails),
		asyncDepositHashes: make(map[common.Address]map[common.Hash]bool),
		asyncRedeemHashes:  make(map[common.Address]map[common.Hash]bool),
		syncDepositHashes:  make(map[common.Hash]bool),
		unitLocks:          make(map[common.Address]map[uint64]int),
	}
	vault.Units().SetTransferGuard(func(from common.Address, amount *big.Int) error {
		if p.unitsLocked(from) {
			return ErrUnitsLocked
		}
		return nil
	})
	return p
}

// Address returns the custody address holding committed funds.
func (p *Provisioner) Address() common.Address {
	return p.addr
}

// --- Admin surface ---

// SetTokenDetails enables flows and multipliers for one token.
func (p *Provisioner) SetTokenDetails(caller, token common.Address, details TokenDetails) error {
	if caller != p.authority {
		return ErrNotAuthority
	}
	if err := details.validate(); err != nil {
		return err
	}
	p.tokens[token] = details
	return nil
}

// RemoveToken drops the token's configuration. Pending request hashes
// survive so refunds remain possible.
func (p *Provisioner) RemoveToken(caller, token common.Address) error {
	if caller != p.authority {
		return ErrNotAuthority
	}
	delete(p.tokens, token)
	return nil
}

// SetDepositDetails configures the global deposit cap and the
// sync-deposit refund window.
func (p *Provisioner) SetDepositDetails(caller common.Address, cap *big.Int, refundTimeout uint64) error {
	if caller != p.authority {
		return ErrNotAuthority
	}
	if refundTimeout > MaxDepositRefundTimeout {
		return ErrRefundTimeoutBounds
	}
	if cap != nil {
		cap = new(big.Int).Set(cap)
	}
	p.depositCap = cap
	p.depositRefundTimeout = refundTimeout
	return nil
}

// AddSolver authorizes a solver for the vault-mediated path.
func (p *Provisioner) AddSolver(caller, solver common.Address) error {
	if caller != p.authority {
		return ErrNotAuthority
	}
	p.solvers[solver] = true
	return nil
}

// RemoveSolver revokes a solver.
func (p *Provisioner) RemoveSolver(caller, solver common.Address) error {
	if caller != p.authority {
		return ErrNotAuthority
	}
	delete(p.solvers, solver)
	return nil
}

func (p *Provisioner) details(token common.Address) (TokenDetails, error) {
	d, ok := p.tokens[token]
	if !ok {
		return TokenDetails{}, ErrTokenNotConfigured
	}
	return d, nil
}

// checkDepositCap fails when minting unitsToMint would push the total
// supply's numeraire value over the cap. The check never clamps.
func (p *Provisioner) checkDepositCap(unitsToMint *big.Int) error {
	if p.depositCap == nil || p.depositCap.Sign() == 0 {
		return nil
	}
	projected := new(big.Int).Add(p.vault.Units().TotalSupply(), unitsToMint)
	value, err := p.oracle.ConvertUnitsToNumeraire(p.vault.Address(), projected)
	if err != nil {
		return err
	}
	if value.Cmp(p.depositCap) > 0 {
		return ErrDepositCapExceeded
	}
	return nil
}

// --- Synchronous path ---

// syncDepositHash commits an instant deposit for its refund window.
func syncDepositHash(depositor, token common.Address, tokenAmount, unitsAmount *big.Int, refundableUntil uint64) common.Hash {
	buf := make([]byte, 0, 2*common.AddressLength+2*common.HashLength+8)
	buf = append(buf, depositor.Bytes()...)
	buf = append(buf, token.Bytes()...)
	buf = append(buf, common.BigToHash(tokenAmount).Bytes()...)
	buf = append(buf, common.BigToHash(unitsAmount).Bytes()...)
	buf = binary.BigEndian.AppendUint64(buf, refundableUntil)
	return crypto.Keccak256Hash(buf)
}

// Deposit converts tokenAmount into units at the current price, floor,
// after applying the token's deposit multiplier, and mints immediately.
// The resulting units are transfer-locked until the refund window
// closes.
func (p *Provisioner) Deposit(caller, token common.Address, tokenAmount, minUnitsOut *big.Int) (*big.Int, error) {
	details, err := p.details(token)
	if err != nil {
		return nil, err
	}
	if !details.SyncDepositEnabled {
		return nil, ErrSyncDepositDisabled
	}
	if tokenAmount == nil || tokenAmount.Sign() == 0 {
		return nil, ErrZeroAmount
	}

	adjusted := applyMultiplier(tokenAmount, details.DepositMultiplierBps)
	units, err := p.oracle.ConvertTokenToUnitsIfActive(p.vault.Address(), token, adjusted, RoundDown)
	if err != nil {
		return nil, err
	}
	if minUnitsOut != nil && units.Cmp(minUnitsOut) < 0 {
		return nil, ErrAmountOutOfBound
	}
	if err := p.checkDepositCap(units); err != nil {
		return nil, err
	}
	if err := p.vault.Enter(caller, token, tokenAmount, units, caller); err != nil {
		return nil, err
	}
	p.recordSyncDeposit(caller, token, tokenAmount, units)
	return units, nil
}

// Mint is the units-denominated sync deposit: it works backwards from
// the desired unit amount to the required token amount, ceiling, so
// rounding protects the protocol.
func (p *Provisioner) Mint(caller, token common.Address, unitsOut, maxTokensIn *big.Int) (*big.Int, error) {
	details, err := p.details(token)
	if err != nil {
		return nil, err
	}
	if !details.SyncDepositEnabled {
		return nil, ErrSyncDepositDisabled
	}
	if unitsOut == nil || unitsOut.Sign() == 0 {
		return nil, ErrZeroAmount
	}

	tokens, err := p.oracle.ConvertUnitsToTokenIfActive(p.vault.Address(), token, unitsOut, RoundUp)
	if err != nil {
		return nil, err
	}
	tokens = applyMultiplierInverse(tokens, details.DepositMultiplierBps)
	if maxTokensIn != nil && tokens.Cmp(maxTokensIn) > 0 {
		return nil, ErrAmountOutOfBound
	}
	if err := p.checkDepositCap(unitsOut); err != nil {
		return nil, err
	}
	if err := p.vault.Enter(caller, token, tokens, unitsOut, caller); err != nil {
		return nil, err
	}
	p.recordSyncDeposit(caller, token, tokens, unitsOut)
	return tokens, nil
}

func (p *Provisioner) recordSyncDeposit(depositor, token common.Address, tokenAmount, unitsAmount *big.Int) {
	if p.depositRefundTimeout == 0 {
		return
	}
	refundableUntil := p.chain.Now() + p.depositRefundTimeout
	p.syncDepositHashes[syncDepositHash(depositor, token, tokenAmount, unitsAmount, refundableUntil)] = true
	locks, ok := p.unitLocks[depositor]
	if !ok {
		locks = make(map[uint64]int)
		p.unitLocks[depositor] = locks
	}
	locks[refundableUntil]++
	p.chain.Emit(SyncDepositEvent{
		Token:           token,
		User:            depositor,
		TokenAmount:     tokenAmount,
		UnitsAmount:     unitsAmount,
		RefundableUntil: refundableUntil,
	})
}

// RefundDeposit unwinds an instant deposit inside its refund window,
// burning the minted units and releasing the original tokens. The
// commitment is cleared only after the exit succeeds, and the transfer
// lock shrinks by exactly this deposit's window, leaving any other
// outstanding deposit locked.
func (p *Provisioner) RefundDeposit(caller, token common.Address, tokenAmount, unitsAmount *big.Int, refundableUntil uint64) error {
	hash := syncDepositHash(caller, token, tokenAmount, unitsAmount, refundableUntil)
	if !p.syncDepositHashes[hash] {
		return ErrHashUnknown
	}
	if p.chain.Now() > refundableUntil {
		return ErrRefundWindowClosed
	}
	if err := p.vault.Exit(caller, token, tokenAmount, unitsAmount, caller); err != nil {
		return err
	}
	delete(p.syncDepositHashes, hash)
	p.releaseUnitLock(caller, refundableUntil)
	return nil
}

// unitsLocked reports whether from still has a sync-deposit window open,
// pruning elapsed windows as it looks.
func (p *Provisioner) unitsLocked(from common.Address) bool {
	locks, ok := p.unitLocks[from]
	if !ok {
		return false
	}
	now := p.chain.Now()
	locked := false
	for until := range locks {
		if now < until {
			locked = true
		} else {
			delete(locks, until)
		}
	}
	if len(locks) == 0 {
		delete(p.unitLocks, from)
	}
	return locked
}

func (p *Provisioner) releaseUnitLock(depositor common.Address, refundableUntil uint64) {
	locks, ok := p.unitLocks[depositor]
	if !ok {
		return
	}
	if locks[refundableUntil] <= 1 {
		delete(locks, refundableUntil)
	} else {
		locks[refundableUntil]--
	}
	if len(locks) == 0 {
		delete(p.unitLocks, depositor)
	}
}

// --- Asynchronous request creation ---

func (p *Provisioner) validateRequest(token common.Address, req *Request) (TokenDetails, error) {
	details, err := p.details(token)
	if err != nil {
		return TokenDetails{}, err
	}
	if req.Type.IsRedeem() {
		if !details.AsyncRedeemEnabled {
			return TokenDetails{}, ErrAsyncRedeemDisabled
		}
	} else if !details.AsyncDepositEnabled {
		return TokenDetails{}, ErrAsyncDepositDisabled
	}
	if bigOrZero(req.Units).Sign() == 0 || bigOrZero(req.Tokens).Sign() == 0 {
		return TokenDetails{}, ErrZeroAmount
	}
	now := p.chain.Now()
	if req.Deadline <= now {
		return TokenDetails{}, ErrDeadlinePassed
	}
	if req.Deadline > now+MaxRequestLifetime {
		return TokenDetails{}, ErrDeadlineTooFar
	}
	if p.oracle.IsVaultPaused(p.vault.Address()) {
		return TokenDetails{}, ErrVaultPaused
	}
	// A pinned price leaves no spread to tip from.
	if req.Type.IsFixed() && bigOrZero(req.SolverTip).Sign() != 0 {
		return TokenDetails{}, ErrFixedPriceTip
	}
	return details, nil
}

// RequestDeposit records a pending async deposit, pulling the full
// token amount into custody immediately. By the time a solver acts the
// funds are already out of the requester's control.
func (p *Provisioner) RequestDeposit(caller, token common.Address, req *Request) (common.Hash, error) {
	if req.Type.IsRedeem() {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrWrongRequestType, req.Type)
	}
	req.User = caller
	if _, err := p.validateRequest(token, req); err != nil {
		return common.Hash{}, err
	}
	hash := req.Hash()
	hashes := p.hashesFor(token, false)
	if hashes[hash] {
		return common.Hash{}, ErrHashCollision
	}

	ledger, ok := p.chain.tokens[token]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnknownContract, token)
	}
	if err := ledger.TransferFrom(p.addr, caller, p.addr, req.Tokens); err != nil {
		return common.Hash{}, err
	}
	hashes[hash] = true
	p.chain.Emit(RequestCreatedEvent{Token: token, Hash: hash, Type: req.Type, User: caller})
	return hash, nil
}

// RequestRedeem records a pending async redemption, pulling the full
// unit amount into custody immediately.
func (p *Provisioner) RequestRedeem(caller, token common.Address, req *Request) (common.Hash, error) {
	if !req.Type.IsRedeem() {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrWrongRequestType, req.Type)
	}
	req.User = caller
	if _, err := p.validateRequest(token, req); err != nil {
		return common.Hash{}, err
	}
	hash := req.Hash()
	hashes := p.hashesFor(token, true)
	if hashes[hash] {
		return common.Hash{}, ErrHashCollision
	}

	if err := p.vault.Units().TransferFrom(p.addr, caller, p.addr, req.Units); err != nil {
		return common.Hash{}, err
	}
	hashes[hash] = true
	p.chain.Emit(RequestCreatedEvent{Token: token, Hash: hash, Type: req.Type, User: caller})
	return hash, nil
}

func (p *Provisioner) hashesFor(token common.Address, redeem bool) map[common.Hash]bool {
	maps := p.asyncDepositHashes
	if redeem {
		maps = p.asyncRedeemHashes
	}
	hashes, ok := maps[token]
	if !ok {
		hashes = make(map[common.Hash]bool)
		maps[token] = hashes
	}
	return hashes
}

// refund returns the committed funds of req to the requester and then
// clears the hash, so a failed transfer leaves the request pending.
func (p *Provisioner) refund(token common.Address, req *Request, hash common.Hash) error {
	var err error
	if req.Type.IsRedeem() {
		err = p.vault.Units().Transfer(p.addr, req.User, req.committed())
	} else {
		ledger, ok := p.chain.tokens[token]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownContract, token)
		}
		err = ledger.Transfer(p.addr, req.User, req.committed())
	}
	if err != nil {
		return err
	}
	delete(p.hashesFor(token, req.Type.IsRedeem()), hash)
	p.chain.Emit(RequestRefundedEvent{Token: token, Hash: hash, User: req.User})
	return nil
}

// RefundRequest returns a pending request's committed funds to the
// requester. Past the deadline anyone may trigger it; before the
// deadline only the authority may. Requesters cannot self-cancel early;
// that limitation is intentional.
func (p *Provisioner) RefundRequest(caller, token common.Address, req *Request) error {
	if p.solving {
		return ErrSolveReentry
	}
	p.solving = true
	defer func() { p.solving = false }()

	hash := req.Hash()
	if !p.hashesFor(token, req.Type.IsRedeem())[hash] {
		return ErrHashUnknown
	}
	if p.chain.Now() <= req.Deadline && caller != p.authority {
		return ErrRefundTooEarly
	}
	return p.refund(token, req, hash)
}
