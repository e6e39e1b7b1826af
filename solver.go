package custody

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SolveRequestsVault settles pending requests for one token through the
// vault's mint/burn surface. Only authorized solvers may call it. Each
// item fails soft: a guard violation emits its event and the batch
// moves on. Tips accumulate and pay out once at the end, and the whole
// batch's vault interactions run inside an infinite-approve/zero-approve
// bracket.
func (p *Provisioner) SolveRequestsVault(caller, token common.Address, reqs []*Request) error {
	if p.solving {
		return ErrSolveReentry
	}
	p.solving = true
	defer func() { p.solving = false }()

	if !p.solvers[caller] {
		return ErrNotSolver
	}
	ledger, ok := p.chain.tokens[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContract, token)
	}
	details, haveDetails := p.tokens[token]

	// Structural failures unwind the whole batch; per-item guard
	// failures only skip their item. The pending-hash maps revert with
	// the chain so no request is left settled-but-unpaid.
	snap := p.chain.Snapshot()
	depositHashes := copyHashSet(p.hashesFor(token, false))
	redeemHashes := copyHashSet(p.hashesFor(token, true))
	if err := p.solveVault(caller, token, ledger, details, haveDetails, reqs); err != nil {
		p.chain.Revert(snap)
		p.asyncDepositHashes[token] = depositHashes
		p.asyncRedeemHashes[token] = redeemHashes
		return err
	}
	return nil
}

func copyHashSet(src map[common.Hash]bool) map[common.Hash]bool {
	out := make(map[common.Hash]bool, len(src))
	for h, v := range src {
		out[h] = v
	}
	return out
}

func (p *Provisioner) solveVault(caller, token common.Address, ledger *Token, details TokenDetails, haveDetails bool, reqs []*Request) error {
	ledger.Approve(p.addr, p.vault.Address(), maxUint256)
	tokenPayout := new(big.Int)
	unitPayout := new(big.Int)

	for _, req := range reqs {
		hash := req.Hash()
		redeem := req.Type.IsRedeem()

		if !haveDetails ||
			(redeem && !details.AsyncRedeemEnabled) ||
			(!redeem && !details.AsyncDepositEnabled) {
			p.chain.Emit(AsyncDisabledEvent{Token: token, Hash: hash, Redeem: redeem})
			continue
		}
		if !p.hashesFor(token, redeem)[hash] {
			p.chain.Emit(UnsolvedRequestHashEvent{Token: token, Hash: hash})
			continue
		}
		if p.chain.Now() > req.Deadline {
			// Expired at solve time: the refund branch, never the
			// settle branch.
			if err := p.refund(token, req, hash); err != nil {
				return err
			}
			continue
		}
		if age := p.oracle.PriceAge(p.vault.Address()); age > req.MaxPriceAge {
			p.chain.Emit(StalePriceEvent{Token: token, Hash: hash, Age: age, MaxAge: req.MaxPriceAge})
			continue
		}

		var err error
		if redeem {
			err = p.solveVaultRedeem(caller, ledger, token, details, req, hash, tokenPayout, unitPayout)
		} else {
			err = p.solveVaultDeposit(caller, token, details, req, hash, tokenPayout)
		}
		if err != nil {
			return err
		}
	}

	if tokenPayout.Sign() > 0 {
		if err := ledger.Transfer(p.addr, caller, tokenPayout); err != nil {
			return err
		}
	}
	if unitPayout.Sign() > 0 {
		if err := p.vault.Units().Transfer(p.addr, caller, unitPayout); err != nil {
			return err
		}
	}
	ledger.Approve(p.addr, p.vault.Address(), new(big.Int))
	return nil
}

// solveVaultDeposit settles one deposit request. Returned errors are
// structural; per-item guard failures emit events and return nil.
func (p *Provisioner) solveVaultDeposit(caller, token common.Address, details TokenDetails, req *Request, hash common.Hash, tokenPayout *big.Int) error {
	tip := bigOrZero(req.SolverTip)

	if req.Type.IsFixed() {
		// Work backwards from the pinned unit amount to the token
		// requirement, ceiling so rounding never costs the protocol.
		required, err := p.oracle.ConvertUnitsToToken(p.vault.Address(), token, req.Units, RoundUp)
		if err != nil {
			return err
		}
		required = applyMultiplierInverse(required, details.DepositMultiplierBps)
		if required.Cmp(req.Tokens) > 0 {
			p.chain.Emit(AmountBoundEvent{Token: token, Hash: hash})
			return nil
		}
		if err := p.checkDepositCap(req.Units); err != nil {
			p.chain.Emit(DepositCapEvent{Token: token, Hash: hash})
			return nil
		}
		if err := p.vault.Enter(p.addr, token, required, req.Units, req.User); err != nil {
			return err
		}
		// The spread between the committed tokens and the price-derived
		// requirement is the solver's compensation.
		surplus := new(big.Int).Sub(req.Tokens, required)
		tokenPayout.Add(tokenPayout, surplus)
		delete(p.hashesFor(token, false), hash)
		p.chain.Emit(RequestSettledEvent{Token: token, Hash: hash, Solver: caller, Tip: surplus})
		return nil
	}

	// Auto price: the tip comes off the tokens before conversion.
	inTokens := new(big.Int).Sub(req.Tokens, tip)
	if inTokens.Sign() <= 0 {
		p.chain.Emit(AmountBoundEvent{Token: token, Hash: hash})
		return nil
	}
	adjusted := applyMultiplier(inTokens, details.DepositMultiplierBps)
	units, err := p.oracle.ConvertTokenToUnits(p.vault.Address(), token, adjusted, RoundDown)
	if err != nil {
		return err
	}
	if units.Cmp(req.Units) < 0 {
		p.chain.Emit(AmountBoundEvent{Token: token, Hash: hash})
		return nil
	}
	if err := p.checkDepositCap(units); err != nil {
		p.chain.Emit(DepositCapEvent{Token: token, Hash: hash})
		return nil
	}
	if err := p.vault.Enter(p.addr, token, inTokens, units, req.User); err != nil {
		return err
	}
	tokenPayout.Add(tokenPayout, tip)
	delete(p.hashesFor(token, false), hash)
	p.chain.Emit(RequestSettledEvent{Token: token, Hash: hash, Solver: caller, Tip: tip})
	return nil
}

// solveVaultRedeem settles one redemption request. The vault burns
// units strictly before any token leaves custody.
func (p *Provisioner) solveVaultRedeem(caller common.Address, ledger *Token, token common.Address, details TokenDetails, req *Request, hash common.Hash, tokenPayout, unitPayout *big.Int) error {
	tip := bigOrZero(req.SolverTip)

	if req.Type.IsFixed() {
		adjusted := applyMultiplier(req.Units, details.RedeemMultiplierBps)
		out, err := p.oracle.ConvertUnitsToToken(p.vault.Address(), token, adjusted, RoundDown)
		if err != nil {
			return err
		}
		if out.Cmp(req.Tokens) < 0 {
			p.chain.Emit(AmountBoundEvent{Token: token, Hash: hash})
			return nil
		}
		// Exit into custody, pay the requester their pinned amount, and
		// keep the spread for the solver.
		if err := p.vault.Exit(p.addr, token, out, req.Units, p.addr); err != nil {
			return err
		}
		if err := ledger.Transfer(p.addr, req.User, req.Tokens); err != nil {
			return err
		}
		surplus := new(big.Int).Sub(out, req.Tokens)
		tokenPayout.Add(tokenPayout, surplus)
		delete(p.hashesFor(token, true), hash)
		p.chain.Emit(RequestSettledEvent{Token: token, Hash: hash, Solver: caller, Tip: surplus})
		return nil
	}

	// Auto price: the tip comes off the units before conversion.
	inUnits := new(big.Int).Sub(req.Units, tip)
	if inUnits.Sign() <= 0 {
		p.chain.Emit(AmountBoundEvent{Token: token, Hash: hash})
		return nil
	}
	adjusted := applyMultiplier(inUnits, details.RedeemMultiplierBps)
	out, err := p.oracle.ConvertUnitsToToken(p.vault.Address(), token, adjusted, RoundDown)
	if err != nil {
		return err
	}
	if out.Cmp(req.Tokens) < 0 {
		p.chain.Emit(AmountBoundEvent{Token: token, Hash: hash})
		return nil
	}
	if err := p.vault.Exit(p.addr, token, out, inUnits, req.User); err != nil {
		return err
	}
	unitPayout.Add(unitPayout, tip)
	delete(p.hashesFor(token, true), hash)
	p.chain.Emit(RequestSettledEvent{Token: token, Hash: hash, Solver: caller, Tip: tip})
	return nil
}

// SolveRequestsDirect settles fixed-price requests peer-to-peer: the
// solver's own tokens or units move straight to the requester and the
// committed funds move to the solver, never touching the vault's
// mint/burn surface. Open to anyone. The solver must have approved the
// provisioner on the ledger it pays from.
//
// Per-item behavior is deliberately asymmetric with the preconditions:
// a missing hash emits and continues, while a disabled async flag or a
// non-fixed request reverts the whole call before any item runs.
func (p *Provisioner) SolveRequestsDirect(caller, token common.Address, reqs []*Request) error {
	if p.solving {
		return ErrSolveReentry
	}
	p.solving = true
	defer func() { p.solving = false }()

	details, err := p.details(token)
	if err != nil {
		return err
	}
	ledger, ok := p.chain.tokens[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContract, token)
	}

	var hasDeposit, hasRedeem bool
	for _, req := range reqs {
		if !req.Type.IsFixed() {
			return ErrNotFixedPrice
		}
		if req.Type.IsRedeem() {
			hasRedeem = true
		} else {
			hasDeposit = true
		}
	}
	if hasDeposit && !details.AsyncDepositEnabled {
		return ErrAsyncDepositDisabled
	}
	if hasRedeem && !details.AsyncRedeemEnabled {
		return ErrAsyncRedeemDisabled
	}

	snap := p.chain.Snapshot()
	depositHashes := copyHashSet(p.hashesFor(token, false))
	redeemHashes := copyHashSet(p.hashesFor(token, true))
	if err := p.solveDirect(caller, token, ledger, reqs); err != nil {
		p.chain.Revert(snap)
		p.asyncDepositHashes[token] = depositHashes
		p.asyncRedeemHashes[token] = redeemHashes
		return err
	}
	return nil
}

func (p *Provisioner) solveDirect(caller, token common.Address, ledger *Token, reqs []*Request) error {
	units := p.vault.Units()
	for _, req := range reqs {
		hash := req.Hash()
		redeem := req.Type.IsRedeem()
		if !p.hashesFor(token, redeem)[hash] {
			p.chain.Emit(UnsolvedRequestHashEvent{Token: token, Hash: hash})
			continue
		}
		if p.chain.Now() > req.Deadline {
			if err := p.refund(token, req, hash); err != nil {
				return err
			}
			continue
		}

		if redeem {
			// Solver pays the pinned token amount, takes the committed
			// units.
			if err := ledger.TransferFrom(p.addr, caller, req.User, req.Tokens); err != nil {
				return err
			}
			delete(p.hashesFor(token, true), hash)
			if err := units.Transfer(p.addr, caller, req.Units); err != nil {
				return err
			}
		} else {
			// Solver pays the pinned unit amount, takes the committed
			// tokens.
			if err := units.TransferFrom(p.addr, caller, req.User, req.Units); err != nil {
				return err
			}
			delete(p.hashesFor(token, false), hash)
			if err := ledger.Transfer(p.addr, caller, req.Tokens); err != nil {
				return err
			}
		}
		p.chain.Emit(RequestSettledEvent{Token: token, Hash: hash, Solver: caller, Tip: new(big.Int)})
	}
	return nil
}
