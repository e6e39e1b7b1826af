package custody

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Rounding selects the direction of a price conversion.
type Rounding uint8

const (
	RoundDown Rounding = iota
	RoundUp
)

// PriceOracle is the external price and fee collaborator. The IfActive
// variants fail while the vault is paused; the plain variants convert
// regardless.
type PriceOracle interface {
	ConvertTokenToUnits(vault, token common.Address, amount *big.Int, rounding Rounding) (*big.Int, error)
	ConvertTokenToUnitsIfActive(vault, token common.Address, amount *big.Int, rounding Rounding) (*big.Int, error)
	ConvertUnitsToToken(vault, token common.Address, units *big.Int, rounding Rounding) (*big.Int, error)
	ConvertUnitsToTokenIfActive(vault, token common.Address, units *big.Int, rounding Rounding) (*big.Int, error)
	ConvertUnitsToNumeraire(vault common.Address, units *big.Int) (*big.Int, error)
	IsVaultPaused(vault common.Address) bool
	PriceAge(vault common.Address) uint64
}

// Vault is the mint/burn custody collaborator. Enter pulls tokens from
// sender and mints units to recipient; Exit burns units from sender
// strictly before any token leaves custody.
type Vault interface {
	Address() common.Address
	Enter(sender, token common.Address, tokenAmount, unitsAmount *big.Int, recipient common.Address) error
	Exit(sender, token common.Address, tokenAmount, unitsAmount *big.Int, recipient common.Address) error
	Units() *Token
}

// Whitelist answers whether an identity is presently approved.
type Whitelist interface {
	IsWhitelisted(addr common.Address) bool
}

// SimWhitelist is an in-memory whitelist.
type SimWhitelist struct {
	members map[common.Address]bool
}

// NewSimWhitelist creates a whitelist containing members.
func NewSimWhitelist(members ...common.Address) *SimWhitelist {
	wl := &SimWhitelist{members: make(map[common.Address]bool)}
	for _, m := range members {
		wl.members[m] = true
	}
	return wl
}

// Add whitelists addr.
func (w *SimWhitelist) Add(addr common.Address) {
	w.members[addr] = true
}

// Remove de-whitelists addr.
func (w *SimWhitelist) Remove(addr common.Address) {
	delete(w.members, addr)
}

// IsWhitelisted implements Whitelist.
func (w *SimWhitelist) IsWhitelisted(addr common.Address) bool {
	return w.members[addr]
}

var wad = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// SimOracle is a fixed-price oracle for the emulation environment.
// Each token has a units-per-token price and the unit has a
// numeraire-per-unit price, both 1e18-scaled.
type SimOracle struct {
	tokenPrices  map[common.Address]*big.Int // units per token, wad
	unitPrice    *big.Int                    // numeraire per unit, wad
	paused       bool
	priceAge     uint64
}

// NewSimOracle creates an oracle with a 1:1 unit/numeraire price.
func NewSimOracle() *SimOracle {
	return &SimOracle{
		tokenPrices: make(map[common.Address]*big.Int),
		unitPrice:   new(big.Int).Set(wad),
	}
}

// SetTokenPrice sets the units-per-token price (1e18-scaled).
func (o *SimOracle) SetTokenPrice(token common.Address, priceWad *big.Int) {
	o.tokenPrices[token] = new(big.Int).Set(priceWad)
}

// SetUnitPrice sets the numeraire-per-unit price (1e18-scaled).
func (o *SimOracle) SetUnitPrice(priceWad *big.Int) {
	o.unitPrice = new(big.Int).Set(priceWad)
}

// SetPaused toggles the paused flag.
func (o *SimOracle) SetPaused(paused bool) {
	o.paused = paused
}

// SetPriceAge sets the reported age of the current price in seconds.
func (o *SimOracle) SetPriceAge(age uint64) {
	o.priceAge = age
}

func (o *SimOracle) price(token common.Address) (*big.Int, error) {
	p, ok := o.tokenPrices[token]
	if !ok {
		return nil, fmt.Errorf("no price for token %s", token)
	}
	return p, nil
}

func mulDiv(a, b, den *big.Int, rounding Rounding) *big.Int {
	num := new(big.Int).Mul(a, b)
	q, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if rounding == RoundUp && rem.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// ConvertTokenToUnits implements PriceOracle.
func (o *SimOracle) ConvertTokenToUnits(vault, token common.Address, amount *big.Int, rounding Rounding) (*big.Int, error) {
	p, err := o.price(token)
	if err != nil {
		return nil, err
	}
	return mulDiv(amount, p, wad, rounding), nil
}

// ConvertTokenToUnitsIfActive implements PriceOracle.
func (o *SimOracle) ConvertTokenToUnitsIfActive(vault, token common.Address, amount *big.Int, rounding Rounding) (*big.Int, error) {
	if o.paused {
		return nil, ErrVaultPaused
	}
	return o.ConvertTokenToUnits(vault, token, amount, rounding)
}

// ConvertUnitsToToken implements PriceOracle.
func (o *SimOracle) ConvertUnitsToToken(vault, token common.Address, units *big.Int, rounding Rounding) (*big.Int, error) {
	p, err := o.price(token)
	if err != nil {
		return nil, err
	}
	return mulDiv(units, wad, p, rounding), nil
}

// ConvertUnitsToTokenIfActive implements PriceOracle.
func (o *SimOracle) ConvertUnitsToTokenIfActive(vault, token common.Address, units *big.Int, rounding Rounding) (*big.Int, error) {
	if o.paused {
		return nil, ErrVaultPaused
	}
	return o.ConvertUnitsToToken(vault, token, units, rounding)
}

// ConvertUnitsToNumeraire implements PriceOracle.
func (o *SimOracle) ConvertUnitsToNumeraire(vault common.Address, units *big.Int) (*big.Int, error) {
	return mulDiv(units, o.unitPrice, wad, RoundDown), nil
}

// IsVaultPaused implements PriceOracle.
func (o *SimOracle) IsVaultPaused(vault common.Address) bool {
	return o.paused
}

// PriceAge implements PriceOracle.
func (o *SimOracle) PriceAge(vault common.Address) uint64 {
	return o.priceAge
}

// SimVault is the emulated mint/burn custody vault. Its unit ledger is
// a Token registered on the chain, so unit balances, locks and
// transfers behave like any other ledger.
type SimVault struct {
	chain *Chain
	addr  common.Address
	units *Token
}

// NewSimVault creates a vault and its unit ledger.
func NewSimVault(c *Chain, addr, unitsAddr common.Address) *SimVault {
	return &SimVault{
		chain: c,
		addr:  addr,
		units: NewToken(c, unitsAddr),
	}
}

// Address implements Vault.
func (v *SimVault) Address() common.Address {
	return v.addr
}

// Units implements Vault.
func (v *SimVault) Units() *Token {
	return v.units
}

// Enter implements Vault: pull tokens from sender into custody, then
// mint units to recipient. The pull spends the sender's allowance to
// the vault.
func (v *SimVault) Enter(sender, token common.Address, tokenAmount, unitsAmount *big.Int, recipient common.Address) error {
	ledger, ok := v.chain.tokens[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContract, token)
	}
	if err := ledger.TransferFrom(v.addr, sender, v.addr, tokenAmount); err != nil {
		return err
	}
	v.units.Mint(recipient, unitsAmount)
	return nil
}

// Exit implements Vault: burn units from sender strictly before any
// token leaves custody.
func (v *SimVault) Exit(sender, token common.Address, tokenAmount, unitsAmount *big.Int, recipient common.Address) error {
	ledger, ok := v.chain.tokens[token]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContract, token)
	}
	if err := v.units.Burn(sender, unitsAmount); err != nil {
		return err
	}
	return ledger.Transfer(v.addr, recipient, tokenAmount)
}
