package custody

import "math/big"

// Basis-point arithmetic bounds for deposit premiums and redemption
// haircuts.
const (
	BpsDenominator   = 10_000
	MinMultiplierBps = 5_000
	MaxMultiplierBps = 10_000
)

const (
	// MaxDepositRefundTimeout caps the sync-deposit refund window.
	MaxDepositRefundTimeout uint64 = 30 * 24 * 60 * 60

	// MaxRequestLifetime caps how far out an async request deadline may
	// sit.
	MaxRequestLifetime uint64 = 365 * 24 * 60 * 60
)

// TokenDetails configures one accepted asset: which flows are enabled
// and the multipliers applied before price conversion.
type TokenDetails struct {
	SyncDepositEnabled   bool   `json:"syncDepositEnabled"`
	AsyncDepositEnabled  bool   `json:"asyncDepositEnabled"`
	AsyncRedeemEnabled   bool   `json:"asyncRedeemEnabled"`
	DepositMultiplierBps uint16 `json:"depositMultiplierBps"`
	RedeemMultiplierBps  uint16 `json:"redeemMultiplierBps"`
}

func (d TokenDetails) validate() error {
	if d.DepositMultiplierBps < MinMultiplierBps || d.DepositMultiplierBps > MaxMultiplierBps {
		return ErrMultiplierBounds
	}
	if d.RedeemMultiplierBps < MinMultiplierBps || d.RedeemMultiplierBps > MaxMultiplierBps {
		return ErrMultiplierBounds
	}
	return nil
}

var bpsDen = big.NewInt(BpsDenominator)

// applyMultiplier scales amount by bps/10000, flooring. The multiplier
// is applied to the raw amount before any price conversion.
func applyMultiplier(amount *big.Int, bps uint16) *big.Int {
	out := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
	return out.Quo(out, bpsDen)
}

// applyMultiplierInverse scales amount by 10000/bps, ceiling. Used when
// working backwards from a desired output to the required input, so
// rounding never favors the caller over the protocol.
func applyMultiplierInverse(amount *big.Int, bps uint16) *big.Int {
	num := new(big.Int).Mul(amount, bpsDen)
	q, rem := new(big.Int).QuoRem(num, big.NewInt(int64(bps)), new(big.Int))
	if rem.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// maxUint256 is the infinite-approval sentinel used to bracket batch
// vault interactions.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
