package custody

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	testProvAddr  = addr(0xD1)
	testVaultAddr = addr(0xD2)
	testUnitsAddr = addr(0xD3)
	testUser      = addr(0x11)
	testSolver    = addr(0x12)
)

type provEnv struct {
	chain     *Chain
	prov      *Provisioner
	vault     *SimVault
	oracle    *SimOracle
	token     *Token
	units     *Token
	tokenAddr common.Address
}

// newProvEnv builds a provisioner over a 1:1-priced token with every
// flow enabled and neutral multipliers.
func newProvEnv(t *testing.T) *provEnv {
	t.Helper()
	chain := NewChain()
	tokenAddr := addr(0x71)
	token := NewToken(chain, tokenAddr)
	vault := NewSimVault(chain, testVaultAddr, testUnitsAddr)
	oracle := NewSimOracle()
	oracle.SetTokenPrice(tokenAddr, wad)
	prov := NewProvisioner(chain, testProvAddr, testAuthority, vault, oracle)

	require.NoError(t, prov.SetTokenDetails(testAuthority, tokenAddr, TokenDetails{
		SyncDepositEnabled:   true,
		AsyncDepositEnabled:  true,
		AsyncRedeemEnabled:   true,
		DepositMultiplierBps: MaxMultiplierBps,
		RedeemMultiplierBps:  MaxMultiplierBps,
	}))
	require.NoError(t, prov.AddSolver(testAuthority, testSolver))

	return &provEnv{
		chain:     chain,
		prov:      prov,
		vault:     vault,
		oracle:    oracle,
		token:     token,
		units:     vault.Units(),
		tokenAddr: tokenAddr,
	}
}

// fund mints tokens to user and approves both the vault and the
// provisioner to pull them.
func (env *provEnv) fund(user common.Address, amount int64) {
	env.token.Mint(user, big.NewInt(amount))
	env.token.Approve(user, testVaultAddr, maxUint256)
	env.token.Approve(user, testProvAddr, maxUint256)
}

// fundUnits mints units to user and approves the provisioner to pull
// them.
func (env *provEnv) fundUnits(user common.Address, amount int64) {
	env.units.Mint(user, big.NewInt(amount))
	env.units.Approve(user, testProvAddr, maxUint256)
}

func (env *provEnv) setMultipliers(t *testing.T, depositBps, redeemBps uint16) {
	t.Helper()
	require.NoError(t, env.prov.SetTokenDetails(testAuthority, env.tokenAddr, TokenDetails{
		SyncDepositEnabled:   true,
		AsyncDepositEnabled:  true,
		AsyncRedeemEnabled:   true,
		DepositMultiplierBps: depositBps,
		RedeemMultiplierBps:  redeemBps,
	}))
}

// TestSyncDeposit_MultiplierFloor tests that the deposit multiplier
// applies to the raw token amount before conversion, flooring, and that
// the minted units stay transfer-locked through the refund window.
func TestSyncDeposit_MultiplierFloor(t *testing.T) {
	env := newProvEnv(t)
	env.setMultipliers(t, 9_900, MaxMultiplierBps)
	require.NoError(t, env.prov.SetDepositDetails(testAuthority, nil, 3_600))
	env.fund(testUser, 100)

	refundableUntil := env.chain.Now() + 3_600
	units, err := env.prov.Deposit(testUser, env.tokenAddr, big.NewInt(100), big.NewInt(99))
	require.NoError(t, err)
	require.Equal(t, int64(99), units.Int64())

	// The full 100 tokens enter custody even though only 99 units mint.
	require.Equal(t, int64(0), env.token.BalanceOf(testUser).Int64())
	require.Equal(t, int64(100), env.token.BalanceOf(testVaultAddr).Int64())
	require.Equal(t, int64(99), env.units.BalanceOf(testUser).Int64())

	events := env.chain.EventsNamed("SyncDeposit")
	require.Len(t, events, 1)
	require.Equal(t, refundableUntil, events[0].(SyncDepositEvent).RefundableUntil)

	// Locked until the window closes.
	err = env.units.Transfer(testUser, addr(0x22), big.NewInt(1))
	require.ErrorIs(t, err, ErrUnitsLocked)
	env.chain.Advance(3_601)
	require.NoError(t, env.units.Transfer(testUser, addr(0x22), big.NewInt(1)))

	// A tighter minimum than the floored output aborts.
	env.fund(testUser, 100)
	_, err = env.prov.Deposit(testUser, env.tokenAddr, big.NewInt(100), big.NewInt(100))
	require.ErrorIs(t, err, ErrAmountOutOfBound)
}

// TestSyncDeposit_Refund tests the instant-deposit refund window.
func TestSyncDeposit_Refund(t *testing.T) {
	env := newProvEnv(t)
	env.setMultipliers(t, 9_900, MaxMultiplierBps)
	require.NoError(t, env.prov.SetDepositDetails(testAuthority, nil, 3_600))
	env.fund(testUser, 100)

	refundableUntil := env.chain.Now() + 3_600
	_, err := env.prov.Deposit(testUser, env.tokenAddr, big.NewInt(100), nil)
	require.NoError(t, err)

	// Mismatched parameters name no recorded deposit.
	err = env.prov.RefundDeposit(testUser, env.tokenAddr, big.NewInt(100), big.NewInt(98), refundableUntil)
	require.ErrorIs(t, err, ErrHashUnknown)

	require.NoError(t, env.prov.RefundDeposit(testUser, env.tokenAddr, big.NewInt(100), big.NewInt(99), refundableUntil))
	require.Equal(t, int64(100), env.token.BalanceOf(testUser).Int64())
	require.Equal(t, int64(0), env.units.BalanceOf(testUser).Int64())
	require.Equal(t, int64(0), env.units.TotalSupply().Int64())

	// Replay of a consumed refund.
	err = env.prov.RefundDeposit(testUser, env.tokenAddr, big.NewInt(100), big.NewInt(99), refundableUntil)
	require.ErrorIs(t, err, ErrHashUnknown)

	// Window closes.
	refundableUntil = env.chain.Now() + 3_600
	_, err = env.prov.Deposit(testUser, env.tokenAddr, big.NewInt(100), nil)
	require.NoError(t, err)
	env.chain.Advance(3_601)
	err = env.prov.RefundDeposit(testUser, env.tokenAddr, big.NewInt(100), big.NewInt(99), refundableUntil)
	require.ErrorIs(t, err, ErrRefundWindowClosed)
}

// TestSyncDeposit_RefundKeepsOtherLocks tests that refunding one
// instant deposit releases only that deposit's transfer lock: units
// minted by another deposit stay locked through their own window.
func TestSyncDeposit_RefundKeepsOtherLocks(t *testing.T) {
	env := newProvEnv(t)
	require.NoError(t, env.prov.SetDepositDetails(testAuthority, nil, 100))
	env.fund(testUser, 150)

	untilA := env.chain.Now() + 100
	_, err := env.prov.Deposit(testUser, env.tokenAddr, big.NewInt(100), nil)
	require.NoError(t, err)

	env.chain.Advance(50)
	untilB := env.chain.Now() + 100
	_, err = env.prov.Deposit(testUser, env.tokenAddr, big.NewInt(50), nil)
	require.NoError(t, err)

	// Unwinding the first deposit must not free the second's units.
	require.NoError(t, env.prov.RefundDeposit(testUser, env.tokenAddr, big.NewInt(100), big.NewInt(100), untilA))
	require.Equal(t, int64(50), env.units.BalanceOf(testUser).Int64())
	err = env.units.Transfer(testUser, addr(0x22), big.NewInt(1))
	require.ErrorIs(t, err, ErrUnitsLocked)

	// Past the first window but inside the second: still locked.
	env.chain.Advance(60)
	err = env.units.Transfer(testUser, addr(0x22), big.NewInt(1))
	require.ErrorIs(t, err, ErrUnitsLocked)

	env.chain.Advance(41)
	require.Greater(t, env.chain.Now(), untilB)
	require.NoError(t, env.units.Transfer(testUser, addr(0x22), big.NewInt(1)))
}

// TestSyncDeposit_RefundSharedExpiry tests two deposits recorded in the
// same second: refunding one leaves the other's lock standing until
// both are unwound or the shared window elapses.
func TestSyncDeposit_RefundSharedExpiry(t *testing.T) {
	env := newProvEnv(t)
	require.NoError(t, env.prov.SetDepositDetails(testAuthority, nil, 100))
	env.fund(testUser, 150)

	until := env.chain.Now() + 100
	_, err := env.prov.Deposit(testUser, env.tokenAddr, big.NewInt(100), nil)
	require.NoError(t, err)
	_, err = env.prov.Deposit(testUser, env.tokenAddr, big.NewInt(50), nil)
	require.NoError(t, err)

	require.NoError(t, env.prov.RefundDeposit(testUser, env.tokenAddr, big.NewInt(100), big.NewInt(100), until))
	err = env.units.Transfer(testUser, addr(0x22), big.NewInt(1))
	require.ErrorIs(t, err, ErrUnitsLocked)

	require.NoError(t, env.prov.RefundDeposit(testUser, env.tokenAddr, big.NewInt(50), big.NewInt(50), until))
	require.Equal(t, int64(0), env.units.BalanceOf(testUser).Int64())
	require.Equal(t, int64(150), env.token.BalanceOf(testUser).Int64())
}

// TestSyncDeposit_RefundExitFailure tests that a failed exit leaves the
// commitment and the transfer lock intact, so the refund can be
// retried.
func TestSyncDeposit_RefundExitFailure(t *testing.T) {
	env := newProvEnv(t)
	require.NoError(t, env.prov.SetDepositDetails(testAuthority, nil, 3_600))
	env.fund(testUser, 100)

	refundableUntil := env.chain.Now() + 3_600
	_, err := env.prov.Deposit(testUser, env.tokenAddr, big.NewInt(100), nil)
	require.NoError(t, err)

	// An external burn leaves the depositor short of the recorded units,
	// so the exit fails before any state changes.
	require.NoError(t, env.units.Burn(testUser, big.NewInt(60)))
	err = env.prov.RefundDeposit(testUser, env.tokenAddr, big.NewInt(100), big.NewInt(100), refundableUntil)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// Commitment and lock both survive the failure.
	err = env.units.Transfer(testUser, addr(0x22), big.NewInt(1))
	require.ErrorIs(t, err, ErrUnitsLocked)

	env.units.Mint(testUser, big.NewInt(60))
	require.NoError(t, env.prov.RefundDeposit(testUser, env.tokenAddr, big.NewInt(100), big.NewInt(100), refundableUntil))
	require.Equal(t, int64(100), env.token.BalanceOf(testUser).Int64())
}

// TestSyncDeposit_NoWindow tests that a zero refund timeout records
// nothing and locks nothing.
func TestSyncDeposit_NoWindow(t *testing.T) {
	env := newProvEnv(t)
	env.fund(testUser, 100)

	_, err := env.prov.Deposit(testUser, env.tokenAddr, big.NewInt(100), nil)
	require.NoError(t, err)
	require.Empty(t, env.chain.EventsNamed("SyncDeposit"))
	require.NoError(t, env.units.Transfer(testUser, addr(0x22), big.NewInt(1)))

	err = env.prov.RefundDeposit(testUser, env.tokenAddr, big.NewInt(100), big.NewInt(100), env.chain.Now())
	require.ErrorIs(t, err, ErrHashUnknown)
}

// TestMint_CeilAndBound tests the units-denominated sync deposit: the
// token requirement rounds up against the caller.
func TestMint_CeilAndBound(t *testing.T) {
	env := newProvEnv(t)
	env.setMultipliers(t, 9_900, MaxMultiplierBps)
	env.fund(testUser, 200)

	_, err := env.prov.Mint(testUser, env.tokenAddr, big.NewInt(99), big.NewInt(99))
	require.ErrorIs(t, err, ErrAmountOutOfBound)

	tokens, err := env.prov.Mint(testUser, env.tokenAddr, big.NewInt(99), big.NewInt(100))
	require.NoError(t, err)
	require.Equal(t, int64(100), tokens.Int64())
	require.Equal(t, int64(99), env.units.BalanceOf(testUser).Int64())
	require.Equal(t, int64(100), env.token.BalanceOf(testVaultAddr).Int64())

	_, err = env.prov.Mint(testUser, env.tokenAddr, new(big.Int), nil)
	require.ErrorIs(t, err, ErrZeroAmount)
}

// TestSyncDeposit_Guards tests the entry preconditions.
func TestSyncDeposit_Guards(t *testing.T) {
	env := newProvEnv(t)
	env.fund(testUser, 100)

	_, err := env.prov.Deposit(testUser, addr(0x72), big.NewInt(100), nil)
	require.ErrorIs(t, err, ErrTokenNotConfigured)

	_, err = env.prov.Deposit(testUser, env.tokenAddr, new(big.Int), nil)
	require.ErrorIs(t, err, ErrZeroAmount)

	env.oracle.SetPaused(true)
	_, err = env.prov.Deposit(testUser, env.tokenAddr, big.NewInt(100), nil)
	require.ErrorIs(t, err, ErrVaultPaused)
	env.oracle.SetPaused(false)

	require.NoError(t, env.prov.SetTokenDetails(testAuthority, env.tokenAddr, TokenDetails{
		AsyncDepositEnabled:  true,
		AsyncRedeemEnabled:   true,
		DepositMultiplierBps: MaxMultiplierBps,
		RedeemMultiplierBps:  MaxMultiplierBps,
	}))
	_, err = env.prov.Deposit(testUser, env.tokenAddr, big.NewInt(100), nil)
	require.ErrorIs(t, err, ErrSyncDepositDisabled)
}

// TestDepositCap tests that the cap compares projected numeraire value
// and never clamps.
func TestDepositCap(t *testing.T) {
	env := newProvEnv(t)
	require.NoError(t, env.prov.SetDepositDetails(testAuthority, big.NewInt(100), 0))
	env.fund(testUser, 200)

	// Exactly at the cap passes.
	_, err := env.prov.Deposit(testUser, env.tokenAddr, big.NewInt(100), nil)
	require.NoError(t, err)

	// One unit over fails outright rather than minting a partial amount.
	_, err = env.prov.Deposit(testUser, env.tokenAddr, big.NewInt(1), nil)
	require.ErrorIs(t, err, ErrDepositCapExceeded)
	require.Equal(t, int64(100), env.units.TotalSupply().Int64())

	// Zero cap means uncapped.
	require.NoError(t, env.prov.SetDepositDetails(testAuthority, new(big.Int), 0))
	_, err = env.prov.Deposit(testUser, env.tokenAddr, big.NewInt(100), nil)
	require.NoError(t, err)
}

// TestAdminGuards tests the authority-only configuration surface.
func TestAdminGuards(t *testing.T) {
	env := newProvEnv(t)
	details := TokenDetails{
		DepositMultiplierBps: MaxMultiplierBps,
		RedeemMultiplierBps:  MaxMultiplierBps,
	}

	require.ErrorIs(t, env.prov.SetTokenDetails(testUser, env.tokenAddr, details), ErrNotAuthority)
	require.ErrorIs(t, env.prov.RemoveToken(testUser, env.tokenAddr), ErrNotAuthority)
	require.ErrorIs(t, env.prov.SetDepositDetails(testUser, nil, 0), ErrNotAuthority)
	require.ErrorIs(t, env.prov.AddSolver(testUser, testUser), ErrNotAuthority)
	require.ErrorIs(t, env.prov.RemoveSolver(testUser, testSolver), ErrNotAuthority)

	details.DepositMultiplierBps = MinMultiplierBps - 1
	require.ErrorIs(t, env.prov.SetTokenDetails(testAuthority, env.tokenAddr, details), ErrMultiplierBounds)
	details.DepositMultiplierBps = MaxMultiplierBps + 1
	require.ErrorIs(t, env.prov.SetTokenDetails(testAuthority, env.tokenAddr, details), ErrMultiplierBounds)

	err := env.prov.SetDepositDetails(testAuthority, nil, MaxDepositRefundTimeout+1)
	require.ErrorIs(t, err, ErrRefundTimeoutBounds)
}

// TestRequestDeposit tests async deposit creation: funds leave the
// requester immediately and the hash is replay-protected.
func TestRequestDeposit(t *testing.T) {
	env := newProvEnv(t)
	env.fund(testUser, 100)
	now := env.chain.Now()

	req := &Request{
		Type:        DepositAuto,
		Units:       big.NewInt(90),
		Tokens:      big.NewInt(100),
		SolverTip:   big.NewInt(5),
		Deadline:    now + 100,
		MaxPriceAge: 3_600,
	}
	hash, err := env.prov.RequestDeposit(testUser, env.tokenAddr, req)
	require.NoError(t, err)
	require.Equal(t, testUser, req.User)

	require.Equal(t, int64(0), env.token.BalanceOf(testUser).Int64())
	require.Equal(t, int64(100), env.token.BalanceOf(testProvAddr).Int64())

	events := env.chain.EventsNamed("RequestCreated")
	require.Len(t, events, 1)
	require.Equal(t, RequestCreatedEvent{Token: env.tokenAddr, Hash: hash, Type: DepositAuto, User: testUser}, events[0])

	// Identical parameters are already pending.
	env.fund(testUser, 100)
	_, err = env.prov.RequestDeposit(testUser, env.tokenAddr, req)
	require.ErrorIs(t, err, ErrHashCollision)
}

// TestRequestValidation tests the shared request preconditions through
// both entry points.
func TestRequestValidation(t *testing.T) {
	env := newProvEnv(t)
	env.fund(testUser, 1_000)
	env.fundUnits(testUser, 1_000)
	now := env.chain.Now()

	base := func(typ RequestType) *Request {
		return &Request{
			Type:     typ,
			Units:    big.NewInt(100),
			Tokens:   big.NewInt(100),
			Deadline: now + 100,
		}
	}

	t.Run("wrong direction", func(t *testing.T) {
		_, err := env.prov.RequestDeposit(testUser, env.tokenAddr, base(RedeemAuto))
		require.ErrorIs(t, err, ErrWrongRequestType)
		_, err = env.prov.RequestRedeem(testUser, env.tokenAddr, base(DepositAuto))
		require.ErrorIs(t, err, ErrWrongRequestType)
	})

	t.Run("fixed price tip", func(t *testing.T) {
		req := base(DepositFixed)
		req.SolverTip = big.NewInt(1)
		_, err := env.prov.RequestDeposit(testUser, env.tokenAddr, req)
		require.ErrorIs(t, err, ErrFixedPriceTip)
	})

	t.Run("deadline bounds", func(t *testing.T) {
		req := base(DepositAuto)
		req.Deadline = now
		_, err := env.prov.RequestDeposit(testUser, env.tokenAddr, req)
		require.ErrorIs(t, err, ErrDeadlinePassed)

		req.Deadline = now + MaxRequestLifetime + 1
		_, err = env.prov.RequestDeposit(testUser, env.tokenAddr, req)
		require.ErrorIs(t, err, ErrDeadlineTooFar)
	})

	t.Run("zero amounts", func(t *testing.T) {
		req := base(DepositAuto)
		req.Units = new(big.Int)
		_, err := env.prov.RequestDeposit(testUser, env.tokenAddr, req)
		require.ErrorIs(t, err, ErrZeroAmount)

		req = base(RedeemAuto)
		req.Tokens = nil
		_, err = env.prov.RequestRedeem(testUser, env.tokenAddr, req)
		require.ErrorIs(t, err, ErrZeroAmount)
	})

	t.Run("paused vault", func(t *testing.T) {
		env.oracle.SetPaused(true)
		defer env.oracle.SetPaused(false)
		_, err := env.prov.RequestDeposit(testUser, env.tokenAddr, base(DepositAuto))
		require.ErrorIs(t, err, ErrVaultPaused)
	})

	t.Run("flow disabled", func(t *testing.T) {
		require.NoError(t, env.prov.SetTokenDetails(testAuthority, env.tokenAddr, TokenDetails{
			SyncDepositEnabled:   true,
			DepositMultiplierBps: MaxMultiplierBps,
			RedeemMultiplierBps:  MaxMultiplierBps,
		}))
		_, err := env.prov.RequestDeposit(testUser, env.tokenAddr, base(DepositAuto))
		require.ErrorIs(t, err, ErrAsyncDepositDisabled)
		_, err = env.prov.RequestRedeem(testUser, env.tokenAddr, base(RedeemAuto))
		require.ErrorIs(t, err, ErrAsyncRedeemDisabled)
	})
}

// TestRequestRedeem tests that redemption requests pull units into
// custody at creation time.
func TestRequestRedeem(t *testing.T) {
	env := newProvEnv(t)
	env.fundUnits(testUser, 100)

	req := &Request{
		Type:     RedeemAuto,
		Units:    big.NewInt(100),
		Tokens:   big.NewInt(90),
		Deadline: env.chain.Now() + 100,
	}
	_, err := env.prov.RequestRedeem(testUser, env.tokenAddr, req)
	require.NoError(t, err)
	require.Equal(t, int64(0), env.units.BalanceOf(testUser).Int64())
	require.Equal(t, int64(100), env.units.BalanceOf(testProvAddr).Int64())
}

// TestRefundRequest tests the refund authority rules: authority any
// time, anyone after the deadline, requesters never early.
func TestRefundRequest(t *testing.T) {
	env := newProvEnv(t)
	env.fund(testUser, 200)
	now := env.chain.Now()

	newReq := func(deadline uint64) *Request {
		return &Request{
			Type:     DepositAuto,
			Units:    big.NewInt(90),
			Tokens:   big.NewInt(100),
			Deadline: deadline,
		}
	}

	req := newReq(now + 100)
	_, err := env.prov.RequestDeposit(testUser, env.tokenAddr, req)
	require.NoError(t, err)

	// The requester cannot self-cancel before the deadline.
	require.ErrorIs(t, env.prov.RefundRequest(testUser, env.tokenAddr, req), ErrRefundTooEarly)

	// The authority can.
	require.NoError(t, env.prov.RefundRequest(testAuthority, env.tokenAddr, req))
	require.Equal(t, int64(200), env.token.BalanceOf(testUser).Int64())
	require.Len(t, env.chain.EventsNamed("RequestRefunded"), 1)

	// A consumed refund cannot replay.
	require.ErrorIs(t, env.prov.RefundRequest(testAuthority, env.tokenAddr, req), ErrHashUnknown)

	// Past the deadline anyone may trigger the refund.
	req = newReq(now + 200)
	_, err = env.prov.RequestDeposit(testUser, env.tokenAddr, req)
	require.NoError(t, err)
	env.chain.Advance(201)
	require.NoError(t, env.prov.RefundRequest(addr(0x33), env.tokenAddr, req))
	require.Equal(t, int64(200), env.token.BalanceOf(testUser).Int64())
}

// TestRemoveToken_HashesSurvive tests that dropping a token's
// configuration blocks new requests but keeps pending ones refundable.
func TestRemoveToken_HashesSurvive(t *testing.T) {
	env := newProvEnv(t)
	env.fund(testUser, 200)
	now := env.chain.Now()

	req := &Request{
		Type:     DepositAuto,
		Units:    big.NewInt(90),
		Tokens:   big.NewInt(100),
		Deadline: now + 100,
	}
	_, err := env.prov.RequestDeposit(testUser, env.tokenAddr, req)
	require.NoError(t, err)

	require.NoError(t, env.prov.RemoveToken(testAuthority, env.tokenAddr))

	fresh := &Request{
		Type:     DepositAuto,
		Units:    big.NewInt(1),
		Tokens:   big.NewInt(1),
		Deadline: now + 100,
	}
	_, err = env.prov.RequestDeposit(testUser, env.tokenAddr, fresh)
	require.ErrorIs(t, err, ErrTokenNotConfigured)

	env.chain.Advance(101)
	require.NoError(t, env.prov.RefundRequest(testUser, env.tokenAddr, req))
	require.Equal(t, int64(200), env.token.BalanceOf(testUser).Int64())
}
