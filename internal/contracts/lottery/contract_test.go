package lottery

import (
	"testing"

	"github.com/chaowei-dev/ton-cat-lottery/internal/chain"
	"github.com/chaowei-dev/ton-cat-lottery/internal/contracts/registry"
	"github.com/chaowei-dev/ton-cat-lottery/internal/wallet"
	"github.com/stretchr/testify/require"
	"github.com/tonkeeper/tongo/tlb"
)

type fixture struct {
	t        *testing.T
	ledger   *chain.Ledger
	owner    *wallet.Wallet
	lottery  *Contract
	registry *registry.Contract
	lAddr    chain.Address
	rAddr    chain.Address
}

func newFixture(t *testing.T, maxParticipants int, policy Policy) *fixture {
	t.Helper()
	l, err := chain.NewLedger(chain.WithSeed([32]byte{7}))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	owner, err := wallet.New()
	require.NoError(t, err)
	require.NoError(t, l.Fund(owner.Address(), chain.MustParseTON("100")))

	lc, err := New(Config{
		Owner:           owner.Address(),
		EntryFee:        chain.MustParseTON("0.01"),
		MaxParticipants: maxParticipants,
		Policy:          policy,
		MintForward:     chain.MustParseTON("0.02"),
		WithdrawReserve: DefaultWithdrawReserve,
	})
	require.NoError(t, err)
	lAddr, err := l.Deploy(lc, chain.MustParseTON("0.1"))
	require.NoError(t, err)

	catalog, err := registry.LoadCatalog()
	require.NoError(t, err)
	rc, err := registry.New(owner.Address(), catalog)
	require.NoError(t, err)
	rAddr, err := l.Deploy(rc, chain.MustParseTON("0.1"))
	require.NoError(t, err)

	return &fixture{t: t, ledger: l, owner: owner, lottery: lc, registry: rc, lAddr: lAddr, rAddr: rAddr}
}

func (f *fixture) wire() {
	f.t.Helper()
	require.NoError(f.t, f.send(f.owner, f.lAddr, 0, OpSetRegistryAddress, &SetRegistryBody{Registry: f.rAddr.String()}).Err())
	require.NoError(f.t, f.send(f.owner, f.rAddr, 0, registry.OpSetAuthorizedMinter, &registry.SetMinterBody{Minter: f.lAddr.String()}).Err())
}

func (f *fixture) user() *wallet.Wallet {
	f.t.Helper()
	w, err := wallet.New()
	require.NoError(f.t, err)
	require.NoError(f.t, f.ledger.Fund(w.Address(), chain.MustParseTON("1")))
	return w
}

func (f *fixture) send(w *wallet.Wallet, to chain.Address, value tlb.Grams, op string, body any) *chain.Trace {
	f.t.Helper()
	ext, err := w.Sign(to, value, op, body, f.ledger.Seqno(w.Address()))
	require.NoError(f.t, err)
	trace, err := f.ledger.Submit(ext)
	require.NoError(f.t, err)
	return trace
}

func (f *fixture) join(w *wallet.Wallet, amount string) error {
	return f.send(w, f.lAddr, chain.MustParseTON(amount), OpJoin, nil).Err()
}

func (f *fixture) ownerOp(op string, body any) *chain.Trace {
	return f.send(f.owner, f.lAddr, chain.MustParseTON("0.05"), op, body)
}

func TestLottery_FullRound(t *testing.T) {
	f := newFixture(t, 3, PolicyReject)
	f.wire()
	u1, u2, u3 := f.user(), f.user(), f.user()

	require.NoError(t, f.join(u1, "0.01"))
	require.ErrorIs(t, f.join(u1, "0.01"), chain.ErrPreconditionFailed)
	require.NoError(t, f.join(u2, "0.01"))
	require.NoError(t, f.join(u3, "0.01"))

	info := f.lottery.Info()
	require.False(t, info.Active)
	require.Equal(t, 3, info.ParticipantCount)

	trace := f.ownerOp(OpDrawWinner, nil)
	require.NoError(t, trace.Err())

	record, ok := f.lottery.Winner(1)
	require.True(t, ok)
	require.Contains(t, []chain.Address{u1.Address(), u2.Address(), u3.Address()}, record.Winner)
	require.GreaterOrEqual(t, record.ItemID, uint64(1000))
	require.LessOrEqual(t, record.ItemID, uint64(1099))
	require.Empty(t, f.lottery.Participants())
	require.False(t, f.lottery.Info().Active)

	mint, ok := trace.FindOp(f.rAddr, OpMintTo)
	require.True(t, ok)
	require.True(t, mint.Success)
	_, ok = trace.FindOp(record.Winner, registry.OpNotify)
	require.True(t, ok)

	require.Equal(t, uint64(1), f.registry.BalanceOf(record.Winner))
	item, ok := f.registry.MintByRound(f.lAddr, 1)
	require.True(t, ok)
	require.Equal(t, record.Winner, item.Owner)
	require.Equal(t, record.ItemID, item.Reference)
}

func TestLottery_Join(t *testing.T) {
	f := newFixture(t, 3, PolicyReject)
	u := f.user()

	t.Run("Test underpayment is rejected and refunded", func(t *testing.T) {
		before := f.ledger.Balance(u.Address())
		trace := f.send(u, f.lAddr, chain.MustParseTON("0.005"), OpJoin, nil)
		require.ErrorIs(t, trace.Err(), chain.ErrPreconditionFailed)
		require.True(t, trace.Root().Bounced)
		require.Empty(t, f.lottery.Participants())
		require.Equal(t, before, f.ledger.Balance(u.Address()))
	})

	t.Run("Test overpayment is kept", func(t *testing.T) {
		require.NoError(t, f.join(u, "0.03"))
		p, ok := f.lottery.Participant(0)
		require.True(t, ok)
		require.Equal(t, u.Address(), p.Address)
		require.Equal(t, chain.MustParseTON("0.03"), p.AmountPaid)
	})

	t.Run("Test out of range index is not found", func(t *testing.T) {
		_, ok := f.lottery.Participant(1)
		require.False(t, ok)
		_, ok = f.lottery.Participant(-1)
		require.False(t, ok)
	})

	t.Run("Test full lottery rejects joins", func(t *testing.T) {
		require.NoError(t, f.join(f.user(), "0.01"))
		require.NoError(t, f.join(f.user(), "0.01"))
		require.ErrorIs(t, f.join(f.user(), "0.01"), chain.ErrPreconditionFailed)
		require.Len(t, f.lottery.Participants(), 3)
	})
}

func TestLottery_Draw(t *testing.T) {
	t.Run("Test partial round draws among joined participants", func(t *testing.T) {
		f := newFixture(t, 3, PolicyReject)
		f.wire()
		u1, u2 := f.user(), f.user()
		require.NoError(t, f.join(u1, "0.01"))
		require.NoError(t, f.join(u2, "0.01"))

		require.NoError(t, f.ownerOp(OpDrawWinner, nil).Err())
		record, ok := f.lottery.Winner(1)
		require.True(t, ok)
		require.Contains(t, []chain.Address{u1.Address(), u2.Address()}, record.Winner)
	})

	t.Run("Test empty round is rejected", func(t *testing.T) {
		f := newFixture(t, 3, PolicyReject)
		f.wire()
		require.ErrorIs(t, f.ownerOp(OpDrawWinner, nil).Err(), chain.ErrPreconditionFailed)
		require.Empty(t, f.lottery.Winners())
	})

	t.Run("Test non-owner is rejected", func(t *testing.T) {
		f := newFixture(t, 3, PolicyReject)
		f.wire()
		u := f.user()
		require.NoError(t, f.join(u, "0.01"))
		require.ErrorIs(t, f.send(u, f.lAddr, 0, OpDrawWinner, nil).Err(), chain.ErrAuthorizationDenied)
		require.Len(t, f.lottery.Participants(), 1)
	})

	t.Run("Test missing registry rejects under reject policy", func(t *testing.T) {
		f := newFixture(t, 3, PolicyReject)
		require.NoError(t, f.join(f.user(), "0.01"))
		require.ErrorIs(t, f.ownerOp(OpDrawWinner, nil).Err(), chain.ErrConfigurationMissing)
		require.Empty(t, f.lottery.Winners())
		require.Len(t, f.lottery.Participants(), 1)
	})

	t.Run("Test missing registry draws locally under local policy", func(t *testing.T) {
		f := newFixture(t, 3, PolicyLocal)
		require.NoError(t, f.join(f.user(), "0.01"))
		trace := f.ownerOp(OpDrawWinner, nil)
		require.NoError(t, trace.Err())
		require.Len(t, trace.Transactions, 1)
		_, ok := f.lottery.Winner(1)
		require.True(t, ok)
	})

	t.Run("Test unauthorized lottery commits locally but mints nothing", func(t *testing.T) {
		f := newFixture(t, 3, PolicyReject)
		require.NoError(t, f.ownerOp(OpSetRegistryAddress, &SetRegistryBody{Registry: f.rAddr.String()}).Err())
		require.NoError(t, f.join(f.user(), "0.01"))

		trace := f.ownerOp(OpDrawWinner, nil)
		require.NoError(t, trace.Err())
		mint, ok := trace.FindOp(f.rAddr, OpMintTo)
		require.True(t, ok)
		require.False(t, mint.Success)
		require.ErrorIs(t, mint.Err, chain.ErrConfigurationMissing)
		_, ok = trace.FindOp(f.lAddr, chain.OpBounce)
		require.True(t, ok)

		_, ok = f.lottery.Winner(1)
		require.True(t, ok)
		require.Equal(t, uint64(0), f.registry.Info().TotalSupply)
	})
}

func TestLottery_RetryMint(t *testing.T) {
	f := newFixture(t, 3, PolicyReject)
	require.NoError(t, f.ownerOp(OpSetRegistryAddress, &SetRegistryBody{Registry: f.rAddr.String()}).Err())
	require.NoError(t, f.join(f.user(), "0.01"))
	require.NoError(t, f.ownerOp(OpDrawWinner, nil).Err())
	_, ok := f.registry.MintByRound(f.lAddr, 1)
	require.False(t, ok)

	require.ErrorIs(t, f.ownerOp(OpRetryMint, &RetryMintBody{Round: 9}).Err(), chain.ErrPreconditionFailed)

	require.NoError(t, f.send(f.owner, f.rAddr, 0, registry.OpSetAuthorizedMinter, &registry.SetMinterBody{Minter: f.lAddr.String()}).Err())
	require.NoError(t, f.ownerOp(OpRetryMint, &RetryMintBody{Round: 1}).Err())
	item, ok := f.registry.MintByRound(f.lAddr, 1)
	require.True(t, ok)

	t.Run("Test repeat is idempotent", func(t *testing.T) {
		trace := f.ownerOp(OpRetryMint, &RetryMintBody{Round: 1})
		require.NoError(t, trace.Err())
		mint, ok := trace.FindOp(f.rAddr, OpMintTo)
		require.True(t, ok)
		require.True(t, mint.Success)
		require.Equal(t, uint64(1), f.registry.Info().TotalSupply)
		again, _ := f.registry.MintByRound(f.lAddr, 1)
		require.Equal(t, item.ItemID, again.ItemID)
	})
}

func TestLottery_RoundLifecycle(t *testing.T) {
	f := newFixture(t, 2, PolicyReject)
	f.wire()
	u := f.user()

	require.ErrorIs(t, f.ownerOp(OpStartNewRound, nil).Err(), chain.ErrPreconditionFailed)
	require.ErrorIs(t, f.ownerOp(OpWithdraw, nil).Err(), chain.ErrPreconditionFailed)

	require.NoError(t, f.join(u, "0.01"))
	require.NoError(t, f.join(f.user(), "0.01"))
	require.False(t, f.lottery.Info().Active)
	require.ErrorIs(t, f.send(u, f.lAddr, 0, OpStartNewRound, nil).Err(), chain.ErrAuthorizationDenied)

	require.NoError(t, f.ownerOp(OpDrawWinner, nil).Err())
	require.ErrorIs(t, f.ownerOp(OpDrawWinner, nil).Err(), chain.ErrPreconditionFailed)

	trace := f.ownerOp(OpStartNewRound, nil)
	require.NoError(t, trace.Err())
	_, refunded := trace.FindOp(u.Address(), OpRefund)
	require.False(t, refunded, "drawn round has nobody to refund")
	info := f.lottery.Info()
	require.Equal(t, uint64(2), info.CurrentRound)
	require.True(t, info.Active)
	require.Zero(t, info.ParticipantCount)

	require.NoError(t, f.join(u, "0.01"), "same address may join a new round")
}

func TestLottery_StartNewRoundUndrawn(t *testing.T) {
	f := newFixture(t, 3, PolicyReject)
	f.wire()
	users := []*wallet.Wallet{f.user(), f.user(), f.user()}
	for _, u := range users {
		require.NoError(t, f.join(u, "0.01"))
	}
	require.False(t, f.lottery.Info().Active)
	before := f.ledger.Balance(f.lAddr)

	trace := f.ownerOp(OpStartNewRound, nil)
	require.NoError(t, trace.Err())

	info := f.lottery.Info()
	require.Equal(t, uint64(2), info.CurrentRound)
	require.True(t, info.Active)
	require.Zero(t, info.ParticipantCount)
	_, ok := f.lottery.Winner(1)
	require.False(t, ok, "undrawn round has no winner")

	for _, u := range users {
		refund, ok := trace.FindOp(u.Address(), OpRefund)
		require.True(t, ok)
		require.True(t, refund.Success)
		require.Equal(t, chain.MustParseTON("0.01"), refund.Value)
		require.Equal(t, chain.MustParseTON("1"), f.ledger.Balance(u.Address()))
	}
	require.Equal(t, before+chain.MustParseTON("0.05")-chain.MustParseTON("0.03"), f.ledger.Balance(f.lAddr))
}

func TestLottery_Withdraw(t *testing.T) {
	f := newFixture(t, 1, PolicyLocal)
	require.NoError(t, f.join(f.user(), "0.5"))

	u := f.user()
	require.ErrorIs(t, f.send(u, f.lAddr, 0, OpWithdraw, nil).Err(), chain.ErrAuthorizationDenied)

	before := f.ledger.Balance(f.owner.Address())
	trace := f.send(f.owner, f.lAddr, 0, OpWithdraw, nil)
	require.NoError(t, trace.Err())
	require.Equal(t, DefaultWithdrawReserve, f.ledger.Balance(f.lAddr))

	payout, ok := trace.FindOp(f.owner.Address(), OpWithdrawal)
	require.True(t, ok)
	require.Equal(t, chain.MustParseTON("0.55"), payout.Value)
	require.Equal(t, before+payout.Value, f.ledger.Balance(f.owner.Address()))

	require.ErrorIs(t, f.send(f.owner, f.lAddr, 0, OpWithdraw, nil).Err(), chain.ErrPreconditionFailed)
}

func TestLottery_SetRegistryAddress(t *testing.T) {
	f := newFixture(t, 3, PolicyReject)
	u := f.user()

	require.ErrorIs(t, f.send(u, f.lAddr, 0, OpSetRegistryAddress, &SetRegistryBody{Registry: f.rAddr.String()}).Err(),
		chain.ErrAuthorizationDenied)
	require.Nil(t, f.lottery.Info().RegistryAddress)

	require.ErrorIs(t, f.ownerOp(OpSetRegistryAddress, &SetRegistryBody{Registry: "bogus"}).Err(), chain.ErrPreconditionFailed)

	other := chain.DeriveAddress([]byte("other"))
	require.NoError(t, f.ownerOp(OpSetRegistryAddress, &SetRegistryBody{Registry: other.String()}).Err())
	require.NoError(t, f.ownerOp(OpSetRegistryAddress, &SetRegistryBody{Registry: f.rAddr.String()}).Err())
	require.Equal(t, f.rAddr, *f.lottery.Info().RegistryAddress)
}

func TestLottery_State(t *testing.T) {
	f := newFixture(t, 3, PolicyReject)
	f.wire()
	require.NoError(t, f.join(f.user(), "0.01"))
	require.NoError(t, f.ownerOp(OpDrawWinner, nil).Err())
	require.NoError(t, f.ownerOp(OpStartNewRound, nil).Err())
	require.NoError(t, f.join(f.user(), "0.02"))

	buf, err := f.lottery.MarshalState()
	require.NoError(t, err)

	restored, err := New(f.lottery.cfg)
	require.NoError(t, err)
	require.NoError(t, restored.UnmarshalState(buf))
	require.Equal(t, f.lottery.Info(), restored.Info())
	require.Equal(t, f.lottery.Participants(), restored.Participants())
	require.Equal(t, f.lottery.Winners(), restored.Winners())
}

func TestNew(t *testing.T) {
	_, err := New(Config{MaxParticipants: 1})
	require.Error(t, err)
	_, err = New(Config{Owner: chain.DeriveAddress([]byte("o")), MaxParticipants: 0})
	require.Error(t, err)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	require.Equal(t, PolicyReject, p)
	p, err = ParsePolicy("local")
	require.NoError(t, err)
	require.Equal(t, PolicyLocal, p)
	require.Equal(t, "local", p.String())
	_, err = ParsePolicy("maybe")
	require.Error(t, err)
}
