package services

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/chaowei-dev/ton-cat-lottery/internal/chain"
	"github.com/chaowei-dev/ton-cat-lottery/internal/config"
	"github.com/chaowei-dev/ton-cat-lottery/internal/contracts/lottery"
	"github.com/chaowei-dev/ton-cat-lottery/internal/indexer"
	"github.com/chaowei-dev/ton-cat-lottery/internal/wallet"
	"github.com/stretchr/testify/require"
)

func newTestConfig() *config.Config {
	return &config.Config{
		ListenAddr:      ":0",
		Testnet:         true,
		OwnerBalance:    chain.MustParseTON("100"),
		EntryFee:        chain.MustParseTON("0.01"),
		MaxParticipants: 3,
		MinParticipants: 2,
		DrawPolicy:      "reject",
		DeployValue:     chain.MustParseTON("0.5"),
		GasAmount:       chain.MustParseTON("0.05"),
		MintForward:     chain.MustParseTON("0.02"),
		WithdrawReserve: lottery.DefaultWithdrawReserve,
		FaucetLimit:     chain.MustParseTON("10"),
		DrawSchedule:    "@every 1h",
	}
}

func newTestService(t *testing.T, cfg *config.Config) *LotteryService {
	t.Helper()
	l, err := chain.NewLedger(chain.WithSeed([32]byte{42}))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	owner, err := wallet.New()
	require.NoError(t, err)
	s, err := NewLotteryService(cfg, l, owner)
	require.NoError(t, err)
	return s
}

func createWallets(t *testing.T, s *LotteryService, n int) []chain.Address {
	t.Helper()
	addrs := make([]chain.Address, n)
	for i := range addrs {
		info, err := s.CreateWallet(chain.MustParseTON("1"))
		require.NoError(t, err)
		addrs[i] = info.Address
	}
	return addrs
}

func TestLotteryService_Draw(t *testing.T) {
	s := newTestService(t, newTestConfig())
	users := createWallets(t, s, 3)

	t.Run("Test deployment wires both contracts", func(t *testing.T) {
		require.Equal(t, s.RegistryAddress(), *s.ContractInfo().RegistryAddress)
		require.Equal(t, s.LotteryAddress(), *s.RegistryInfo().AuthorizedMinter)
	})

	t.Run("Test full round", func(t *testing.T) {
		_, err := s.Join(users[0], 0)
		require.NoError(t, err)
		_, err = s.Join(users[0], 0)
		require.ErrorIs(t, err, chain.ErrPreconditionFailed)
		_, err = s.Join(users[1], 0)
		require.NoError(t, err)
		_, err = s.Join(users[2], 0)
		require.NoError(t, err)

		info := s.ContractInfo()
		require.False(t, info.Active)
		require.Equal(t, 3, info.ParticipantCount)

		result, err := s.DrawWinner()
		require.NoError(t, err)
		require.True(t, result.Minted)
		require.Contains(t, users, result.Winner.Winner)
		require.GreaterOrEqual(t, result.Winner.ItemID, uint64(1000))
		require.LessOrEqual(t, result.Winner.ItemID, uint64(1099))
		require.Empty(t, s.Participants())
		require.Equal(t, uint64(1), s.BalanceOf(result.Winner.Winner))
		require.Equal(t, uint64(1), result.Winner.Round)
		require.Equal(t, result.Trace.Root().LT, result.Winner.LT)
		require.Empty(t, s.Reconcile())

		item, ok := s.MintedItem(1)
		require.True(t, ok)
		got, err := s.Item(item.ItemID)
		require.NoError(t, err)
		require.Equal(t, result.Winner.Winner, got.Owner)
	})

	t.Run("Test drawing an empty round", func(t *testing.T) {
		_, err := s.StartNewRound()
		require.NoError(t, err)
		_, err = s.DrawWinner()
		require.ErrorIs(t, err, chain.ErrPreconditionFailed)
		_, err = s.Winner(2)
		require.ErrorIs(t, err, chain.ErrNotFound)
	})

	t.Run("Test partial round", func(t *testing.T) {
		_, err := s.Join(users[0], 0)
		require.NoError(t, err)
		_, err = s.Join(users[1], 0)
		require.NoError(t, err)

		result, err := s.DrawWinner()
		require.NoError(t, err)
		require.Contains(t, users[:2], result.Winner.Winner)
		require.Len(t, s.Winners(), 2)
	})
}

func TestLotteryService_DrawDuringAutoDraw(t *testing.T) {
	s := newTestService(t, newTestConfig())
	users := createWallets(t, s, 3)

	for round := uint64(1); round <= 5; round++ {
		for _, u := range users {
			_, err := s.Join(u, 0)
			require.NoError(t, err)
		}

		var (
			wg      sync.WaitGroup
			result  *DrawResult
			drawErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			result, drawErr = s.DrawWinner()
		}()
		go func() {
			defer wg.Done()
			s.checkAndDraw()
		}()
		wg.Wait()
		require.NoError(t, s.checkAndDraw())

		recorded, err := s.Winner(round)
		require.NoError(t, err)
		if drawErr == nil {
			require.Equal(t, recorded, result.Winner)
			require.Equal(t, result.Trace.Root().LT, result.Winner.LT)
		} else {
			require.ErrorIs(t, drawErr, chain.ErrPreconditionFailed)
		}
		info := s.ContractInfo()
		require.Equal(t, round+1, info.CurrentRound)
		require.True(t, info.Active)
	}
}

func TestLotteryService_Join(t *testing.T) {
	s := newTestService(t, newTestConfig())

	_, err := s.Join(chain.DeriveAddress([]byte("stranger")), 0)
	require.ErrorIs(t, err, chain.ErrNotFound)

	users := createWallets(t, s, 1)
	_, err = s.Join(users[0], chain.MustParseTON("0.001"))
	require.ErrorIs(t, err, chain.ErrPreconditionFailed)
	require.Equal(t, "1", s.ListWallets()[0].Balance)

	_, err = s.Join(users[0], chain.MustParseTON("0.02"))
	require.NoError(t, err)
	p, err := s.Participant(0)
	require.NoError(t, err)
	require.Equal(t, chain.MustParseTON("0.02"), p.AmountPaid)
	_, err = s.Participant(1)
	require.ErrorIs(t, err, chain.ErrNotFound)
}

func TestLotteryService_Reconcile(t *testing.T) {
	s := newTestService(t, newTestConfig())
	users := createWallets(t, s, 2)

	// Point the registry at another minter so the draw's mint is refused.
	_, err := s.SetAuthorizedMinter(s.OwnerAddress())
	require.NoError(t, err)
	for _, u := range users {
		_, err := s.Join(u, 0)
		require.NoError(t, err)
	}
	result, err := s.DrawWinner()
	require.NoError(t, err)
	require.False(t, result.Minted)
	require.NotEmpty(t, result.MintError)

	pending := s.Reconcile()
	require.Len(t, pending, 1)
	require.Equal(t, uint64(1), pending[0].Winner.Round)
	require.Equal(t, "lottery is not the authorized minter", pending[0].Reason)

	_, err = s.ResubmitMint(1)
	require.ErrorIs(t, err, chain.ErrAuthorizationDenied)

	_, err = s.SetAuthorizedMinter(s.LotteryAddress())
	require.NoError(t, err)
	_, err = s.ResubmitMint(1)
	require.NoError(t, err)
	require.Empty(t, s.Reconcile())

	t.Run("Test resubmitting a minted round is a no-op", func(t *testing.T) {
		_, err := s.ResubmitMint(1)
		require.NoError(t, err)
		require.Equal(t, uint64(1), s.RegistryInfo().TotalSupply)
	})

	t.Run("Test resubmitting an unknown round", func(t *testing.T) {
		_, err := s.ResubmitMint(7)
		require.ErrorIs(t, err, chain.ErrPreconditionFailed)
	})
}

func TestLotteryService_CheckAndDraw(t *testing.T) {
	s := newTestService(t, newTestConfig())
	users := createWallets(t, s, 3)

	t.Run("Test too few participants", func(t *testing.T) {
		_, err := s.Join(users[0], 0)
		require.NoError(t, err)
		require.NoError(t, s.checkAndDraw())
		require.Empty(t, s.Winners())
	})

	t.Run("Test open round below capacity", func(t *testing.T) {
		_, err := s.Join(users[1], 0)
		require.NoError(t, err)
		require.NoError(t, s.checkAndDraw())
		require.Empty(t, s.Winners())
	})

	t.Run("Test full round is drawn and reopened", func(t *testing.T) {
		_, err := s.Join(users[2], 0)
		require.NoError(t, err)
		require.NoError(t, s.checkAndDraw())

		_, err = s.Winner(1)
		require.NoError(t, err)
		info := s.ContractInfo()
		require.True(t, info.Active)
		require.Equal(t, uint64(2), info.CurrentRound)
	})

	t.Run("Test manually drawn round is reopened", func(t *testing.T) {
		_, err := s.Join(users[0], 0)
		require.NoError(t, err)
		_, err = s.Join(users[1], 0)
		require.NoError(t, err)
		_, err = s.DrawWinner()
		require.NoError(t, err)
		require.False(t, s.ContractInfo().Active)

		require.NoError(t, s.checkAndDraw())
		require.Equal(t, uint64(3), s.ContractInfo().CurrentRound)
	})
}

func TestLotteryService_Withdraw(t *testing.T) {
	s := newTestService(t, newTestConfig())
	users := createWallets(t, s, 2)

	_, err := s.Withdraw()
	require.ErrorIs(t, err, chain.ErrPreconditionFailed)

	for _, u := range users {
		_, err := s.Join(u, 0)
		require.NoError(t, err)
	}
	_, err = s.DrawWinner()
	require.NoError(t, err)

	before := s.Balance(s.OwnerAddress())
	_, err = s.Withdraw()
	require.NoError(t, err)
	require.Equal(t, lottery.DefaultWithdrawReserve, s.Balance(s.LotteryAddress()))
	require.Greater(t, s.Balance(s.OwnerAddress()), before)
}

func TestLotteryService_Persistence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.db")
	cfg := newTestConfig()
	owner, err := wallet.New()
	require.NoError(t, err)
	index, err := indexer.Open(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	defer index.Close()

	open := func() (*chain.Ledger, *LotteryService) {
		store, err := chain.OpenBoltStore(path)
		require.NoError(t, err)
		l, err := chain.NewLedger(chain.WithStore(store))
		require.NoError(t, err)
		l.Subscribe(index.Observe)
		key, err := wallet.FromHex(owner.PrivateKeyHex())
		require.NoError(t, err)
		s, err := NewLotteryService(cfg, l, key)
		require.NoError(t, err)
		return l, s
	}

	l, s := open()
	users := createWallets(t, s, 2)
	for _, u := range users {
		_, err := s.Join(u, 0)
		require.NoError(t, err)
	}
	result, err := s.DrawWinner()
	require.NoError(t, err)
	seqno := l.Seqno(owner.Address())
	balance := s.Balance(s.LotteryAddress())
	require.NoError(t, l.Close())

	l, s = open()
	defer l.Close()

	require.Equal(t, seqno, l.Seqno(owner.Address()), "wiring is not repeated")
	require.Equal(t, balance, s.Balance(s.LotteryAddress()))
	winner, err := s.Winner(1)
	require.NoError(t, err)
	require.Equal(t, result.Winner, winner)
	require.False(t, s.ContractInfo().Active)
	require.Equal(t, uint64(1), s.RegistryInfo().TotalSupply)
	require.Equal(t, uint64(1), s.BalanceOf(winner.Winner))

	t.Run("Test transactions after restart are indexed", func(t *testing.T) {
		before, err := index.Count()
		require.NoError(t, err)
		_, err = s.StartNewRound()
		require.NoError(t, err)
		joiner := createWallets(t, s, 1)[0]
		trace, err := s.Join(joiner, 0)
		require.NoError(t, err)
		require.Greater(t, trace.Root().LT, result.Trace.Root().LT)

		after, err := index.Count()
		require.NoError(t, err)
		require.Equal(t, before+2, after)
		rows, err := index.List(indexer.Filter{Address: joiner.String()})
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.Equal(t, lottery.OpJoin, rows[0].Op)
	})
}

func TestLotteryService_Wallets(t *testing.T) {
	s := newTestService(t, newTestConfig())

	_, err := s.CreateWallet(chain.MustParseTON("11"))
	require.ErrorIs(t, err, chain.ErrPreconditionFailed)

	empty, err := s.CreateWallet(0)
	require.NoError(t, err)
	funded, err := s.CreateWallet(chain.MustParseTON("2"))
	require.NoError(t, err)
	require.Equal(t, "2", funded.Balance)
	require.Len(t, s.ListWallets(), 2)

	info, err := s.FundWallet(empty.Address, chain.MustParseTON("0.5"))
	require.NoError(t, err)
	require.Equal(t, "0.5", info.Balance)
	_, err = s.FundWallet(chain.DeriveAddress([]byte("x")), 1)
	require.ErrorIs(t, err, chain.ErrNotFound)

	t.Run("Test cleanup keeps funded wallets", func(t *testing.T) {
		idle, err := s.CreateWallet(0)
		require.NoError(t, err)
		s.mu.Lock()
		for _, session := range s.sessions {
			session.LastActivity = time.Now().Add(-2 * time.Hour)
		}
		s.mu.Unlock()

		require.Equal(t, 1, s.CleanUpInactiveWallets(time.Hour))
		for _, w := range s.ListWallets() {
			require.NotEqual(t, idle.Address, w.Address)
		}
		require.Len(t, s.ListWallets(), 2)
	})
}

func TestLotteryService_SubmitSigned(t *testing.T) {
	s := newTestService(t, newTestConfig())
	w, err := wallet.New()
	require.NoError(t, err)
	require.NoError(t, s.ledger.Fund(w.Address(), chain.MustParseTON("1")))

	ext, err := w.Sign(s.LotteryAddress(), chain.MustParseTON("0.01"), lottery.OpJoin, nil, 0)
	require.NoError(t, err)
	trace, err := s.SubmitSigned(ext)
	require.NoError(t, err)
	require.NoError(t, trace.Err())
	require.Equal(t, 1, s.ContractInfo().ParticipantCount)

	_, err = s.SubmitSigned(ext)
	require.ErrorIs(t, err, chain.ErrBadSeqno)
}

func TestLotteryService_LocalPolicy(t *testing.T) {
	cfg := newTestConfig()
	cfg.DrawPolicy = "local"
	s := newTestService(t, cfg)
	require.Equal(t, "local", s.Status().DrawPolicy)

	users := createWallets(t, s, 2)
	for _, u := range users {
		_, err := s.Join(u, 0)
		require.NoError(t, err)
	}
	result, err := s.DrawWinner()
	require.NoError(t, err)
	require.True(t, result.Minted)
}

func TestLotteryService_StartStop(t *testing.T) {
	cfg := newTestConfig()
	cfg.AutoDraw = true
	cfg.ReconcileSchedule = "@every 1h"
	s := newTestService(t, cfg)

	require.NoError(t, s.Start())
	require.Error(t, s.Start())
	status := s.Status()
	require.True(t, status.Running)
	require.Equal(t, "0.01", status.EntryFee)
	require.Equal(t, uint64(1), status.CurrentRound)

	s.Stop()
	require.False(t, s.Status().Running)
	s.Stop()
}

func TestLotteryService_BadSchedule(t *testing.T) {
	cfg := newTestConfig()
	cfg.AutoDraw = true
	cfg.DrawSchedule = "whenever"
	s := newTestService(t, cfg)
	require.Error(t, s.Start())
}
