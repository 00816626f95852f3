package services

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chaowei-dev/ton-cat-lottery/internal/chain"
	"github.com/chaowei-dev/ton-cat-lottery/internal/config"
	"github.com/chaowei-dev/ton-cat-lottery/internal/contracts/lottery"
	"github.com/chaowei-dev/ton-cat-lottery/internal/contracts/registry"
	"github.com/chaowei-dev/ton-cat-lottery/internal/models"
	"github.com/chaowei-dev/ton-cat-lottery/internal/wallet"
	"github.com/google/logger"
	"github.com/robfig/cron/v3"
	"github.com/tonkeeper/tongo/tlb"
)

// WalletSession is a custodial wallet held by the service for a user.
type WalletSession struct {
	Wallet       *wallet.Wallet
	LastActivity time.Time
}

// WalletInfo describes a custodial wallet.
type WalletInfo struct {
	Address      chain.Address `json:"address"`
	Friendly     string        `json:"friendly"`
	Balance      string        `json:"balance"`
	Seqno        uint64        `json:"seqno"`
	LastActivity time.Time     `json:"lastActivity"`
}

// DrawResult is the outcome of a draw as seen by the operator.
type DrawResult struct {
	Winner models.WinnerRecord `json:"winner"`
	// Minted reports whether the registry accepted the mint request in the
	// same trace.
	Minted    bool         `json:"minted"`
	MintError string       `json:"mintError,omitempty"`
	Trace     *chain.Trace `json:"trace"`
}

// Status is the service summary.
type Status struct {
	Running         bool   `json:"running"`
	AutoDraw        bool   `json:"autoDraw"`
	DrawSchedule    string `json:"drawSchedule"`
	DrawPolicy      string `json:"drawPolicy"`
	MaxParticipants int    `json:"maxParticipants"`
	MinParticipants int    `json:"minParticipants"`
	EntryFee        string `json:"entryFee"`
	Owner           string `json:"owner"`
	LotteryAddress  string `json:"lotteryAddress"`
	RegistryAddress string `json:"registryAddress"`
	LotteryBalance  string `json:"lotteryBalance"`
	CurrentRound    uint64 `json:"currentRound"`
	Wallets         int    `json:"wallets"`
	Unreconciled    int    `json:"unreconciled"`
}

// LotteryService deploys the lottery and registry contracts on a ledger and
// drives them on behalf of the owner and custodial users.
type LotteryService struct {
	cfg    *config.Config
	ledger *chain.Ledger
	owner  *wallet.Wallet

	lottery      *lottery.Contract
	registry     *registry.Contract
	lotteryAddr  chain.Address
	registryAddr chain.Address

	// sendMu keeps seqno lookup and submission of one message together.
	sendMu sync.Mutex

	mu       sync.RWMutex
	sessions map[chain.Address]*WalletSession
	cron     *cron.Cron
	running  bool
}

// NewLotteryService deploys (or restores) both contracts and wires them
// together.
func NewLotteryService(cfg *config.Config, ledger *chain.Ledger, owner *wallet.Wallet) (*LotteryService, error) {
	catalog, err := registry.LoadCatalog()
	if err != nil {
		return nil, err
	}
	rc, err := registry.New(owner.Address(), catalog)
	if err != nil {
		return nil, err
	}
	lc, err := lottery.New(lottery.Config{
		Owner:           owner.Address(),
		EntryFee:        cfg.EntryFee,
		MaxParticipants: cfg.MaxParticipants,
		Policy:          cfg.Policy(),
		MintForward:     cfg.MintForward,
		WithdrawReserve: cfg.WithdrawReserve,
	})
	if err != nil {
		return nil, err
	}

	if ledger.Balance(owner.Address()) == 0 && cfg.OwnerBalance > 0 {
		if err := ledger.Fund(owner.Address(), cfg.OwnerBalance); err != nil {
			return nil, fmt.Errorf("fund owner: %w", err)
		}
		logger.Infof("Funded owner %s with %s", owner.Address(), chain.FormatTON(cfg.OwnerBalance))
	}
	registryAddr, err := ledger.Deploy(rc, cfg.DeployValue)
	if err != nil {
		return nil, fmt.Errorf("deploy registry: %w", err)
	}
	lotteryAddr, err := ledger.Deploy(lc, cfg.DeployValue)
	if err != nil {
		return nil, fmt.Errorf("deploy lottery: %w", err)
	}

	s := &LotteryService{
		cfg:          cfg,
		ledger:       ledger,
		owner:        owner,
		lottery:      lc,
		registry:     rc,
		lotteryAddr:  lotteryAddr,
		registryAddr: registryAddr,
		sessions:     make(map[chain.Address]*WalletSession),
	}
	if err := s.wire(); err != nil {
		return nil, err
	}
	return s, nil
}

// wire points the lottery at the registry and authorizes the lottery as the
// registry's minter, skipping links that are already in place.
func (s *LotteryService) wire() error {
	var registrySet, minterSet bool
	s.ledger.View(func() {
		if addr := s.lottery.Info().RegistryAddress; addr != nil && *addr == s.registryAddr {
			registrySet = true
		}
		if addr := s.registry.Info().AuthorizedMinter; addr != nil && *addr == s.lotteryAddr {
			minterSet = true
		}
	})
	if !registrySet {
		if _, err := s.SetRegistryAddress(s.registryAddr); err != nil {
			return fmt.Errorf("set registry address: %w", err)
		}
	}
	if !minterSet {
		if _, err := s.SetAuthorizedMinter(s.lotteryAddr); err != nil {
			return fmt.Errorf("set authorized minter: %w", err)
		}
	}
	return nil
}

// send signs and submits one message from w. The trace is returned even when
// the root transaction was rejected; the error then carries the rejection.
func (s *LotteryService) send(w *wallet.Wallet, to chain.Address, value tlb.Grams, op string, body any) (*chain.Trace, error) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	ext, err := w.Sign(to, value, op, body, s.ledger.Seqno(w.Address()))
	if err != nil {
		return nil, err
	}
	trace, err := s.ledger.Submit(ext)
	if err != nil {
		return nil, err
	}
	return trace, trace.Err()
}

func (s *LotteryService) ownerSend(to chain.Address, op string, body any) (*chain.Trace, error) {
	return s.send(s.owner, to, s.cfg.GasAmount, op, body)
}

// Join enters the custodial wallet at addr into the current round. A zero
// amount pays exactly the entry fee.
func (s *LotteryService) Join(addr chain.Address, amount tlb.Grams) (*chain.Trace, error) {
	session, err := s.session(addr)
	if err != nil {
		return nil, err
	}
	if amount == 0 {
		amount = s.cfg.EntryFee
	}
	trace, err := s.send(session.Wallet, s.lotteryAddr, amount, lottery.OpJoin, nil)
	if err != nil {
		return trace, err
	}
	logger.Infof("%s joined round %d", addr, s.ContractInfo().CurrentRound)
	return trace, nil
}

// DrawWinner draws the current round.
func (s *LotteryService) DrawWinner() (*DrawResult, error) {
	trace, err := s.ownerSend(s.lotteryAddr, lottery.OpDrawWinner, nil)
	if err != nil {
		return nil, err
	}
	record, err := s.drawnAt(trace.Root().LT)
	if err != nil {
		return nil, err
	}
	result := &DrawResult{Winner: record, Trace: trace}
	if mint, ok := trace.FindOp(s.registryAddr, registry.OpMintTo); ok {
		result.Minted = mint.Success
		result.MintError = mint.ExitReason
	} else {
		result.MintError = "mint request not sent"
	}
	if result.Minted {
		logger.Infof("Round %d won by %s, item %d", record.Round, record.Winner, record.ItemID)
	} else {
		logger.Warningf("Round %d won by %s but no item was minted: %s", record.Round, record.Winner, result.MintError)
	}
	return result, nil
}

func (s *LotteryService) StartNewRound() (*chain.Trace, error) {
	trace, err := s.ownerSend(s.lotteryAddr, lottery.OpStartNewRound, nil)
	if err != nil {
		return trace, err
	}
	logger.Infof("Started round %d", s.ContractInfo().CurrentRound)
	return trace, nil
}

// Withdraw moves the lottery balance above the reserve to the owner.
func (s *LotteryService) Withdraw() (*chain.Trace, error) {
	return s.ownerSend(s.lotteryAddr, lottery.OpWithdraw, nil)
}

func (s *LotteryService) SetRegistryAddress(addr chain.Address) (*chain.Trace, error) {
	return s.ownerSend(s.lotteryAddr, lottery.OpSetRegistryAddress, &lottery.SetRegistryBody{Registry: addr.String()})
}

func (s *LotteryService) SetAuthorizedMinter(addr chain.Address) (*chain.Trace, error) {
	return s.ownerSend(s.registryAddr, registry.OpSetAuthorizedMinter, &registry.SetMinterBody{Minter: addr.String()})
}

// ResubmitMint asks the lottery to send the mint request for round again.
func (s *LotteryService) ResubmitMint(round uint64) (*chain.Trace, error) {
	trace, err := s.ownerSend(s.lotteryAddr, lottery.OpRetryMint, &lottery.RetryMintBody{Round: round})
	if err != nil {
		return trace, err
	}
	if _, ok := s.MintedItem(round); !ok {
		if mint, found := trace.FindOp(s.registryAddr, registry.OpMintTo); found && !mint.Success {
			return trace, mint.Err
		}
		return trace, fmt.Errorf("%w: no item minted for round %d", chain.ErrNotFound, round)
	}
	return trace, nil
}

// SubmitSigned executes a message signed outside the service.
func (s *LotteryService) SubmitSigned(ext *chain.ExternalMessage) (*chain.Trace, error) {
	trace, err := s.ledger.Submit(ext)
	if err != nil {
		return nil, err
	}
	s.touch(ext.From)
	return trace, nil
}

// Reconcile lists drawn rounds for which the registry holds no item.
func (s *LotteryService) Reconcile() []models.Unreconciled {
	var out []models.Unreconciled
	s.ledger.View(func() {
		minter := s.registry.Info().AuthorizedMinter
		for _, w := range s.lottery.Winners() {
			if _, ok := s.registry.MintByRound(s.lotteryAddr, w.Round); ok {
				continue
			}
			reason := "no item minted for round"
			switch {
			case s.lottery.Info().RegistryAddress == nil:
				reason = "lottery has no registry address"
			case minter == nil:
				reason = "registry has no authorized minter"
			case *minter != s.lotteryAddr:
				reason = "lottery is not the authorized minter"
			}
			out = append(out, models.Unreconciled{Winner: w, Reason: reason})
		}
	})
	return out
}

func (s *LotteryService) ContractInfo() models.LotteryInfo {
	var info models.LotteryInfo
	s.ledger.View(func() { info = s.lottery.Info() })
	return info
}

func (s *LotteryService) Participant(index int) (models.Participant, error) {
	var (
		p  models.Participant
		ok bool
	)
	s.ledger.View(func() { p, ok = s.lottery.Participant(index) })
	if !ok {
		return p, fmt.Errorf("%w: no participant at index %d", chain.ErrNotFound, index)
	}
	return p, nil
}

func (s *LotteryService) Participants() []models.Participant {
	var out []models.Participant
	s.ledger.View(func() { out = s.lottery.Participants() })
	return out
}

func (s *LotteryService) Winner(round uint64) (models.WinnerRecord, error) {
	var (
		w  models.WinnerRecord
		ok bool
	)
	s.ledger.View(func() { w, ok = s.lottery.Winner(round) })
	if !ok {
		return w, fmt.Errorf("%w: no winner for round %d", chain.ErrNotFound, round)
	}
	return w, nil
}

// drawnAt returns the winner recorded by the transaction at logical time lt.
func (s *LotteryService) drawnAt(lt uint64) (models.WinnerRecord, error) {
	var (
		w  models.WinnerRecord
		ok bool
	)
	s.ledger.View(func() {
		for _, rec := range s.lottery.Winners() {
			if rec.LT == lt {
				w, ok = rec, true
				return
			}
		}
	})
	if !ok {
		return w, fmt.Errorf("%w: no winner drawn at lt %d", chain.ErrNotFound, lt)
	}
	return w, nil
}

func (s *LotteryService) Winners() []models.WinnerRecord {
	var out []models.WinnerRecord
	s.ledger.View(func() { out = s.lottery.Winners() })
	return out
}

func (s *LotteryService) LotteryAddress() chain.Address  { return s.lotteryAddr }
func (s *LotteryService) RegistryAddress() chain.Address { return s.registryAddr }
func (s *LotteryService) OwnerAddress() chain.Address    { return s.owner.Address() }

// Balance returns the ledger balance of addr.
func (s *LotteryService) Balance(addr chain.Address) tlb.Grams {
	return s.ledger.Balance(addr)
}

func (s *LotteryService) RegistryInfo() models.RegistryInfo {
	var info models.RegistryInfo
	s.ledger.View(func() { info = s.registry.Info() })
	return info
}

// BalanceOf returns the number of registry items held by addr.
func (s *LotteryService) BalanceOf(addr chain.Address) uint64 {
	var n uint64
	s.ledger.View(func() { n = s.registry.BalanceOf(addr) })
	return n
}

func (s *LotteryService) Template(id uint64) (models.ItemTemplate, error) {
	t, ok := s.registry.Template(id)
	if !ok {
		return t, fmt.Errorf("%w: no template %d", chain.ErrNotFound, id)
	}
	return t, nil
}

func (s *LotteryService) Templates() []models.ItemTemplate {
	return s.registry.Templates()
}

func (s *LotteryService) Item(id uint64) (models.Item, error) {
	var (
		item models.Item
		ok   bool
	)
	s.ledger.View(func() { item, ok = s.registry.Item(id) })
	if !ok {
		return item, fmt.Errorf("%w: no item %d", chain.ErrNotFound, id)
	}
	return item, nil
}

// MintedItem returns the item the registry minted for the lottery's round.
func (s *LotteryService) MintedItem(round uint64) (models.Item, bool) {
	var (
		item models.Item
		ok   bool
	)
	s.ledger.View(func() { item, ok = s.registry.MintByRound(s.lotteryAddr, round) })
	return item, ok
}

func (s *LotteryService) Status() Status {
	info := s.ContractInfo()

	s.mu.RLock()
	running := s.running
	wallets := len(s.sessions)
	s.mu.RUnlock()

	return Status{
		Running:         running,
		AutoDraw:        s.cfg.AutoDraw,
		DrawSchedule:    s.cfg.DrawSchedule,
		DrawPolicy:      info.DrawPolicy,
		MaxParticipants: s.cfg.MaxParticipants,
		MinParticipants: s.cfg.MinParticipants,
		EntryFee:        chain.FormatTON(s.cfg.EntryFee),
		Owner:           s.owner.Address().String(),
		LotteryAddress:  s.lotteryAddr.String(),
		RegistryAddress: s.registryAddr.String(),
		LotteryBalance:  chain.FormatTON(s.ledger.Balance(s.lotteryAddr)),
		CurrentRound:    info.CurrentRound,
		Wallets:         wallets,
		Unreconciled:    len(s.Reconcile()),
	}
}

// CreateWallet generates a custodial wallet and funds it with initial.
func (s *LotteryService) CreateWallet(initial tlb.Grams) (WalletInfo, error) {
	if initial > s.cfg.FaucetLimit {
		return WalletInfo{}, fmt.Errorf("%w: %s exceeds the faucet limit of %s", chain.ErrPreconditionFailed,
			chain.FormatTON(initial), chain.FormatTON(s.cfg.FaucetLimit))
	}
	w, err := wallet.New()
	if err != nil {
		return WalletInfo{}, err
	}
	if initial > 0 {
		if err := s.ledger.Fund(w.Address(), initial); err != nil {
			return WalletInfo{}, err
		}
	}

	s.mu.Lock()
	s.sessions[w.Address()] = &WalletSession{Wallet: w, LastActivity: time.Now()}
	s.mu.Unlock()

	logger.Infof("Created wallet %s", w.Address())
	return s.walletInfo(w.Address()), nil
}

// ListWallets returns the custodial wallets ordered by address.
func (s *LotteryService) ListWallets() []WalletInfo {
	s.mu.RLock()
	addrs := make([]chain.Address, 0, len(s.sessions))
	for addr := range s.sessions {
		addrs = append(addrs, addr)
	}
	s.mu.RUnlock()

	sort.Slice(addrs, func(i, j int) bool { return addrs[i].String() < addrs[j].String() })
	out := make([]WalletInfo, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, s.walletInfo(addr))
	}
	return out
}

// FundWallet credits amount to a custodial wallet.
func (s *LotteryService) FundWallet(addr chain.Address, amount tlb.Grams) (WalletInfo, error) {
	if _, err := s.session(addr); err != nil {
		return WalletInfo{}, err
	}
	if amount == 0 || amount > s.cfg.FaucetLimit {
		return WalletInfo{}, fmt.Errorf("%w: amount must be between 0 and %s", chain.ErrPreconditionFailed,
			chain.FormatTON(s.cfg.FaucetLimit))
	}
	if err := s.ledger.Fund(addr, amount); err != nil {
		return WalletInfo{}, err
	}
	return s.walletInfo(addr), nil
}

// session returns the custodial wallet for addr and marks it active.
func (s *LotteryService) session(addr chain.Address) (*WalletSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a custodial wallet", chain.ErrNotFound, addr)
	}
	session.LastActivity = time.Now()
	return session, nil
}

func (s *LotteryService) touch(addr chain.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[addr]; ok {
		session.LastActivity = time.Now()
	}
}

func (s *LotteryService) walletInfo(addr chain.Address) WalletInfo {
	info := WalletInfo{
		Address:  addr,
		Friendly: addr.Human(s.cfg.Testnet),
		Balance:  chain.FormatTON(s.ledger.Balance(addr)),
		Seqno:    s.ledger.Seqno(addr),
	}
	s.mu.RLock()
	if session, ok := s.sessions[addr]; ok {
		info.LastActivity = session.LastActivity
	}
	s.mu.RUnlock()
	return info
}

// CleanUpInactiveWallets forgets empty custodial wallets idle for longer than
// maxIdle. Wallets holding funds are kept.
func (s *LotteryService) CleanUpInactiveWallets(maxIdle time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for addr, session := range s.sessions {
		if time.Since(session.LastActivity) <= maxIdle || s.ledger.Balance(addr) > 0 {
			continue
		}
		delete(s.sessions, addr)
		removed++
		logger.Infof("Removed idle wallet %s", addr)
	}
	return removed
}

// checkAndDraw draws a full round and opens the next one. A round drawn
// manually but not restarted is restarted here.
func (s *LotteryService) checkAndDraw() error {
	info := s.ContractInfo()

	if !info.Active && info.ParticipantCount == 0 {
		if _, err := s.Winner(info.CurrentRound); err != nil {
			return nil
		}
		_, err := s.StartNewRound()
		return err
	}
	if info.ParticipantCount < s.cfg.MinParticipants {
		return nil
	}
	if info.Active && info.ParticipantCount < s.cfg.MaxParticipants {
		return nil
	}

	logger.Infof("Auto draw: round %d with %d participants", info.CurrentRound, info.ParticipantCount)
	if _, err := s.DrawWinner(); err != nil {
		return fmt.Errorf("draw round %d: %w", info.CurrentRound, err)
	}
	if _, err := s.StartNewRound(); err != nil {
		return fmt.Errorf("start round %d: %w", info.CurrentRound+1, err)
	}
	return nil
}

// reconcile logs unreconciled rounds and, when enabled, resubmits them.
func (s *LotteryService) reconcile() {
	for _, u := range s.Reconcile() {
		logger.Warningf("Round %d: winner %s has no item (%s)", u.Winner.Round, u.Winner.Winner, u.Reason)
		if !s.cfg.AutoReconcile {
			continue
		}
		if _, err := s.ResubmitMint(u.Winner.Round); err != nil {
			logger.Errorf("Resubmit mint for round %d: %v", u.Winner.Round, err)
		}
	}
}

// Start schedules the background jobs.
func (s *LotteryService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("lottery service already running")
	}

	c := cron.New(cron.WithSeconds())
	if s.cfg.AutoDraw {
		if _, err := c.AddJob(s.cfg.DrawSchedule, NewAutoDrawJob(s)); err != nil {
			return fmt.Errorf("schedule auto draw: %w", err)
		}
	}
	if s.cfg.ReconcileSchedule != "" {
		if _, err := c.AddJob(s.cfg.ReconcileSchedule, NewReconcileJob(s)); err != nil {
			return fmt.Errorf("schedule reconcile: %w", err)
		}
	}
	if _, err := c.AddJob("@hourly", NewWalletCleanupJob(s, time.Hour)); err != nil {
		return fmt.Errorf("schedule wallet cleanup: %w", err)
	}
	c.Start()
	s.cron = c
	s.running = true

	logger.Infof("Lottery service started: auto draw %v (%s), %d-%d participants, entry fee %s",
		s.cfg.AutoDraw, s.cfg.DrawSchedule, s.cfg.MinParticipants, s.cfg.MaxParticipants, chain.FormatTON(s.cfg.EntryFee))
	return nil
}

// Stop waits for running jobs and stops the scheduler.
func (s *LotteryService) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
		logger.Info("Lottery service stopped")
	}
}
