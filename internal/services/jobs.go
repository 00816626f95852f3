package services

import (
	"time"

	"github.com/google/logger"
)

// AutoDrawJob draws full rounds and reopens the lottery.
type AutoDrawJob struct {
	service *LotteryService
}

func NewAutoDrawJob(s *LotteryService) *AutoDrawJob {
	return &AutoDrawJob{service: s}
}

func (j *AutoDrawJob) Run() {
	if err := j.service.checkAndDraw(); err != nil {
		logger.Errorf("Auto draw failed: %v", err)
	}
}

// ReconcileJob reports winners whose item never reached the registry.
type ReconcileJob struct {
	service *LotteryService
}

func NewReconcileJob(s *LotteryService) *ReconcileJob {
	return &ReconcileJob{service: s}
}

func (j *ReconcileJob) Run() {
	j.service.reconcile()
}

// WalletCleanupJob drops idle, empty custodial wallets.
type WalletCleanupJob struct {
	service *LotteryService
	maxIdle time.Duration
}

func NewWalletCleanupJob(s *LotteryService, maxIdle time.Duration) *WalletCleanupJob {
	return &WalletCleanupJob{service: s, maxIdle: maxIdle}
}

func (j *WalletCleanupJob) Run() {
	if n := j.service.CleanUpInactiveWallets(j.maxIdle); n > 0 {
		logger.Infof("Cleaned up %d idle wallets", n)
	}
}
