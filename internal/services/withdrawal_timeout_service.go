package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/0xarcano/UXWallet/internal/apperr"
	"github.com/0xarcano/UXWallet/internal/config"
	"github.com/0xarcano/UXWallet/internal/metrics"
	"github.com/0xarcano/UXWallet/internal/models"
	"github.com/0xarcano/UXWallet/internal/repository"
)

const withdrawalSweepBatch = 100

// inFlightWithdrawalStatuses never resume on their own once the evaluating
// goroutine is gone, so the sweep fails them.
var inFlightWithdrawalStatuses = []models.WithdrawalStatus{
	models.WithdrawalStatusEvaluating,
	models.WithdrawalStatusProcessing,
	models.WithdrawalStatusBridging,
}

// WithdrawalTimeoutService re-drives PENDING requests whose evaluation never
// ran (process restart) and fails requests stuck mid-pipeline.
type WithdrawalTimeoutService struct {
	store      *repository.Store
	router     *ExitRouter
	log        logrus.FieldLogger
	interval   time.Duration
	timeout    time.Duration
	retryAfter time.Duration
	now        func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewWithdrawalTimeoutService creates a new WithdrawalTimeoutService
func NewWithdrawalTimeoutService(store *repository.Store, router *ExitRouter, cfg config.WorkersConfig, log logrus.FieldLogger) *WithdrawalTimeoutService {
	return &WithdrawalTimeoutService{
		store:      store,
		router:     router,
		log:        log.WithField("component", "withdrawal_timeout"),
		interval:   time.Duration(cfg.WithdrawalSweepSeconds) * time.Second,
		timeout:    time.Duration(cfg.WithdrawalTimeoutSeconds) * time.Second,
		retryAfter: time.Duration(cfg.PendingRetryAfterSeconds) * time.Second,
		now:        time.Now,
	}
}

// Start begins the sweep loop
func (s *WithdrawalTimeoutService) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	s.log.WithFields(logrus.Fields{"interval": s.interval, "timeout": s.timeout}).Info("🚀 Starting withdrawal timeout sweep")

	s.wg.Add(1)
	go s.loop()
}

// Stop gracefully stops the sweep loop
func (s *WithdrawalTimeoutService) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("🛑 Withdrawal timeout sweep stopped")
}

func (s *WithdrawalTimeoutService) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(context.Background())

	for {
		select {
		case <-ticker.C:
			s.Sweep(context.Background())
		case <-s.stopCh:
			return
		}
	}
}

// Sweep runs one pass and returns how many requests were retried and failed.
func (s *WithdrawalTimeoutService) Sweep(ctx context.Context) (retried, timedOut int) {
	now := s.now()

	pending, err := s.store.Withdrawals.FindStale(ctx, []models.WithdrawalStatus{models.WithdrawalStatusPending}, now.Add(-s.retryAfter), withdrawalSweepBatch)
	if err != nil {
		s.log.WithError(err).Error("❌ Failed to query stale pending withdrawals")
	}
	for _, request := range pending {
		if err := s.router.EvaluateWithdrawal(ctx, request.ID); err != nil {
			s.log.WithError(err).WithField("withdrawalId", request.ID).Warn("⚠️ Retry of pending withdrawal failed")
			continue
		}
		retried++
	}

	stuck, err := s.store.Withdrawals.FindStale(ctx, inFlightWithdrawalStatuses, now.Add(-s.timeout), withdrawalSweepBatch)
	if err != nil {
		s.log.WithError(err).Error("❌ Failed to query stuck withdrawals")
	}
	for _, request := range stuck {
		status := request.Status
		elapsed := now.Sub(request.UpdatedAt).Truncate(time.Second)
		cause := apperr.Timeout("Withdrawal timed out in %s after %s", status, elapsed)
		failed, err := s.router.markFailed(ctx, request, request.ExitType, cause)
		if err != nil {
			s.log.WithError(err).WithField("withdrawalId", request.ID).Error("❌ Failed to time out withdrawal")
			continue
		}
		if !failed {
			continue
		}
		metrics.WithdrawalTimeouts.WithLabelValues(string(status)).Inc()
		timedOut++
	}

	if retried > 0 || timedOut > 0 {
		s.log.WithFields(logrus.Fields{"retried": retried, "timedOut": timedOut}).Info("✅ Withdrawal sweep processed requests")
	}
	return retried, timedOut
}
