// workers/payout_worker.go
package workers

import (
	"context"
	"log"
	"sync"
	"time"

	"contest-settlement-system/models"
	"contest-settlement-system/services"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PayoutWorker drains pending and retryable transfers, reclaiming
// processing rows abandoned by a crashed worker: it claims a batch
// with SKIP LOCKED (so multiple replicas never double-claim), calls the
// payment provider with the transfer's idempotency key, classifies the
// outcome, and writes the winner-credit ledger entry atomically with the
// transfer completion. Retries are bounded by the per-transfer attempt
// ceiling; exhausted or terminally rejected transfers park in
// failed_terminal for operator review.
type PayoutWorker struct {
	db          *gorm.DB
	provider    services.PaymentProvider
	ledger      *services.LedgerService
	interval    time.Duration
	batchSize   int
	concurrency int
}

func NewPayoutWorker(db *gorm.DB, provider services.PaymentProvider, ledger *services.LedgerService, interval time.Duration, batchSize, concurrency int) *PayoutWorker {
	if batchSize <= 0 {
		batchSize = 20
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &PayoutWorker{
		db:          db,
		provider:    provider,
		ledger:      ledger,
		interval:    interval,
		batchSize:   batchSize,
		concurrency: concurrency,
	}
}

func (w *PayoutWorker) Start(ctx context.Context) {
	log.Printf("✅ Payout worker running (every %s, batch %d, concurrency %d)", w.interval, w.batchSize, w.concurrency)
	go w.run(ctx)
}

func (w *PayoutWorker) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("⏹️ Payout worker stopped")
			return
		case <-ticker.C:
			claimed, err := w.claimBatch()
			if err != nil {
				log.Printf("[PAYOUT] claim failed: %v", err)
				continue
			}
			if len(claimed) == 0 {
				continue
			}
			w.executeBatch(ctx, claimed)
		}
	}
}

// processingTimeout is how long a transfer may sit in processing before it
// is treated as abandoned by a crashed worker and reclaimed. The provider
// dedupes on the idempotency key, so re-driving an abandoned transfer
// cannot pay twice.
const processingTimeout = 10 * time.Minute

// claimableTransfers scopes the queue query: pending and retryable rows,
// plus processing rows whose worker went quiet past the visibility timeout.
func claimableTransfers(tx *gorm.DB, now time.Time) *gorm.DB {
	return tx.Where(
		"status IN ? OR (status = ? AND updated_at < ?)",
		[]models.PayoutTransferStatus{models.TransferPending, models.TransferRetryable},
		models.TransferProcessing, now.Add(-processingTimeout),
	)
}

// claimBatch moves up to batchSize claimable transfers to processing and
// bumps their attempt counters, all under SKIP LOCKED so concurrent workers
// partition the queue instead of colliding.
func (w *PayoutWorker) claimBatch() ([]models.PayoutTransfer, error) {
	var claimed []models.PayoutTransfer
	err := w.db.Transaction(func(tx *gorm.DB) error {
		var candidates []models.PayoutTransfer
		if err := claimableTransfers(tx, time.Now().UTC()).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Order("created_at ASC").
			Limit(w.batchSize).
			Find(&candidates).Error; err != nil {
			return err
		}
		if len(candidates) == 0 {
			return nil
		}

		ids := make([]string, 0, len(candidates))
		jobIDs := make([]string, 0, len(candidates))
		for _, t := range candidates {
			ids = append(ids, t.ID)
			jobIDs = append(jobIDs, t.PayoutJobID)
		}

		if err := tx.Model(&models.PayoutTransfer{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"status":        models.TransferProcessing,
				"attempt_count": gorm.Expr("attempt_count + 1"),
			}).Error; err != nil {
			return err
		}
		// First touch flips the job out of pending.
		if err := tx.Model(&models.PayoutJob{}).
			Where("id IN ? AND status = ?", jobIDs, models.PayoutJobPending).
			Update("status", models.PayoutJobProcessing).Error; err != nil {
			return err
		}

		for i := range candidates {
			candidates[i].Status = models.TransferProcessing
			candidates[i].AttemptCount++
		}
		claimed = candidates
		return nil
	})
	return claimed, err
}

func (w *PayoutWorker) executeBatch(ctx context.Context, transfers []models.PayoutTransfer) {
	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup

	for i := range transfers {
		transfer := transfers[i]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			w.execute(ctx, &transfer)
		}()
	}
	wg.Wait()
}

func (w *PayoutWorker) execute(ctx context.Context, transfer *models.PayoutTransfer) {
	ref, err := w.provider.Transfer(ctx, transfer.UserID, transfer.Amount, transfer.IdempotencyKey)
	if err == nil {
		if err := w.completeTransfer(transfer, ref); err != nil {
			log.Printf("[PAYOUT] transfer %s paid (ref %s) but completion write failed: %v", transfer.ID, ref, err)
		}
		return
	}

	if services.IsRetryable(err) && transfer.AttemptCount < transfer.MaxAttempts {
		log.Printf("[PAYOUT] transfer %s attempt %d/%d failed, will retry: %v", transfer.ID, transfer.AttemptCount, transfer.MaxAttempts, err)
		if dbErr := w.db.Model(&models.PayoutTransfer{}).
			Where("id = ? AND status = ?", transfer.ID, models.TransferProcessing).
			Updates(map[string]interface{}{
				"status":         models.TransferRetryable,
				"failure_reason": err.Error(),
			}).Error; dbErr != nil {
			log.Printf("[PAYOUT] failed to park transfer %s as retryable: %v", transfer.ID, dbErr)
		}
		return
	}

	log.Printf("[PAYOUT] transfer %s failed terminally after %d attempt(s): %v", transfer.ID, transfer.AttemptCount, err)
	if dbErr := w.failTransfer(transfer, err.Error()); dbErr != nil {
		log.Printf("[PAYOUT] failed to record terminal failure for transfer %s: %v", transfer.ID, dbErr)
	}
}

// completeTransfer marks the transfer completed and credits the winner in
// the ledger, in one transaction. The guard on the current processing
// status makes a duplicate completion a no-op, and the transfer's
// idempotency key doubles as the ledger key so even a replayed transaction
// cannot double-credit.
func (w *PayoutWorker) completeTransfer(transfer *models.PayoutTransfer, providerRef string) error {
	return w.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.PayoutTransfer{}).
			Where("id = ? AND status = ?", transfer.ID, models.TransferProcessing).
			Updates(map[string]interface{}{
				"status":         models.TransferCompleted,
				"provider_ref":   providerRef,
				"failure_reason": "",
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		key := transfer.IdempotencyKey
		credit := models.LedgerEntry{
			EntryType:      models.EntryTypeWinnerPayout,
			Direction:      models.DirectionCredit,
			Amount:         transfer.Amount,
			ReferenceID:    transfer.UserID,
			IdempotencyKey: &key,
		}
		if err := w.ledger.AppendIn(tx, &credit); err != nil {
			return err
		}

		if err := tx.Model(&models.PayoutJob{}).
			Where("id = ?", transfer.PayoutJobID).
			Update("completed_payouts", gorm.Expr("completed_payouts + 1")).Error; err != nil {
			return err
		}
		return w.finalizeJob(tx, transfer.PayoutJobID)
	})
}

func (w *PayoutWorker) failTransfer(transfer *models.PayoutTransfer, reason string) error {
	return w.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.PayoutTransfer{}).
			Where("id = ? AND status = ?", transfer.ID, models.TransferProcessing).
			Updates(map[string]interface{}{
				"status":         models.TransferFailedTerminal,
				"failure_reason": reason,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if err := tx.Model(&models.PayoutJob{}).
			Where("id = ?", transfer.PayoutJobID).
			Update("failed_payouts", gorm.Expr("failed_payouts + 1")).Error; err != nil {
			return err
		}
		return w.finalizeJob(tx, transfer.PayoutJobID)
	})
}

// finalizeJob flips a job to complete once every transfer has reached a
// final state. Runs on the caller's transaction, after the counter bump; a
// single conditional update keeps it race-safe without a lock read.
func (w *PayoutWorker) finalizeJob(tx *gorm.DB, jobID string) error {
	return tx.Model(&models.PayoutJob{}).
		Where("id = ? AND status <> ? AND completed_payouts + failed_payouts >= total_payouts",
			jobID, models.PayoutJobComplete).
		Updates(map[string]interface{}{
			"status":       models.PayoutJobComplete,
			"completed_at": time.Now().UTC(),
		}).Error
}
