package workers

import (
	"testing"
	"time"

	"contest-settlement-system/models"
	"contest-settlement-system/services"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// One pooled connection, so every session sees the same in-memory database.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&models.PayoutJob{}, &models.PayoutTransfer{}, &models.LedgerEntry{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

func newTestWorker(db *gorm.DB) *PayoutWorker {
	return NewPayoutWorker(db, nil, services.NewLedgerService(db), time.Second, 10, 1)
}

func seedJob(t *testing.T, db *gorm.DB, total int) *models.PayoutJob {
	t.Helper()
	job := &models.PayoutJob{
		ID:           uuid.NewString(),
		SettlementID: uuid.NewString(),
		ContestID:    uuid.NewString(),
		Status:       models.PayoutJobProcessing,
		TotalPayouts: total,
	}
	if err := db.Create(job).Error; err != nil {
		t.Fatal(err)
	}
	return job
}

func seedTransfer(t *testing.T, db *gorm.DB, job *models.PayoutJob, user string, status models.PayoutTransferStatus, updatedAt time.Time) *models.PayoutTransfer {
	t.Helper()
	transfer := &models.PayoutTransfer{
		ID:             uuid.NewString(),
		PayoutJobID:    job.ID,
		ContestID:      job.ContestID,
		UserID:         user,
		Amount:         dec("700"),
		Status:         status,
		AttemptCount:   1,
		MaxAttempts:    5,
		IdempotencyKey: "payout:" + job.ContestID + ":" + user,
		UpdatedAt:      updatedAt,
	}
	if err := db.Create(transfer).Error; err != nil {
		t.Fatal(err)
	}
	return transfer
}

// Pending and retryable rows are always claimable; processing rows only
// become claimable again once their worker has been quiet past the
// visibility timeout.
func TestClaimableTransfersReclaimsStaleProcessing(t *testing.T) {
	db := newTestDB(t)
	job := seedJob(t, db, 5)
	now := time.Now().UTC()

	seedTransfer(t, db, job, "user-pending", models.TransferPending, now)
	seedTransfer(t, db, job, "user-retryable", models.TransferRetryable, now)
	seedTransfer(t, db, job, "user-fresh", models.TransferProcessing, now.Add(-time.Minute))
	stale := seedTransfer(t, db, job, "user-stale", models.TransferProcessing, now.Add(-time.Hour))
	seedTransfer(t, db, job, "user-done", models.TransferCompleted, now)

	var got []models.PayoutTransfer
	if err := claimableTransfers(db, now).Find(&got).Error; err != nil {
		t.Fatal(err)
	}

	claimed := make(map[string]bool, len(got))
	for _, tr := range got {
		claimed[tr.UserID] = true
	}
	if len(got) != 3 {
		t.Fatalf("want 3 claimable transfers, got %d (%v)", len(got), claimed)
	}
	for _, user := range []string{"user-pending", "user-retryable", "user-stale"} {
		if !claimed[user] {
			t.Errorf("%s should be claimable", user)
		}
	}
	if claimed["user-fresh"] {
		t.Error("a live worker's processing row must not be reclaimed")
	}
	if claimed["user-done"] {
		t.Error("completed transfers must never re-enter the queue")
	}
	if !claimed[stale.UserID] {
		t.Error("abandoned processing row must come back after the timeout")
	}
}

func TestCompleteTransferCreditsWinnerExactlyOnce(t *testing.T) {
	db := newTestDB(t)
	w := newTestWorker(db)
	job := seedJob(t, db, 1)
	transfer := seedTransfer(t, db, job, "user-a", models.TransferProcessing, time.Now().UTC())

	if err := w.completeTransfer(transfer, "prov-ref-1"); err != nil {
		t.Fatal(err)
	}

	var after models.PayoutTransfer
	if err := db.First(&after, "id = ?", transfer.ID).Error; err != nil {
		t.Fatal(err)
	}
	if after.Status != models.TransferCompleted || after.ProviderRef != "prov-ref-1" {
		t.Fatalf("transfer = %s/%q, want completed/prov-ref-1", after.Status, after.ProviderRef)
	}

	balance, err := services.NewLedgerService(db).Balance("user-a")
	if err != nil {
		t.Fatal(err)
	}
	if !balance.Equal(dec("700")) {
		t.Errorf("winner balance = %s, want 700", balance)
	}

	var doneJob models.PayoutJob
	if err := db.First(&doneJob, "id = ?", job.ID).Error; err != nil {
		t.Fatal(err)
	}
	if doneJob.Status != models.PayoutJobComplete || doneJob.CompletedPayouts != 1 {
		t.Fatalf("job = %s completed=%d, want complete/1", doneJob.Status, doneJob.CompletedPayouts)
	}
	if doneJob.CompletedAt == nil {
		t.Error("completed job must carry its completion time")
	}

	// A replayed completion (crashed worker re-driving the row) is a no-op.
	if err := w.completeTransfer(transfer, "prov-ref-1"); err != nil {
		t.Fatal(err)
	}
	var entries int64
	if err := db.Model(&models.LedgerEntry{}).Where("reference_id = ?", "user-a").Count(&entries).Error; err != nil {
		t.Fatal(err)
	}
	if entries != 1 {
		t.Errorf("want exactly one winner credit, got %d", entries)
	}
	var replayed models.PayoutJob
	if err := db.First(&replayed, "id = ?", job.ID).Error; err != nil {
		t.Fatal(err)
	}
	if replayed.CompletedPayouts != 1 {
		t.Errorf("replay must not bump the counter, got %d", replayed.CompletedPayouts)
	}
}

func TestFailTransferParksTerminallyWithoutCredit(t *testing.T) {
	db := newTestDB(t)
	w := newTestWorker(db)
	job := seedJob(t, db, 1)
	transfer := seedTransfer(t, db, job, "user-a", models.TransferProcessing, time.Now().UTC())

	if err := w.failTransfer(transfer, "destination account closed"); err != nil {
		t.Fatal(err)
	}

	var after models.PayoutTransfer
	if err := db.First(&after, "id = ?", transfer.ID).Error; err != nil {
		t.Fatal(err)
	}
	if after.Status != models.TransferFailedTerminal {
		t.Fatalf("transfer status = %s, want failed_terminal", after.Status)
	}
	if after.FailureReason != "destination account closed" {
		t.Errorf("failure reason = %q", after.FailureReason)
	}

	var doneJob models.PayoutJob
	if err := db.First(&doneJob, "id = ?", job.ID).Error; err != nil {
		t.Fatal(err)
	}
	if doneJob.Status != models.PayoutJobComplete || doneJob.FailedPayouts != 1 {
		t.Fatalf("job = %s failed=%d, want complete/1", doneJob.Status, doneJob.FailedPayouts)
	}

	var entries int64
	if err := db.Model(&models.LedgerEntry{}).Count(&entries).Error; err != nil {
		t.Fatal(err)
	}
	if entries != 0 {
		t.Errorf("a failed transfer must not credit anyone, got %d entries", entries)
	}
}

func TestJobFinalizesOnlyWhenEveryTransferIsFinal(t *testing.T) {
	db := newTestDB(t)
	w := newTestWorker(db)
	job := seedJob(t, db, 2)
	first := seedTransfer(t, db, job, "user-a", models.TransferProcessing, time.Now().UTC())
	second := seedTransfer(t, db, job, "user-b", models.TransferProcessing, time.Now().UTC())

	if err := w.completeTransfer(first, "prov-ref-a"); err != nil {
		t.Fatal(err)
	}
	var midway models.PayoutJob
	if err := db.First(&midway, "id = ?", job.ID).Error; err != nil {
		t.Fatal(err)
	}
	if midway.Status == models.PayoutJobComplete {
		t.Fatal("job must not finalize with a transfer still in flight")
	}

	if err := w.failTransfer(second, "rejected"); err != nil {
		t.Fatal(err)
	}
	var done models.PayoutJob
	if err := db.First(&done, "id = ?", job.ID).Error; err != nil {
		t.Fatal(err)
	}
	if done.Status != models.PayoutJobComplete || done.CompletedPayouts != 1 || done.FailedPayouts != 1 {
		t.Fatalf("job = %s completed=%d failed=%d, want complete/1/1", done.Status, done.CompletedPayouts, done.FailedPayouts)
	}
}
