// workers/advancer_worker.go
package workers

import (
	"log"
	"time"

	"contest-settlement-system/models"
	"contest-settlement-system/services"

	"github.com/go-co-op/gocron/v2"
	"gorm.io/gorm"
)

// AdvancerWorker periodically scans for contests whose next time boundary
// has passed and runs one advancer pass per contest. The conditional update
// inside the lifecycle service makes overlapping passes (multiple replicas,
// slow ticks) harmless: only one writer wins each transition.
type AdvancerWorker struct {
	db        *gorm.DB
	lifecycle *services.LifecycleService
	interval  time.Duration
	scheduler gocron.Scheduler
}

func NewAdvancerWorker(db *gorm.DB, lifecycle *services.LifecycleService, interval time.Duration) *AdvancerWorker {
	return &AdvancerWorker{db: db, lifecycle: lifecycle, interval: interval}
}

func (w *AdvancerWorker) Start() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	w.scheduler = sched

	_, err = sched.NewJob(
		gocron.DurationJob(w.interval),
		gocron.NewTask(w.runPass),
	)
	if err != nil {
		return err
	}

	sched.Start()
	log.Printf("✅ Lifecycle advancer running (every %s)", w.interval)
	return nil
}

func (w *AdvancerWorker) Stop() {
	if w.scheduler != nil {
		_ = w.scheduler.Shutdown()
	}
}

func (w *AdvancerWorker) runPass() {
	now := time.Now().UTC()

	var due []models.ContestInstance
	err := w.db.
		Where("(status = ? AND lock_time <= ?) OR (status = ? AND start_time <= ?) OR (status = ? AND end_time <= ?)",
			models.StatusScheduled, now,
			models.StatusLocked, now,
			models.StatusLive, now).
		Order("end_time ASC").
		Find(&due).Error
	if err != nil {
		log.Printf("[ADVANCER] DB error scanning due contests: %v", err)
		return
	}

	for i := range due {
		contest := due[i]
		updated, err := w.lifecycle.Advance(&contest, now)
		if err != nil {
			log.Printf("[ADVANCER] contest %s advance failed: %v", contest.ID, err)
			continue
		}
		if updated != nil {
			log.Printf("[ADVANCER] contest %s: %s -> %s", contest.ID, contest.Status, updated.Status)
		}
	}
}
