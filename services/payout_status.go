package services

import (
	"errors"

	"contest-settlement-system/models"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// PayoutStatusService is the read side of payout jobs. The job table is the
// registry of background payout work, constructed here and injected into
// routes, never a package-level singleton, so it can be swapped in tests.
type PayoutStatusService struct {
	DB *gorm.DB
}

func NewPayoutStatusService(db *gorm.DB) *PayoutStatusService {
	return &PayoutStatusService{DB: db}
}

func (s *PayoutStatusService) GetPayoutJob(c *fiber.Ctx) error {
	var job models.PayoutJob
	if err := s.DB.First(&job, "id = ?", c.Params("id")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Payout job not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	return c.JSON(job)
}

// GetContestPayouts returns the job (if any) plus every transfer row for a
// contest, for operator tooling chasing a specific participant's money.
func (s *PayoutStatusService) GetContestPayouts(c *fiber.Ctx) error {
	contestID := c.Params("id")

	var job models.PayoutJob
	err := s.DB.Where("contest_id = ?", contestID).First(&job).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return c.JSON(fiber.Map{"job": nil, "transfers": []models.PayoutTransfer{}})
	}

	var transfers []models.PayoutTransfer
	if err := s.DB.Where("payout_job_id = ?", job.ID).
		Order("created_at ASC").
		Find(&transfers).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "DB error"})
	}
	return c.JSON(fiber.Map{"job": job, "transfers": transfers})
}
