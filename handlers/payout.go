package handlers

import (
	"contest-settlement-system/middleware"
	"contest-settlement-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupPayoutRoutes(app *fiber.App, payoutStatus *services.PayoutStatusService) {
	secured := app.Group("/", middleware.UserContextMiddleware())

	secured.Get("/payouts/jobs/:id", payoutStatus.GetPayoutJob)
	secured.Get("/contests/:id/payouts", payoutStatus.GetContestPayouts)
}
