package handlers

import (
	"contest-settlement-system/middleware"
	"contest-settlement-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupContestRoutes(app *fiber.App, contestService *services.ContestService) {
	secured := app.Group("/", middleware.UserContextMiddleware())

	// Templates
	secured.Get("/templates", contestService.GetTemplates)

	// Contest lifecycle
	secured.Post("/contests", contestService.CreateContest)
	secured.Get("/contests", contestService.GetContests)
	secured.Get("/contests/:id", contestService.GetContestByID)
	secured.Get("/contests/:id/transitions", contestService.GetContestTransitions)
	secured.Post("/contests/:id/join", contestService.JoinContest)
	secured.Post("/contests/:id/cancel", contestService.CancelContest)
	secured.Get("/contests/:id/settlement", contestService.GetSettlement)

	// Wallet reads
	secured.Get("/users/:id/balance", contestService.GetUserBalance)

	// Admin-only routes
	admin := secured.Group("/admin", middleware.AdminOnlyMiddleware())
	admin.Post("/templates", contestService.CreateTemplate)
	admin.Post("/contests/:id/resolve", contestService.ResolveContest)
	admin.Post("/contests/:id/advance", contestService.AdvanceContest)
	admin.Post("/users/:id/credit", contestService.CreditUser)

	// Debug: stands in for the external score ingestion feed
	admin.Post("/debug/contests/:id/snapshot", contestService.SeedSnapshot)
}
