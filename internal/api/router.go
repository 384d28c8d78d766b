package api

import "github.com/gofiber/fiber/v2"

// RegisterRoutes wires every endpoint. Fixed-prefix groups come first so
// the :table wildcard never shadows them.
func RegisterRoutes(app *fiber.App, h *Handler) {
	api := app.Group("/api")

	api.Get("/schema", h.Schema)
	api.Post("/tables", h.CreateTable)

	api.Get("/rules", h.ListRules)
	api.Post("/rules", h.CreateRule)
	api.Get("/rules/:id", h.GetRule)
	api.Put("/rules/:id", h.UpdateRule)
	api.Delete("/rules/:id", h.DeleteRule)
	api.Post("/rules/:id/run", h.RunRule)
	api.Post("/rules/:id/reset", h.ResetRule)

	api.Post("/relationships", h.AddRelation)
	api.Delete("/relationships", h.RemoveRelation)

	api.Post("/history/:id/revert", h.RevertEntry)

	api.Post("/:table/fields", h.AddField)
	api.Delete("/:table/fields/:field", h.DropField)
	api.Post("/:table/fields/:field/convert", h.ConvertField)
	api.Put("/:table/fields/:field/styling", h.UpdateStyling)
	api.Put("/:table/layout", h.UpdateLayout)
	api.Put("/:table/title-field", h.SetTitleField)

	api.Get("/:table/count", h.CountRecords)
	api.Get("/:table/stats/:field", h.FieldStats)
	api.Post("/:table/bulk", h.BulkUpdate)
	api.Post("/:table/import", h.ImportRecords)

	api.Get("/:table", h.List)
	api.Post("/:table", h.CreateRecord)
	api.Get("/:table/:id", h.GetRecord)
	api.Patch("/:table/:id", h.UpdateRecord)
	api.Delete("/:table/:id", h.DeleteRecord)

	api.Get("/:table/:id/related", h.GetRelated)
	api.Get("/:table/:id/history", h.RecordHistory)
}
