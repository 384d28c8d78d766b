package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"gridstone/internal/api"
	"gridstone/internal/automation"
	"gridstone/internal/config"
	"gridstone/internal/fieldtype"
	"gridstone/internal/history"
	"gridstone/internal/record"
	"gridstone/internal/relation"
	"gridstone/internal/sanitize"
	"gridstone/internal/schema"
	"gridstone/internal/store"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (port: %d, driver: %s)", cfg.Server.Port, cfg.Database.Driver)

	// 2. Connect to database
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	// 3. Bootstrap system tables
	if err := db.Bootstrap(ctx); err != nil {
		log.Fatalf("Failed to bootstrap system tables: %v", err)
	}
	log.Println("System tables ready")

	// 4. Field type registry and schema metadata
	types := fieldtype.Defaults()
	sch := schema.NewStore(db, types)
	if err := sch.Load(ctx); err != nil {
		log.Fatalf("Failed to load schema metadata: %v", err)
	}
	log.Printf("Schema loaded (%d tables)", len(sch.Snapshot().Tables()))

	// 5. Domain components
	ledger := history.NewLedger(db)
	records := record.NewStore(db, sch, ledger, sanitize.RichText)
	relations := relation.NewManager(db, sch, ledger)
	undoer := history.NewUndoer(ledger, records, relations)
	rules := automation.NewRuleStore(db, sch)
	engine := automation.NewEngine(db, sch, rules, records)
	queue := automation.NewGoroutineQueue()

	// 6. Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	// 7. Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// 8. Routes
	handler := api.NewHandler(sch, records, relations, ledger, undoer, rules, engine, queue)
	api.RegisterRoutes(app, handler)

	// 9. Rule scheduler
	scheduler, err := automation.NewScheduler(engine, rules, queue, cfg.Automation)
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	// 10. Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Starting server on %s", addr)
	log.Fatal(app.Listen(addr))
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}

	var appErr *api.AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.Status).JSON(api.ErrorResponse{Error: appErr})
	}

	log.Printf("ERROR: %v", err)
	return c.Status(code).JSON(api.ErrorResponse{
		Error: &api.AppError{
			Code:    "INTERNAL_ERROR",
			Message: "Internal server error",
		},
	})
}
