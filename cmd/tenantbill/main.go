package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/tenantbill/tenantbill/internal/pkg/billing"
	"github.com/tenantbill/tenantbill/internal/pkg/cache"
	"github.com/tenantbill/tenantbill/internal/pkg/database"
	"github.com/tenantbill/tenantbill/internal/pkg/env"
	"github.com/tenantbill/tenantbill/internal/pkg/jobqueue"
	"github.com/tenantbill/tenantbill/internal/pkg/router"
)

func main() {
	app := NewApplication()

	// background workers: reconciliation sweep + price catalog sync
	manager := jobqueue.GetManager()
	manager.Start()

	// graceful shutdown on SIGINT/SIGTERM
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Println("Shutting down...")
		manager.Stop()
		_ = app.Shutdown()
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	if err != nil {
		log.Fatal(err)
	}
}

func NewApplication() *fiber.App {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	provider := billing.NewStripeClientFromEnv()
	svc := billing.NewServiceFromDB(database.GetDB(), provider)
	sweep := billing.NewSweep(svc, billing.NewNotifierFromEnv())
	jobqueue.InitManager(svc, sweep)

	app := fiber.New(fiber.Config{
		AppName:   "tenantbill",
		BodyLimit: 1 * 1024 * 1024,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// fiber metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			"admin": env.GetEnv("METRICS_PASSWORD", "test"),
		},
	}), monitor.New())

	// ROUTER
	router.InstallRouter(app)

	return app
}
