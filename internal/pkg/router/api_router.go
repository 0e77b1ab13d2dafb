package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/tenantbill/tenantbill/app/controllers"
	"github.com/tenantbill/tenantbill/internal/pkg/tenantcontext"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max: 120,
		// Webhook deliveries must never be rate limited away; the
		// provider treats 429 as a failed delivery.
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == "/api/v1/billing/webhook"
		},
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")
	billing := v1.Group("/billing")

	// Webhook endpoint authenticates via signature, not tenant credentials.
	billing.Post("/webhook", controllers.HandleBillingWebhook)

	// Tenant-facing endpoints require API key auth.
	tenant := billing.Group("", tenantcontext.Middleware(), tenantcontext.RequireTenant)
	tenant.Post("/checkout", controllers.HandleCreateCheckout)
	tenant.Post("/cancel", controllers.HandleCancelSubscription)
	tenant.Get("/cancel/preview", controllers.HandleCancelPreview)
	tenant.Get("/status", controllers.HandleBillingStatus)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
