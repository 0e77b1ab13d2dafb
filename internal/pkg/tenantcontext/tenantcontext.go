package tenantcontext

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/tenantbill/tenantbill/app/models"
	"github.com/tenantbill/tenantbill/internal/pkg/database"
	"gorm.io/gorm"
)

const contextKey = "TENANT_CONTEXT"

// TenantContext represents the resolved tenant for a request.
type TenantContext struct {
	TenantID      uint   `json:"tenant_id"`
	Name          string `json:"name"`
	BillingStatus string `json:"billing_status"`
	IsResolved    bool   `json:"is_resolved"`
}

// Middleware resolves X-Tenant-ID + X-API-Key into a TenantContext.
// Requests without valid credentials continue unresolved; handlers that
// need a tenant use RequireTenant.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		rawID := strings.TrimSpace(c.Get("X-Tenant-ID"))
		apiKey := strings.TrimSpace(c.Get("X-API-Key"))
		if rawID == "" || apiKey == "" {
			return c.Next()
		}

		id, err := strconv.ParseUint(rawID, 10, 64)
		if err != nil {
			return c.Next()
		}

		var tenant models.Tenant
		if err := database.GetDB().First(&tenant, uint(id)).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "tenant_lookup_failed"})
			}
			return c.Next()
		}
		if tenant.Status != models.TenantStatusActive || !tenant.CheckAPIKey(apiKey) {
			return c.Next()
		}

		c.Locals(contextKey, TenantContext{
			TenantID:      tenant.ID,
			Name:          tenant.Name,
			BillingStatus: tenant.BillingStatus,
			IsResolved:    true,
		})
		return c.Next()
	}
}

// GetTenantContext retrieves the tenant context from fiber context.
// Returns an unresolved context if none is set.
func GetTenantContext(c *fiber.Ctx) TenantContext {
	if ctx := c.Locals(contextKey); ctx != nil {
		return ctx.(TenantContext)
	}
	return TenantContext{IsResolved: false}
}

// RequireTenant aborts with 401 when no tenant was resolved.
func RequireTenant(c *fiber.Ctx) error {
	if !GetTenantContext(c).IsResolved {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	}
	return c.Next()
}
