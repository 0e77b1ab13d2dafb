package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/tenantbill/tenantbill/internal/pkg/billing"
	"github.com/tenantbill/tenantbill/internal/pkg/cache"
	"github.com/tenantbill/tenantbill/internal/pkg/database"
	"github.com/tenantbill/tenantbill/internal/pkg/env"
	"github.com/tenantbill/tenantbill/internal/pkg/tenantcontext"
)

const statusCacheTTL = 30 * time.Second

func billingService() *billing.Service {
	return billing.NewServiceFromDB(database.GetDB(), billing.NewStripeClientFromEnv())
}

// HandleBillingWebhook ingests provider webhook deliveries. Signature
// failures answer 400 (no store access); transient failures answer 500
// so the provider redelivers; everything else is acknowledged.
func HandleBillingWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := strings.TrimSpace(c.Get("Stripe-Signature"))
	secret := env.GetEnv("STRIPE_WEBHOOK_SECRET", "")

	if !billing.VerifyWebhookSignature(rawBody, signature, secret, billing.DefaultSignatureTolerance, time.Now()) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
	}

	event, err := billing.ParseEvent(rawBody)
	if err != nil {
		// Malformed payload is a data error: acknowledge so the provider
		// does not retry forever.
		log.Warnf("[Billing] dropping malformed webhook payload: %v", err)
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "ignored": true})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 15*time.Second)
	defer cancel()

	outcome, err := billingService().Dispatch(ctx, event, rawBody)
	if err != nil {
		log.Errorf("[Billing] webhook %s (%s) failed: %v", event.ID, event.Type, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "webhook_processing_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ok": true, "outcome": outcome})
}

// HandleCreateCheckout opens a checkout session for the tenant.
func HandleCreateCheckout(c *fiber.Ctx) error {
	tenantCtx := tenantcontext.GetTenantContext(c)

	var req billing.CheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request_body"})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 20*time.Second)
	defer cancel()

	result, err := billingService().CreateCheckout(ctx, tenantCtx.TenantID, req)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrAlreadySubscribed):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "already_subscribed"})
		case errors.Is(err, billing.ErrPlanNotFound):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_plan"})
		}
		var verr validatorErrors
		if errors.As(err, &verr) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request", "detail": err.Error()})
		}
		log.Errorf("[Billing] checkout for tenant %d failed: %v", tenantCtx.TenantID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "checkout_failed"})
	}

	invalidateStatusCache(tenantCtx.TenantID)
	return c.Status(fiber.StatusCreated).JSON(result)
}

// HandleCancelSubscription cancels now or at the period boundary.
func HandleCancelSubscription(c *fiber.Ctx) error {
	tenantCtx := tenantcontext.GetTenantContext(c)

	var req billing.CancelRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request_body"})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 15*time.Second)
	defer cancel()

	summary, err := billingService().Cancel(ctx, tenantCtx.TenantID, req)
	if err != nil {
		if errors.Is(err, billing.ErrNoSubscription) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no_subscription"})
		}
		log.Errorf("[Billing] cancel for tenant %d failed: %v", tenantCtx.TenantID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cancel_failed"})
	}

	invalidateStatusCache(tenantCtx.TenantID)
	return c.Status(fiber.StatusOK).JSON(summary)
}

// HandleCancelPreview reports what a cancellation would do, without
// side effects.
func HandleCancelPreview(c *fiber.Ctx) error {
	tenantCtx := tenantcontext.GetTenantContext(c)
	immediately := c.QueryBool("immediately", false)

	ctx, cancel := context.WithTimeout(c.UserContext(), 10*time.Second)
	defer cancel()

	summary, err := billingService().PreviewCancellation(ctx, tenantCtx.TenantID, immediately)
	if err != nil {
		if errors.Is(err, billing.ErrNoSubscription) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no_subscription"})
		}
		log.Errorf("[Billing] cancel preview for tenant %d failed: %v", tenantCtx.TenantID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "preview_failed"})
	}

	return c.Status(fiber.StatusOK).JSON(summary)
}

// HandleBillingStatus returns the tenant's billing snapshot plus recent
// history. Read-only and briefly cached.
func HandleBillingStatus(c *fiber.Ctx) error {
	tenantCtx := tenantcontext.GetTenantContext(c)
	cacheKey := statusCacheKey(tenantCtx.TenantID)

	if cached, err := cache.Get(cacheKey); err == nil && cached != "" {
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.SendString(cached)
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 10*time.Second)
	defer cancel()

	view, err := billingService().TenantStatus(ctx, tenantCtx.TenantID)
	if err != nil {
		log.Errorf("[Billing] status for tenant %d failed: %v", tenantCtx.TenantID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "status_failed"})
	}

	if payload, err := json.Marshal(view); err == nil {
		_ = cache.Set(cacheKey, string(payload), statusCacheTTL)
	}
	return c.Status(fiber.StatusOK).JSON(view)
}

func statusCacheKey(tenantID uint) string {
	return fmt.Sprintf("billing:status:%d", tenantID)
}

func invalidateStatusCache(tenantID uint) {
	if err := cache.Delete(statusCacheKey(tenantID)); err != nil {
		log.Debugf("[Billing] could not invalidate status cache for tenant %d: %v", tenantID, err)
	}
}
