package routes

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/obsync/obsync/internal/webhook"
)

// maxWebhookBody caps delivery payloads at 1 MiB.
const maxWebhookBody = 1 << 20

// WebhookRoutes registers webhook ingestion endpoints.
type WebhookRoutes struct {
	service *webhook.Service
}

// NewWebhookRoutes constructs webhook routes.
func NewWebhookRoutes(service *webhook.Service) *WebhookRoutes {
	return &WebhookRoutes{service: service}
}

// RegisterRoutes registers webhook endpoints.
func (w *WebhookRoutes) RegisterRoutes(s *echo.Echo) {
	s.POST("/webhooks/:source", w.handleDelivery)
}

func (w *WebhookRoutes) handleDelivery(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable body"})
	}
	if len(body) > maxWebhookBody {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
	}

	receipt := w.service.Ingest(c.Request().Context(), c.Param("source"), body, c.Request().Header)
	return c.JSON(receipt.HTTPCode, receipt)
}
