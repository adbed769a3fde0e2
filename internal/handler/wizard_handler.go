package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/magnetiq/service-booking-wizard/internal/application"
	"github.com/magnetiq/service-booking-wizard/internal/domain/wizard"
	"github.com/magnetiq/service-booking-wizard/internal/platform/response"
)

// WizardHandler handles HTTP requests for booking wizard sessions.
type WizardHandler struct {
	service *application.WizardService
}

// NewWizardHandler creates a new WizardHandler.
func NewWizardHandler(service *application.WizardService) *WizardHandler {
	return &WizardHandler{service: service}
}

// RegisterRoutes registers all wizard routes on the given router group.
func (h *WizardHandler) RegisterRoutes(r *gin.RouterGroup) {
	wz := r.Group("/api/v1/wizard")
	{
		wz.GET("/steps", h.ListSteps)
		wz.GET("/availability", h.Availability)
		wz.POST("/sessions", h.OpenSession)
		wz.GET("/sessions/:id", h.GetSession)
		wz.PATCH("/sessions/:id/fields", h.ChangeFields)
		wz.POST("/sessions/:id/next", h.Next)
		wz.POST("/sessions/:id/back", h.Back)
		wz.POST("/sessions/:id/jump", h.JumpTo)
		wz.POST("/sessions/:id/submit", h.Submit)
		wz.POST("/sessions/:id/cancel", h.Cancel)
	}
}

// ListSteps handles GET /api/v1/wizard/steps.
func (h *WizardHandler) ListSteps(c *gin.Context) {
	response.Success(c, h.service.Steps())
}

// Availability handles GET /api/v1/wizard/availability.
func (h *WizardHandler) Availability(c *gin.Context) {
	response.Success(c, h.service.Availability())
}

// OpenSession handles POST /api/v1/wizard/sessions. The body is optional.
func (h *WizardHandler) OpenSession(c *gin.Context) {
	var req application.OpenSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}

	snap, err := h.service.OpenSession(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, snap)
}

// GetSession handles GET /api/v1/wizard/sessions/:id.
func (h *WizardHandler) GetSession(c *gin.Context) {
	h.run(c, h.service.GetSession)
}

// ChangeFields handles PATCH /api/v1/wizard/sessions/:id/fields.
func (h *WizardHandler) ChangeFields(c *gin.Context) {
	var req application.ChangeFieldsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	h.run(c, func(ctx context.Context, id uuid.UUID) (*wizard.Snapshot, error) {
		return h.service.ChangeFields(ctx, id, req)
	})
}

// Next handles POST /api/v1/wizard/sessions/:id/next.
func (h *WizardHandler) Next(c *gin.Context) {
	h.run(c, h.service.Next)
}

// Back handles POST /api/v1/wizard/sessions/:id/back.
func (h *WizardHandler) Back(c *gin.Context) {
	h.run(c, h.service.Back)
}

// JumpTo handles POST /api/v1/wizard/sessions/:id/jump.
func (h *WizardHandler) JumpTo(c *gin.Context) {
	var req application.JumpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	h.run(c, func(ctx context.Context, id uuid.UUID) (*wizard.Snapshot, error) {
		return h.service.JumpTo(ctx, id, req)
	})
}

// Submit handles POST /api/v1/wizard/sessions/:id/submit. A failed booking is
// still a 200: the outcome is in the snapshot's submission status.
func (h *WizardHandler) Submit(c *gin.Context) {
	h.run(c, h.service.Submit)
}

// Cancel handles POST /api/v1/wizard/sessions/:id/cancel.
func (h *WizardHandler) Cancel(c *gin.Context) {
	h.run(c, h.service.Cancel)
}

func (h *WizardHandler) run(c *gin.Context, fn func(context.Context, uuid.UUID) (*wizard.Snapshot, error)) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session ID")
		return
	}

	snap, err := fn(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, snap)
}
