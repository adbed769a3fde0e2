package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/magnetiq/service-booking-wizard/internal/application"
	"github.com/magnetiq/service-booking-wizard/internal/platform/auth"
	"github.com/magnetiq/service-booking-wizard/internal/platform/middleware"
	"github.com/magnetiq/service-booking-wizard/internal/platform/response"
)

// AdminWizardHandler handles admin HTTP requests for wizard monitoring.
type AdminWizardHandler struct {
	service *application.WizardService
}

// NewAdminWizardHandler creates a new AdminWizardHandler.
func NewAdminWizardHandler(service *application.WizardService) *AdminWizardHandler {
	return &AdminWizardHandler{service: service}
}

// RegisterRoutes registers admin wizard routes.
func (h *AdminWizardHandler) RegisterRoutes(r *gin.RouterGroup, jwtManager *auth.JWTManager) {
	authMW := middleware.AuthMiddleware(jwtManager)
	adminRole := middleware.RequireRole(auth.RoleAdmin)

	admin := r.Group("/api/v1/admin/wizard")
	admin.Use(authMW, adminRole)
	{
		admin.GET("/funnel", h.Funnel)
		admin.GET("/sessions", h.ActiveSessions)
	}
}

// Funnel handles GET /api/v1/admin/wizard/funnel.
func (h *AdminWizardHandler) Funnel(c *gin.Context) {
	response.Success(c, h.service.Funnel())
}

// ActiveSessions handles GET /api/v1/admin/wizard/sessions.
func (h *AdminWizardHandler) ActiveSessions(c *gin.Context) {
	response.Success(c, gin.H{"session_ids": h.service.ActiveSessionIDs()})
}
