package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	commonauth "coach_msg/server/common/auth"
	"coach_msg/server/common/middleware"
	"coach_msg/server/common/transport/httpresp"
	"coach_msg/server/tenantHub/domain"
	tenantHub "coach_msg/server/tenantHub/service"
)

type Handler struct {
	tenant   *tenantHub.Service
	verifier commonauth.Verifier
}

func NewHandler(tenant *tenantHub.Service, verifier commonauth.Verifier) *Handler {
	return &Handler{tenant: tenant, verifier: verifier}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpresp.NewHealthResponse("ok"))
	})

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.verifier))
	{
		admin := api.Group("/tenants")
		admin.Use(middleware.RequireRoles(commonauth.UserTypeAdmin))
		admin.GET("", h.listTenants)
		admin.POST("", h.createTenant)
		admin.GET("/by-domain/:domain", h.getTenantByDomain)
		admin.GET("/:id", h.getTenant)
		admin.PATCH("/:id", h.updateTenant)
		admin.DELETE("/:id", h.deleteTenant)
		admin.POST("/:id/suspend", h.suspendTenant)
		admin.GET("/:id/stats", h.getStats)
	}
}

func (h *Handler) listTenants(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	filter := domain.ListFilter{Offset: offset, Limit: limit, Status: domain.Status(c.Query("status"))}
	items, err := h.tenant.ListTenants(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpresp.NewPageResponse(items, filter.Offset, len(items)))
}

func (h *Handler) createTenant(c *gin.Context) {
	var req domain.CreateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	item, err := h.tenant.CreateTenant(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

func (h *Handler) getTenant(c *gin.Context) {
	item, err := h.tenant.GetTenant(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handler) getTenantByDomain(c *gin.Context) {
	item, err := h.tenant.GetTenantByDomain(c.Request.Context(), c.Param("domain"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handler) updateTenant(c *gin.Context) {
	var req domain.Patch
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	item, err := h.tenant.UpdateTenant(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handler) suspendTenant(c *gin.Context) {
	item, err := h.tenant.SuspendTenant(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (h *Handler) deleteTenant(c *gin.Context) {
	if err := h.tenant.DeleteTenant(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpresp.NewOKResponse())
}

func (h *Handler) getStats(c *gin.Context) {
	stats, err := h.tenant.GetStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateDomain), errors.Is(err, domain.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidTenant):
		status = http.StatusBadRequest
	}
	c.JSON(status, httpresp.NewErrorResponse(err.Error()))
}
