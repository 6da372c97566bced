package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	commonauth "coach_msg/server/common/auth"
	"coach_msg/server/common/middleware"
	"coach_msg/server/common/transport/httpresp"
	"coach_msg/server/fileman/domain"
	"coach_msg/server/fileman/service"
	tenantdomain "coach_msg/server/tenantHub/domain"
)

type Handler struct {
	media    *service.MediaService
	verifier commonauth.Verifier
}

func NewHandler(media *service.MediaService, verifier commonauth.Verifier) *Handler {
	return &Handler{media: media, verifier: verifier}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpresp.NewHealthResponse("ok"))
	})

	api := r.Group("/api/v1")
	api.Use(middleware.AuthRequired(h.verifier))
	{
		api.POST("/media", h.upload)
		api.GET("/media/url", h.presignURL)
	}
}

func (h *Handler) upload(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse("file is required"))
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
		return
	}
	defer f.Close()

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	media, err := h.media.Upload(c.Request.Context(), service.UploadInput{
		TenantID:     identity.TenantID,
		UploaderID:   identity.UserID,
		OriginalName: fh.Filename,
		ContentType:  contentType,
		Body:         f,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, media)
}

func (h *Handler) presignURL(c *gin.Context) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, httpresp.NewErrorResponse(httpresp.ErrUnauthorized))
		return
	}
	url, err := h.media.PresignURL(c.Request.Context(), identity.TenantID, c.Query("ref"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpresp.NewURLResponse(url))
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRef), errors.Is(err, domain.ErrEmpty):
		c.JSON(http.StatusBadRequest, httpresp.NewErrorResponse(err.Error()))
	case errors.Is(err, domain.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, httpresp.NewErrorResponse(err.Error()))
	case errors.Is(err, domain.ErrFeatureDisabled), errors.Is(err, tenantdomain.ErrSuspended):
		c.JSON(http.StatusForbidden, httpresp.NewErrorResponse(err.Error()))
	case errors.Is(err, tenantdomain.ErrNotFound):
		c.JSON(http.StatusNotFound, httpresp.NewErrorResponse(httpresp.ErrNotFound))
	default:
		c.JSON(http.StatusInternalServerError, httpresp.NewErrorResponse(err.Error()))
	}
}
